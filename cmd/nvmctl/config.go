package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/nvm/hypervisor"
)

// vmConfig is the on-disk YAML shape for a VmSpec, loaded with --config so a
// VM's vCPU/memory/firmware/boot-image layout can be checked into a repo
// instead of assembled from a long flag list.
type vmConfig struct {
	Name      string            `yaml:"name"`
	VCPUs     uint32            `yaml:"vcpus"`
	MemoryMB  uint64            `yaml:"memory_mb"`
	Firmware  string            `yaml:"firmware"`
	BootImage string            `yaml:"boot_image"` // path to a flat binary, read relative to the config file
	Metadata  map[string]string `yaml:"metadata"`
}

func loadVMConfig(path string) (hypervisor.VmSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return hypervisor.VmSpec{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg vmConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return hypervisor.VmSpec{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	b := hypervisor.NewVmSpecBuilder().
		Name(cfg.Name).
		VCPUs(cfg.VCPUs).
		MemoryMB(cfg.MemoryMB)
	if cfg.Firmware != "" {
		b = b.Firmware(cfg.Firmware)
	}
	if cfg.BootImage != "" {
		image, err := os.ReadFile(cfg.BootImage)
		if err != nil {
			return hypervisor.VmSpec{}, fmt.Errorf("read boot image %s: %w", cfg.BootImage, err)
		}
		b = b.BootImage(image)
	}
	for k, v := range cfg.Metadata {
		b = b.Metadata(k, v)
	}
	return b.Build()
}
