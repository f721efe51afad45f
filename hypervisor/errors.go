package hypervisor

import "fmt"

// ErrorKind classifies a hypervisor Error so callers can match it with
// errors.Is against the Err* sentinels below, without string comparison.
type ErrorKind int

const (
	ErrKindVMNotFound ErrorKind = iota
	ErrKindVMAlreadyExists
	ErrKindInvalidState
	ErrKindResourceUnavailable
	ErrKindNotSupported
	ErrKindSnapshotError
)

// Error is the hypervisor package's single error type, grounded on
// core.rs's HypervisorError enum but collapsed to the cases this module
// actually raises (the Rust original's storage/network/security/migration
// variants have no counterpart here; there are no such subsystems).
type Error struct {
	Kind    ErrorKind
	Message string

	// Current/Expected are populated for ErrKindInvalidState only.
	Current  VmStatus
	Expected []VmStatus
}

func (e *Error) Error() string { return e.Message }

// Is makes Error compatible with errors.Is against the sentinel values
// below: two *Error values match if they carry the same Kind, regardless
// of Message/Current/Expected.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// Sentinel errors for errors.Is(err, hypervisor.ErrVMNotFound) style checks.
var (
	ErrVMNotFound          = &Error{Kind: ErrKindVMNotFound}
	ErrVMAlreadyExists     = &Error{Kind: ErrKindVMAlreadyExists}
	ErrInvalidState        = &Error{Kind: ErrKindInvalidState}
	ErrResourceUnavailable = &Error{Kind: ErrKindResourceUnavailable}
	ErrNotSupported        = &Error{Kind: ErrKindNotSupported}
	ErrSnapshotError       = &Error{Kind: ErrKindSnapshotError}
)

func newVMNotFound(id VmID) *Error {
	return &Error{Kind: ErrKindVMNotFound, Message: fmt.Sprintf("hypervisor: vm %d not found", id)}
}

func newVMAlreadyExists(name string) *Error {
	return &Error{Kind: ErrKindVMAlreadyExists, Message: fmt.Sprintf("hypervisor: vm named %q already exists", name)}
}

func newInvalidState(current VmStatus, expected ...VmStatus) *Error {
	return &Error{
		Kind:     ErrKindInvalidState,
		Message:  fmt.Sprintf("hypervisor: invalid state %s, expected one of %v", current, expected),
		Current:  current,
		Expected: expected,
	}
}

func newResourceUnavailable(resource string, requested, available uint64) *Error {
	return &Error{
		Kind: ErrKindResourceUnavailable,
		Message: fmt.Sprintf("hypervisor: %s unavailable: requested %d, available %d",
			resource, requested, available),
	}
}

func newSnapshotError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindSnapshotError, Message: fmt.Sprintf("hypervisor: "+format, args...)}
}
