package kernel

// Error is the error type used by all kernel subsystems. Each error is
// declared as a package-level pointer singleton; returning one never touches
// the Go allocator, which is not available while the memory subsystems
// bootstrap themselves.
type Error struct {
	// Module is the name of the subsystem that raised the error.
	Module string

	// Message describes the error condition.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
