// Package kernel contains the types shared by every gophertock kernel package.
package kernel

// Error describes a static kernel error. Errors that carry no per-call state
// are defined as package-level pointers to Error so that callers can compare
// them by identity (err == errFoo) or with errors.Is.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Qualified returns the error message prefixed by the module name, which is
// the form used by kernel diagnostics and the panic banner.
func (e *Error) Qualified() string {
	if e.Module == "" {
		return e.Message
	}
	return "[" + e.Module + "] " + e.Message
}
