package tbf

import (
	"fmt"

	"gophertock/kernel"
)

// The kinds of header errors. An *Error unwraps to one of these so callers can
// use errors.Is(err, tbf.ErrBadChecksum).
var (
	// ErrBadVersion is returned for an unsupported format version. Erased
	// flash never carries a valid version so the walker treats this as the
	// end of the image list.
	ErrBadVersion = &kernel.Error{Module: "tbf", Message: "unsupported header version"}

	// ErrBadChecksum is returned when the stored checksum does not match
	// the header contents.
	ErrBadChecksum = &kernel.Error{Module: "tbf", Message: "checksum mismatch"}

	// ErrSizeInconsistent is returned when the header or total length
	// fields contradict each other or the available storage.
	ErrSizeInconsistent = &kernel.Error{Module: "tbf", Message: "inconsistent header sizes"}

	// ErrBadExtension is returned when a known extension record does not
	// match its expected layout.
	ErrBadExtension = &kernel.Error{Module: "tbf", Message: "malformed extension record"}

	// ErrBadPackageName is returned when the package name is not valid UTF-8.
	ErrBadPackageName = &kernel.Error{Module: "tbf", Message: "package name is not valid UTF-8"}
)

// Error describes why a header was rejected.
type Error struct {
	// Kind is one of the ErrXXX values exported by this package.
	Kind *kernel.Error

	// Offset is the storage address of the rejected header. Decode leaves it
	// at zero; the walker fills it in.
	Offset uintptr

	// Version holds the rejected version for ErrBadVersion.
	Version uint16

	// Stored and Computed hold the checksums for ErrBadChecksum.
	Stored, Computed uint32

	// Extension holds the offending record type for ErrBadExtension and
	// ErrBadPackageName.
	Extension ExtensionType

	// Detail describes which size check failed for ErrSizeInconsistent.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("tbf: header at 0x%08x: %s", e.Offset, e.Kind.Message)

	switch e.Kind {
	case ErrBadVersion:
		return fmt.Sprintf("%s (got %d, want %d)", prefix, e.Version, Version)
	case ErrBadChecksum:
		return fmt.Sprintf("%s (stored 0x%08x, computed 0x%08x)", prefix, e.Stored, e.Computed)
	case ErrBadExtension, ErrBadPackageName:
		return fmt.Sprintf("%s (type %s)", prefix, e.Extension)
	default:
		if e.Detail != "" {
			return prefix + ": " + e.Detail
		}
		return prefix
	}
}

// Unwrap returns the error kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

func sizeError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrSizeInconsistent, Detail: fmt.Sprintf(format, args...)}
}
