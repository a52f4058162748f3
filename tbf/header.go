// Package tbf decodes and encodes the self-describing headers that precede
// every application image stored in flash, and walks a flash region as the
// linked sequence of images those headers describe.
//
// All multi-byte fields are little endian. A header consists of a fixed 16
// byte base followed by a list of TLV extension records, each padded to a
// 4-byte boundary.
package tbf

import (
	"github.com/Masterminds/semver/v3"
)

const (
	// Version is the only header format version understood by this package.
	Version uint16 = 2

	// BaseSize is the size of the fixed part of the header in bytes.
	BaseSize = 16

	// checksumWord is the index of the 32-bit word holding the checksum.
	checksumWord = 3

	// unsetAddress marks a FixedAddresses field as unused.
	unsetAddress = 0xFFFFFFFF
)

// Flags holds the header flag word.
type Flags uint32

const (
	// FlagEnabled marks an image that should be started at boot.
	FlagEnabled Flags = 1 << iota

	// FlagSticky marks an image that must not be removed casually.
	FlagSticky
)

// Header is a decoded image header. It owns its data; nothing in it aliases
// the storage it was read from.
type Header struct {
	Version      uint16
	HeaderLength uint16
	TotalLength  uint32

	// Flags bits other than FlagEnabled and FlagSticky are reserved. They
	// are preserved verbatim by Decode and Encode.
	Flags    Flags
	Checksum uint32

	// Extensions lists the TLV records in the order they appear.
	Extensions []Extension
}

// Enabled returns true if the image should be started at boot.
func (h *Header) Enabled() bool {
	return h.Flags&FlagEnabled != 0
}

// Sticky returns true if the image is protected from casual removal.
func (h *Header) Sticky() bool {
	return h.Flags&FlagSticky != 0
}

// IsPadding returns true if the header has no entry point. Padding images
// occupy space in flash but are never instantiated as processes.
func (h *Header) IsPadding() bool {
	_, ok := h.entry()
	return !ok
}

// entry returns the entry point extension. A Program extension takes
// precedence over Main; when several of the same kind are present the first
// one wins.
func (h *Header) entry() (Program, bool) {
	var (
		main    Main
		hasMain bool
	)

	for _, ext := range h.Extensions {
		switch t := ext.(type) {
		case Program:
			return t, true
		case Main:
			if !hasMain {
				main, hasMain = t, true
			}
		}
	}

	if !hasMain {
		return Program{}, false
	}

	return Program{
		InitOffset:           main.InitOffset,
		ProtectedTrailerSize: main.ProtectedTrailerSize,
		MinimumMemorySize:    main.MinimumMemorySize,
	}, true
}

// EntryPoint returns the offset of the first instruction relative to the start
// of the image or 0 for padding images.
func (h *Header) EntryPoint() uint32 {
	if e, ok := h.entry(); ok {
		return e.InitOffset + uint32(h.HeaderLength)
	}
	return 0
}

// ProtectedSize returns the number of bytes at the start of the image that the
// process may not write to. This covers the header and any protected trailer.
func (h *Header) ProtectedSize() uint32 {
	if e, ok := h.entry(); ok {
		return e.ProtectedTrailerSize + uint32(h.HeaderLength)
	}
	return uint32(h.HeaderLength)
}

// MinimumMemorySize returns the amount of RAM the process requests.
func (h *Header) MinimumMemorySize() uint32 {
	e, _ := h.entry()
	return e.MinimumMemorySize
}

// BinaryEnd returns the offset where the application binary ends. Images
// without a Program extension extend to TotalLength.
func (h *Header) BinaryEnd() uint32 {
	for _, ext := range h.Extensions {
		if p, ok := ext.(Program); ok {
			return p.BinaryEndOffset
		}
	}
	return h.TotalLength
}

// BinaryVersion returns the application version from the Program extension or
// 0 if there is none.
func (h *Header) BinaryVersion() uint32 {
	for _, ext := range h.Extensions {
		if p, ok := ext.(Program); ok {
			return p.Version
		}
	}
	return 0
}

// PackageName returns the package name if the header carries one.
func (h *Header) PackageName() (string, bool) {
	for _, ext := range h.Extensions {
		if n, ok := ext.(PackageName); ok {
			return string(n), true
		}
	}
	return "", false
}

// WriteableRegions returns all writeable flash regions declared by the image.
func (h *Header) WriteableRegions() []WriteableRegion {
	var out []WriteableRegion
	for _, ext := range h.Extensions {
		if w, ok := ext.(WriteableRegions); ok {
			out = append(out, w...)
		}
	}
	return out
}

func (h *Header) fixedAddresses() (FixedAddresses, bool) {
	for _, ext := range h.Extensions {
		if f, ok := ext.(FixedAddresses); ok {
			return f, true
		}
	}
	return FixedAddresses{}, false
}

// FixedMemoryAddress returns the RAM address the image was linked for, if any.
func (h *Header) FixedMemoryAddress() (uint32, bool) {
	f, ok := h.fixedAddresses()
	if !ok || f.Memory == unsetAddress {
		return 0, false
	}
	return f.Memory, true
}

// FixedFlashAddress returns the flash address the image was linked for, if any.
func (h *Header) FixedFlashAddress() (uint32, bool) {
	f, ok := h.fixedAddresses()
	if !ok || f.Flash == unsetAddress {
		return 0, false
	}
	return f.Flash, true
}

// KernelVersion returns the minimum kernel version required by the image.
func (h *Header) KernelVersion() (*semver.Version, bool) {
	for _, ext := range h.Extensions {
		if kv, ok := ext.(KernelVersion); ok {
			return semver.New(uint64(kv.Major), uint64(kv.Minor), 0, "", ""), true
		}
	}
	return nil, false
}

// ShortID returns the short application identifier, if any.
func (h *Header) ShortID() (uint32, bool) {
	for _, ext := range h.Extensions {
		if id, ok := ext.(ShortID); ok {
			return uint32(id), true
		}
	}
	return 0, false
}

// AllowedCommands returns the command mask granted for a driver number and
// command offset. The second return value is false if the image declares no
// permissions for that driver and offset.
func (h *Header) AllowedCommands(driver, offset uint32) (uint64, bool) {
	for _, ext := range h.Extensions {
		perms, ok := ext.(Permissions)
		if !ok {
			continue
		}
		for _, p := range perms {
			if p.Driver == driver && p.Offset == offset {
				return p.AllowedCommands, true
			}
		}
	}
	return 0, false
}
