package tbf

import (
	"encoding/binary"
	"strconv"
	"unicode/utf8"
)

var le = binary.LittleEndian

// ExtensionType identifies a TLV extension record.
type ExtensionType uint16

// The extension types understood by this package. Any other value decodes to
// Unknown.
const (
	TypeMain               ExtensionType = 1
	TypeWriteableRegions   ExtensionType = 2
	TypePackageName        ExtensionType = 3
	TypeFixedAddresses     ExtensionType = 5
	TypePermissions        ExtensionType = 6
	TypeStoragePermissions ExtensionType = 7
	TypeKernelVersion      ExtensionType = 8
	TypeProgram            ExtensionType = 9
	TypeShortID            ExtensionType = 10
)

// String implements fmt.Stringer for ExtensionType.
func (t ExtensionType) String() string {
	switch t {
	case TypeMain:
		return "main"
	case TypeWriteableRegions:
		return "writeable_regions"
	case TypePackageName:
		return "package_name"
	case TypeFixedAddresses:
		return "fixed_addresses"
	case TypePermissions:
		return "permissions"
	case TypeStoragePermissions:
		return "storage_permissions"
	case TypeKernelVersion:
		return "kernel_version"
	case TypeProgram:
		return "program"
	case TypeShortID:
		return "short_id"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Extension is a decoded TLV record. The concrete type is one of Main,
// WriteableRegions, PackageName, FixedAddresses, Permissions,
// StoragePermissions, KernelVersion, Program, ShortID or Unknown.
type Extension interface {
	// Type returns the TLV type tag.
	Type() ExtensionType

	// payload returns the encoded record payload without the TLV header
	// or padding.
	payload() []byte
}

// Main is the legacy entry point record.
type Main struct {
	InitOffset           uint32
	ProtectedTrailerSize uint32
	MinimumMemorySize    uint32
}

// Program is the extended entry point record. It allows non-integrity-checked
// metadata to follow the binary.
type Program struct {
	InitOffset           uint32
	ProtectedTrailerSize uint32
	MinimumMemorySize    uint32
	BinaryEndOffset      uint32
	Version              uint32
}

// WriteableRegion describes a flash sub-region that the process may write to.
type WriteableRegion struct {
	Offset uint32
	Size   uint32
}

// WriteableRegions lists the writeable flash regions of an image.
type WriteableRegions []WriteableRegion

// PackageName is the UTF-8 application name.
type PackageName string

// FixedAddresses records the addresses a non position-independent image was
// linked for. A field equal to 0xFFFFFFFF is unset.
type FixedAddresses struct {
	Memory uint32
	Flash  uint32
}

// DriverPermission grants access to a range of commands of a driver.
type DriverPermission struct {
	Driver          uint32
	Offset          uint32
	AllowedCommands uint64
}

// Permissions lists the driver permissions of an image.
type Permissions []DriverPermission

// StoragePermissions lists the storage identifiers an image may access.
type StoragePermissions struct {
	WriteID   uint32
	ReadIDs   []uint32
	ModifyIDs []uint32
}

// KernelVersion is the minimum kernel version an image requires.
type KernelVersion struct {
	Major uint16
	Minor uint16
}

// ShortID is a compact application identifier.
type ShortID uint32

// Unknown preserves a record whose type is not understood so that it can be
// inspected or re-encoded without loss.
type Unknown struct {
	Tag ExtensionType
	Raw []byte
}

func (Main) Type() ExtensionType               { return TypeMain }
func (Program) Type() ExtensionType            { return TypeProgram }
func (WriteableRegions) Type() ExtensionType   { return TypeWriteableRegions }
func (PackageName) Type() ExtensionType        { return TypePackageName }
func (FixedAddresses) Type() ExtensionType     { return TypeFixedAddresses }
func (Permissions) Type() ExtensionType        { return TypePermissions }
func (StoragePermissions) Type() ExtensionType { return TypeStoragePermissions }
func (KernelVersion) Type() ExtensionType      { return TypeKernelVersion }
func (ShortID) Type() ExtensionType            { return TypeShortID }
func (u Unknown) Type() ExtensionType          { return u.Tag }

func (m Main) payload() []byte {
	b := make([]byte, 0, 12)
	b = le.AppendUint32(b, m.InitOffset)
	b = le.AppendUint32(b, m.ProtectedTrailerSize)
	return le.AppendUint32(b, m.MinimumMemorySize)
}

func (p Program) payload() []byte {
	b := make([]byte, 0, 20)
	b = le.AppendUint32(b, p.InitOffset)
	b = le.AppendUint32(b, p.ProtectedTrailerSize)
	b = le.AppendUint32(b, p.MinimumMemorySize)
	b = le.AppendUint32(b, p.BinaryEndOffset)
	return le.AppendUint32(b, p.Version)
}

func (w WriteableRegions) payload() []byte {
	b := make([]byte, 0, 8*len(w))
	for _, r := range w {
		b = le.AppendUint32(b, r.Offset)
		b = le.AppendUint32(b, r.Size)
	}
	return b
}

func (n PackageName) payload() []byte {
	return []byte(n)
}

func (f FixedAddresses) payload() []byte {
	b := make([]byte, 0, 8)
	b = le.AppendUint32(b, f.Memory)
	return le.AppendUint32(b, f.Flash)
}

func (p Permissions) payload() []byte {
	b := make([]byte, 0, 2+16*len(p))
	b = le.AppendUint16(b, uint16(len(p)))
	for _, perm := range p {
		b = le.AppendUint32(b, perm.Driver)
		b = le.AppendUint32(b, perm.Offset)
		b = le.AppendUint64(b, perm.AllowedCommands)
	}
	return b
}

func (s StoragePermissions) payload() []byte {
	b := make([]byte, 0, 8+4*(len(s.ReadIDs)+len(s.ModifyIDs)))
	b = le.AppendUint32(b, s.WriteID)
	b = le.AppendUint16(b, uint16(len(s.ReadIDs)))
	for _, id := range s.ReadIDs {
		b = le.AppendUint32(b, id)
	}
	b = le.AppendUint16(b, uint16(len(s.ModifyIDs)))
	for _, id := range s.ModifyIDs {
		b = le.AppendUint32(b, id)
	}
	return b
}

func (k KernelVersion) payload() []byte {
	b := make([]byte, 0, 4)
	b = le.AppendUint16(b, k.Major)
	return le.AppendUint16(b, k.Minor)
}

func (id ShortID) payload() []byte {
	return le.AppendUint32(make([]byte, 0, 4), uint32(id))
}

func (u Unknown) payload() []byte {
	return u.Raw
}

// decodeExtension interprets the payload of a single TLV record. It returns
// ErrBadExtension if the payload does not match the layout of a known type
// and ErrBadPackageName if a package name is not valid UTF-8.
func decodeExtension(t ExtensionType, p []byte) (Extension, error) {
	switch t {
	case TypeMain:
		if len(p) != 12 {
			return nil, ErrBadExtension
		}
		return Main{
			InitOffset:           le.Uint32(p[0:]),
			ProtectedTrailerSize: le.Uint32(p[4:]),
			MinimumMemorySize:    le.Uint32(p[8:]),
		}, nil
	case TypeProgram:
		if len(p) != 20 {
			return nil, ErrBadExtension
		}
		return Program{
			InitOffset:           le.Uint32(p[0:]),
			ProtectedTrailerSize: le.Uint32(p[4:]),
			MinimumMemorySize:    le.Uint32(p[8:]),
			BinaryEndOffset:      le.Uint32(p[12:]),
			Version:              le.Uint32(p[16:]),
		}, nil
	case TypeWriteableRegions:
		if len(p)%8 != 0 {
			return nil, ErrBadExtension
		}
		regions := make(WriteableRegions, 0, len(p)/8)
		for off := 0; off < len(p); off += 8 {
			regions = append(regions, WriteableRegion{
				Offset: le.Uint32(p[off:]),
				Size:   le.Uint32(p[off+4:]),
			})
		}
		return regions, nil
	case TypePackageName:
		if !utf8.Valid(p) {
			return nil, ErrBadPackageName
		}
		return PackageName(p), nil
	case TypeFixedAddresses:
		if len(p) != 8 {
			return nil, ErrBadExtension
		}
		return FixedAddresses{
			Memory: le.Uint32(p[0:]),
			Flash:  le.Uint32(p[4:]),
		}, nil
	case TypePermissions:
		return decodePermissions(p)
	case TypeStoragePermissions:
		return decodeStoragePermissions(p)
	case TypeKernelVersion:
		if len(p) != 4 {
			return nil, ErrBadExtension
		}
		return KernelVersion{Major: le.Uint16(p[0:]), Minor: le.Uint16(p[2:])}, nil
	case TypeShortID:
		if len(p) != 4 {
			return nil, ErrBadExtension
		}
		return ShortID(le.Uint32(p)), nil
	default:
		raw := make([]byte, len(p))
		copy(raw, p)
		return Unknown{Tag: t, Raw: raw}, nil
	}
}

func decodePermissions(p []byte) (Extension, error) {
	if len(p) < 2 {
		return nil, ErrBadExtension
	}

	count := int(le.Uint16(p))
	if len(p) != 2+16*count {
		return nil, ErrBadExtension
	}

	perms := make(Permissions, 0, count)
	for off := 2; off < len(p); off += 16 {
		perms = append(perms, DriverPermission{
			Driver:          le.Uint32(p[off:]),
			Offset:          le.Uint32(p[off+4:]),
			AllowedCommands: le.Uint64(p[off+8:]),
		})
	}
	return perms, nil
}

func decodeStoragePermissions(p []byte) (Extension, error) {
	readIDs, rest, ok := decodeIDList(p, 4)
	if !ok {
		return nil, ErrBadExtension
	}
	modifyIDs, rest, ok := decodeIDList(rest, 0)
	if !ok || len(rest) != 0 {
		return nil, ErrBadExtension
	}

	return StoragePermissions{
		WriteID:   le.Uint32(p),
		ReadIDs:   readIDs,
		ModifyIDs: modifyIDs,
	}, nil
}

// decodeIDList decodes a u16 counted list of u32 identifiers starting at off.
// It returns the identifiers and the bytes that follow the list.
func decodeIDList(p []byte, off int) ([]uint32, []byte, bool) {
	if len(p) < off+2 {
		return nil, nil, false
	}

	count := int(le.Uint16(p[off:]))
	off += 2
	if len(p) < off+4*count {
		return nil, nil, false
	}

	var ids []uint32
	if count > 0 {
		ids = make([]uint32, count)
	}
	for i := range ids {
		ids[i] = le.Uint32(p[off+4*i:])
	}
	return ids, p[off+4*count:], true
}
