package tbf

import (
	"gophertock/kernel"
	"gophertock/kernel/mem"
)

const (
	tlvHeaderSize = 4
	maxHeaderSize = 0xFFFF
)

// Checksum returns the XOR of all 32-bit little endian words in hdr except
// the checksum word. Trailing bytes that do not form a full word are ignored.
func Checksum(hdr []byte) uint32 {
	var sum uint32
	for i, off := 0, 0; off+4 <= len(hdr); i, off = i+1, off+4 {
		if i == checksumWord {
			continue
		}
		sum ^= le.Uint32(hdr[off:])
	}
	return sum
}

// Decode parses the header at the start of window. The window must extend to
// the end of the storage region being walked since the image's total length is
// validated against it.
func Decode(window []byte) (*Header, error) {
	return decode(window, uint64(len(window)))
}

// decode parses a header from hdr, which must contain at least header_length
// bytes, for an image that has avail bytes of storage before the region end.
func decode(hdr []byte, avail uint64) (*Header, error) {
	if len(hdr) < BaseSize {
		return nil, sizeError("window of %d bytes is smaller than the base header", len(hdr))
	}

	h := &Header{
		Version:      le.Uint16(hdr[0:]),
		HeaderLength: le.Uint16(hdr[2:]),
		TotalLength:  le.Uint32(hdr[4:]),
		Flags:        Flags(le.Uint32(hdr[8:])),
		Checksum:     le.Uint32(hdr[12:]),
	}

	if h.Version != Version {
		return nil, &Error{Kind: ErrBadVersion, Version: h.Version}
	}

	hl := int(h.HeaderLength)
	switch {
	case hl < BaseSize:
		return nil, sizeError("header length %d is smaller than the base header", hl)
	case hl%4 != 0:
		return nil, sizeError("header length %d is not a multiple of 4", hl)
	case uint32(hl) > h.TotalLength:
		return nil, sizeError("header length %d exceeds total length %d", hl, h.TotalLength)
	case uint64(h.TotalLength) > avail:
		return nil, sizeError("total length %d exceeds the %d bytes left in the region", h.TotalLength, avail)
	case hl > len(hdr):
		return nil, sizeError("header length %d exceeds the %d byte window", hl, len(hdr))
	}

	hdr = hdr[:hl]
	if sum := Checksum(hdr); sum != h.Checksum {
		return nil, &Error{Kind: ErrBadChecksum, Stored: h.Checksum, Computed: sum}
	}

	for off := BaseSize; off < hl; {
		if off+tlvHeaderSize > hl {
			return nil, sizeError("truncated extension header at offset %d", off)
		}

		var (
			typ        = ExtensionType(le.Uint16(hdr[off:]))
			length     = int(le.Uint16(hdr[off+2:]))
			payloadOff = off + tlvHeaderSize
		)
		if payloadOff+length > hl {
			return nil, sizeError("extension %s at offset %d runs past the header", typ, off)
		}

		ext, err := decodeExtension(typ, hdr[payloadOff:payloadOff+length])
		if err != nil {
			kind, _ := err.(*kernel.Error)
			return nil, &Error{Kind: kind, Extension: typ}
		}
		h.Extensions = append(h.Extensions, ext)

		off = payloadOff + int(mem.Align4(uint32(length)))
	}

	return h, nil
}

// encodedLength returns the header length required to encode h.
func encodedLength(h *Header) (int, error) {
	n := BaseSize
	for _, ext := range h.Extensions {
		length := len(ext.payload())
		if length > maxHeaderSize {
			return 0, &Error{Kind: ErrBadExtension, Extension: ext.Type()}
		}
		n += tlvHeaderSize + int(mem.Align4(uint32(length)))
	}
	if n > maxHeaderSize {
		return 0, sizeError("encoded header length %d does not fit in 16 bits", n)
	}
	return n, nil
}

// Encode serializes h. It fills in the Version (if unset), HeaderLength and
// Checksum fields of h from the encoded bytes. A zero TotalLength is set to
// the header length.
func Encode(h *Header) ([]byte, error) {
	n, err := encodedLength(h)
	if err != nil {
		return nil, err
	}

	if h.Version == 0 {
		h.Version = Version
	}
	if h.TotalLength == 0 {
		h.TotalLength = uint32(n)
	}
	if h.TotalLength < uint32(n) {
		return nil, sizeError("total length %d is smaller than the %d byte header", h.TotalLength, n)
	}
	h.HeaderLength = uint16(n)

	buf := make([]byte, n)
	le.PutUint16(buf[0:], h.Version)
	le.PutUint16(buf[2:], h.HeaderLength)
	le.PutUint32(buf[4:], h.TotalLength)
	le.PutUint32(buf[8:], uint32(h.Flags))

	off := BaseSize
	for _, ext := range h.Extensions {
		p := ext.payload()
		le.PutUint16(buf[off:], uint16(ext.Type()))
		le.PutUint16(buf[off+2:], uint16(len(p)))
		copy(buf[off+tlvHeaderSize:], p)
		off += tlvHeaderSize + int(mem.Align4(uint32(len(p))))
	}

	h.Checksum = Checksum(buf)
	le.PutUint32(buf[12:], h.Checksum)
	return buf, nil
}

// Build encodes h followed by body and pads the result with zeroes up to the
// image's total length. A zero TotalLength is set to the header plus body size
// rounded up to 4 bytes.
func Build(h *Header, body []byte) ([]byte, error) {
	n, err := encodedLength(h)
	if err != nil {
		return nil, err
	}

	minTotal := uint32(n) + uint32(len(body))
	if h.TotalLength == 0 {
		h.TotalLength = mem.Align4(minTotal)
	}
	if h.TotalLength < minTotal {
		return nil, sizeError("total length %d is smaller than header and body (%d bytes)", h.TotalLength, minTotal)
	}

	hdr, err := Encode(h)
	if err != nil {
		return nil, err
	}

	img := make([]byte, h.TotalLength)
	copy(img, hdr)
	copy(img[len(hdr):], body)
	return img, nil
}

// NewPadding returns a header-only padding image that spans totalLength bytes.
func NewPadding(totalLength uint32) *Header {
	return &Header{
		Version:     Version,
		TotalLength: totalLength,
	}
}
