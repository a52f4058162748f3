package tbf

import (
	"errors"
	"io"

	"gophertock/kernel/kfmt"
	"gophertock/kernel/mem"

	"go.uber.org/zap"
)

// Entry is an image found by the walker.
type Entry struct {
	// Offset is the storage address of the image header.
	Offset uintptr

	Header *Header
}

// Range returns the storage range occupied by the image.
func (e Entry) Range() mem.Range {
	return mem.Range{Start: e.Offset, Length: uintptr(e.Header.TotalLength)}
}

// WalkOption configures a Walker.
type WalkOption func(*Walker)

// WithEraseGranularity rounds the advance between images up to a multiple of
// g, which must be a power of two.
func WithEraseGranularity(g uintptr) WalkOption {
	return func(w *Walker) {
		if mem.IsPowerOfTwo(g) {
			w.granularity = g
		}
	}
}

// Walker iterates over the images stored back to back in a region. Each image
// header is decoded only when Next is called. The walk ends at the first
// header with an unsupported version (erased storage) or when the region is
// exhausted; any other decode error also ends the walk and is reported by Err.
//
//	w := tbf.NewWalker(flash, region)
//	for w.Next() {
//		entry := w.Entry()
//		...
//	}
//	if err := w.Err(); err != nil {
//		...
//	}
type Walker struct {
	r           io.ReaderAt
	region      mem.Range
	granularity uintptr

	cur   uintptr
	entry Entry
	err   error
	done  bool
}

// NewWalker returns a walker over the images stored in region. Reads are
// issued against r using storage addresses as offsets.
func NewWalker(r io.ReaderAt, region mem.Range, opts ...WalkOption) *Walker {
	w := &Walker{
		r:           r,
		region:      region,
		granularity: 1,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.Rescan()
	return w
}

// Rescan resets the walker to the start of the region so that images written
// since the last walk are picked up.
func (w *Walker) Rescan() {
	w.cur = w.region.Start
	w.entry = Entry{}
	w.err = nil
	w.done = false
}

// Next decodes the next image. It returns false once the walk has ended.
func (w *Walker) Next() bool {
	if w.done {
		return false
	}

	if w.cur >= w.region.End() || w.region.End()-w.cur < BaseSize {
		return w.stop(nil)
	}
	avail := w.region.End() - w.cur

	base := make([]byte, BaseSize)
	if _, err := w.r.ReadAt(base, int64(w.cur)); err != nil {
		return w.stop(err)
	}

	hdr := base
	if hl := uintptr(le.Uint16(base[2:])); le.Uint16(base) == Version && hl > BaseSize && hl <= avail {
		hdr = make([]byte, hl)
		if _, err := w.r.ReadAt(hdr, int64(w.cur)); err != nil {
			return w.stop(err)
		}
	}

	h, err := decode(hdr, uint64(avail))
	if err != nil {
		var tbfErr *Error
		if errors.As(err, &tbfErr) {
			tbfErr.Offset = w.cur
			if tbfErr.Kind == ErrBadVersion {
				return w.stop(nil)
			}
		}
		return w.stop(err)
	}

	w.entry = Entry{Offset: w.cur, Header: h}

	next, ok := mem.AlignUp(w.cur+uintptr(h.TotalLength), w.granularity)
	if !ok {
		next = w.region.End()
	}
	w.cur = next
	return true
}

// stop ends the walk. A non-nil err is logged once and reported by Err.
func (w *Walker) stop(err error) bool {
	w.done = true
	w.entry = Entry{}
	w.err = err

	if err != nil {
		kfmt.Logger("tbf").Warn("image walk stopped",
			zap.Uintptr("offset", w.cur),
			zap.Stringer("region", w.region),
			zap.Error(err),
		)
	}
	return false
}

// Entry returns the image decoded by the last successful call to Next.
func (w *Walker) Entry() Entry {
	return w.entry
}

// Err returns the error that ended the walk, if any. Reaching erased storage
// or the end of the region is not an error.
func (w *Walker) Err() error {
	return w.err
}

// ImageVisitor is invoked by VisitImages for each image. It must return true to
// continue or false to abort the walk.
type ImageVisitor func(Entry) bool

// VisitImages invokes visitor for each image stored in region and returns the
// error that ended the walk, if any.
func VisitImages(r io.ReaderAt, region mem.Range, visitor ImageVisitor, opts ...WalkOption) error {
	w := NewWalker(r, region, opts...)
	for w.Next() {
		if !visitor(w.Entry()) {
			return nil
		}
	}
	return w.Err()
}

// Walk returns all images stored in region. Images found before a decode
// error are returned together with the error.
func Walk(r io.ReaderAt, region mem.Range, opts ...WalkOption) ([]Entry, error) {
	var entries []Entry
	err := VisitImages(r, region, func(e Entry) bool {
		entries = append(entries, e)
		return true
	}, opts...)
	return entries, err
}
