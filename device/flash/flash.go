// Package flash implements the application flash storage driver. The flash
// region is backed by a file on an afero filesystem; addresses passed to the
// driver are storage addresses within the configured region, not file
// offsets.
package flash

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"gophertock/device"
	"gophertock/kernel"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/mem"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Erased is the value of an erased flash byte.
const Erased byte = 0xFF

var (
	errNotOpen        = &kernel.Error{Module: "flash", Message: "storage is not open"}
	errBusy           = &kernel.Error{Module: "flash", Message: "a write is already in progress"}
	errOutOfRange     = &kernel.Error{Module: "flash", Message: "access outside the flash region"}
	errEraseAlignment = &kernel.Error{Module: "flash", Message: "erase range is not aligned to the erase granularity"}
)

var _ device.Driver = (*Storage)(nil)

// Storage is the flash driver. ReadAt may be called from any goroutine;
// writes and erases are serialized.
type Storage struct {
	fs          afero.Fs
	path        string
	region      mem.Range
	granularity uintptr

	mu      sync.RWMutex
	file    afero.File
	writing bool
}

// New returns a driver for the flash region backed by the file at path. The
// file is opened by DriverInit.
func New(fs afero.Fs, path string, region mem.Range, granularity uintptr) *Storage {
	if granularity == 0 {
		granularity = 1
	}
	return &Storage{
		fs:          fs,
		path:        path,
		region:      region,
		granularity: granularity,
	}
}

// Probe returns a device.ProbeFn for the given flash configuration.
func Probe(fs afero.Fs, path string, region mem.Range, granularity uintptr) device.ProbeFn {
	return func() device.Driver {
		return New(fs, path, region, granularity)
	}
}

// Open is a convenience wrapper around New and DriverInit.
func Open(fs afero.Fs, path string, region mem.Range, granularity uintptr) (*Storage, error) {
	s := New(fs, path, region, granularity)
	if err := s.DriverInit(io.Discard); err != nil {
		return nil, err
	}
	return s, nil
}

// DriverName implements device.Driver.
func (s *Storage) DriverName() string {
	return "flash"
}

// DriverVersion implements device.Driver.
func (s *Storage) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver. It opens the backing file, creating
// it if needed, and extends it with erased bytes to cover the whole region.
func (s *Storage) DriverInit(w io.Writer) *kernel.Error {
	f, err := s.fs.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &kernel.Error{Module: "flash", Message: err.Error()}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &kernel.Error{Module: "flash", Message: err.Error()}
	}

	if size := info.Size(); size < int64(s.region.Length) {
		fill := bytes.Repeat([]byte{Erased}, int(int64(s.region.Length)-size))
		if _, err := f.WriteAt(fill, size); err != nil {
			_ = f.Close()
			return &kernel.Error{Module: "flash", Message: err.Error()}
		}
	}

	s.mu.Lock()
	s.file = f
	s.mu.Unlock()

	fmt.Fprintf(w, "flash: %s backed by %s (%s, erase granularity %d)\n", s.region, s.path, s.region.Size(), s.granularity)
	return nil
}

// Close releases the backing file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the path of the backing file.
func (s *Storage) Path() string {
	return s.path
}

// Region returns the flash region.
func (s *Storage) Region() mem.Range {
	return s.region
}

// EraseGranularity returns the size of the smallest erasable unit.
func (s *Storage) EraseGranularity() uintptr {
	return s.granularity
}

// fileOffset translates a storage range to a file offset.
func (s *Storage) fileOffset(addr uintptr, length int) (int64, error) {
	r := mem.Range{Start: addr, Length: uintptr(length)}
	if addr < s.region.Start || (length > 0 && !s.region.Contains(r)) {
		return 0, errOutOfRange
	}
	return int64(addr - s.region.Start), nil
}

// ReadAt implements io.ReaderAt using storage addresses as offsets. Reads
// that extend past the region end return the bytes up to the end and io.EOF.
func (s *Storage) ReadAt(p []byte, addr int64) (int, error) {
	if addr < 0 || uintptr(addr) < s.region.Start || uintptr(addr) >= s.region.End() {
		return 0, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return 0, errNotOpen
	}

	limit := s.region.End() - uintptr(addr)
	short := uintptr(len(p)) > limit
	if short {
		p = p[:limit]
	}

	n, err := s.file.ReadAt(p, addr-int64(s.region.Start))
	if err == nil && short {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes p at the storage address addr. Flash cannot be partially
// programmed, so the whole write must fit the region.
func (s *Storage) WriteAt(p []byte, addr int64) (int, error) {
	if addr < 0 {
		return 0, errOutOfRange
	}
	off, err := s.fileOffset(uintptr(addr), len(p))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errNotOpen
	}
	return s.file.WriteAt(p, off)
}

// Erase resets r to erased bytes. r must be aligned to the erase
// granularity.
func (s *Storage) Erase(r mem.Range) error {
	if r.Start%s.granularity != 0 || r.Length%s.granularity != 0 {
		return errEraseAlignment
	}
	if _, err := s.WriteAt(bytes.Repeat([]byte{Erased}, int(r.Length)), int64(r.Start)); err != nil {
		return err
	}

	kfmt.Logger("flash").Debug("erased", zap.Stringer("range", r))
	return nil
}

// Buffer is a write buffer whose ownership moves between the caller and the
// driver. Write consumes the buffer and hands it back once the data has been
// programmed, so a caller cannot modify the data while it is being written.
// A Buffer must not be copied and used after it was passed to Write.
type Buffer struct {
	data []byte
}

// NewBuffer wraps b. The caller must not use b directly afterwards.
func NewBuffer(b []byte) Buffer {
	return Buffer{data: b}
}

// Bytes returns the buffer contents.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer length.
func (b Buffer) Len() int {
	return len(b.data)
}

// Write programs buf at addr and returns the buffer. On error the buffer is
// still returned so the caller can retry or reuse it. Only one write may be in
// flight at a time.
func (s *Storage) Write(buf Buffer, addr uintptr) (Buffer, error) {
	s.mu.Lock()
	if s.writing {
		s.mu.Unlock()
		return buf, errBusy
	}
	s.writing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.writing = false
		s.mu.Unlock()
	}()

	if _, err := s.WriteAt(buf.data, int64(addr)); err != nil {
		return buf, err
	}

	kfmt.Logger("flash").Debug("programmed",
		zap.Stringer("range", mem.Range{Start: addr, Length: uintptr(len(buf.data))}),
	)
	return buf, nil
}
