// Package loader turns the images stored in flash into process records. It
// walks the flash region, checks each image against the running kernel,
// reserves RAM for it and adds it to the process table.
//
// A failing image never prevents the remaining images from loading: Load
// collects one *Error per rejected image and returns them combined.
package loader

import (
	"errors"
	"fmt"
	"io"

	"gophertock/kernel"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/mem"
	"gophertock/kernel/mem/placement"
	"gophertock/kernel/proc"
	"gophertock/tbf"

	"github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrNoSlots is returned when the process table is full.
	ErrNoSlots = &kernel.Error{Module: "loader", Message: "no free process slot"}

	// ErrIncompatibleKernel is returned for images that require a kernel
	// version this kernel does not satisfy or that do not declare one.
	ErrIncompatibleKernel = &kernel.Error{Module: "loader", Message: "image is incompatible with the kernel version"}

	// ErrFixedAddress is returned for images linked for a flash or RAM
	// address they cannot be given.
	ErrFixedAddress = &kernel.Error{Module: "loader", Message: "image cannot be loaded at its fixed address"}
)

// Error describes why the image at Offset was not loaded.
type Error struct {
	Offset uintptr
	Name   string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("loader: image at 0x%08x: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("loader: image %q at 0x%08x: %v", e.Name, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds the loader parameters.
type Config struct {
	// Flash is the region images are stored in.
	Flash mem.Range

	// EraseGranularity is passed to the image walker.
	EraseGranularity uintptr

	// KernelVersion is checked against the version each image requires.
	KernelVersion *semver.Version

	// KernelMemory is added to each image's minimum RAM size.
	KernelMemory uintptr

	// UpcallQueueDepth is the depth of each record's upcall queue.
	UpcallQueueDepth int
}

// Image is a successfully loaded image.
type Image struct {
	Entry  tbf.Entry
	Record *proc.Record
}

// Loader creates process records for the images in flash. Images are loaded
// once; later calls to Load only consider images written since.
type Loader struct {
	cfg     Config
	storage io.ReaderAt
	ram     *placement.Engine
	table   *proc.Table

	// seen holds the flash offsets of images that were loaded or
	// deliberately skipped.
	seen mapset.Set[uintptr]
}

// New returns a loader that reads images from storage, places RAM with ram
// and adds records to table.
func New(cfg Config, storage io.ReaderAt, ram *placement.Engine, table *proc.Table) *Loader {
	return &Loader{
		cfg:     cfg,
		storage: storage,
		ram:     ram,
		table:   table,
		seen:    mapset.NewThreadUnsafeSet[uintptr](),
	}
}

// Load walks flash and loads every image not loaded before. It returns the
// newly loaded images together with the combined errors of the rejected
// ones and of the walk itself.
func (l *Loader) Load() ([]Image, error) {
	var (
		loaded []Image
		errs   error
		log    = kfmt.Logger("loader")
	)

	walkErr := tbf.VisitImages(l.storage, l.cfg.Flash, func(e tbf.Entry) bool {
		if e.Header.IsPadding() || l.seen.Contains(e.Offset) {
			return true
		}

		if !e.Header.Enabled() {
			log.Info("skipping disabled image", zap.Uintptr("offset", e.Offset), zap.String("name", imageName(e)))
			l.seen.Add(e.Offset)
			return true
		}

		img, err := l.load(e)
		if err != nil {
			log.Warn("image rejected", zap.Error(err))
			errs = multierr.Append(errs, err)
			return true
		}

		l.seen.Add(e.Offset)
		loaded = append(loaded, img)
		log.Info("loaded image",
			zap.String("name", img.Record.Name),
			zap.Stringer("id", img.Record.ID),
			zap.Stringer("flash", img.Record.Code),
			zap.Stringer("ram", img.Record.Memory),
		)
		return true
	}, tbf.WithEraseGranularity(l.cfg.EraseGranularity))

	return loaded, multierr.Append(errs, walkErr)
}

// Forget drops the record of the image at offset so that a new image written
// there is loaded by the next call to Load.
func (l *Loader) Forget(offset uintptr) {
	l.seen.Remove(offset)
}

// Loaded reports whether the image at offset was loaded or skipped.
func (l *Loader) Loaded(offset uintptr) bool {
	return l.seen.Contains(offset)
}

func (l *Loader) load(e tbf.Entry) (Image, error) {
	name := imageName(e)
	fail := func(err error) (Image, error) {
		return Image{}, &Error{Offset: e.Offset, Name: name, Err: err}
	}

	if err := l.checkKernelVersion(e.Header); err != nil {
		return fail(err)
	}

	if addr, ok := e.Header.FixedFlashAddress(); ok {
		if want := uint32(e.Offset) + e.Header.ProtectedSize(); addr != want {
			return fail(fmt.Errorf("%w: linked for flash 0x%08x, stored at 0x%08x", ErrFixedAddress, addr, want))
		}
	}

	ram, err := l.placeMemory(e.Header)
	if err != nil {
		return fail(err)
	}

	rec := proc.NewRecord(name, e.Range(), ram, e.Header, l.cfg.UpcallQueueDepth)
	if _, err := l.table.Add(rec); err != nil {
		l.ram.Release(ram)
		if errors.Is(err, proc.ErrNoFreeSlot) {
			err = ErrNoSlots
		}
		return fail(err)
	}

	return Image{Entry: e, Record: rec}, nil
}

func (l *Loader) checkKernelVersion(h *tbf.Header) error {
	required, ok := h.KernelVersion()
	if !ok {
		return fmt.Errorf("%w: no kernel version declared", ErrIncompatibleKernel)
	}
	if l.cfg.KernelVersion == nil {
		return nil
	}

	// An image built for kernel major.minor runs on any later minor
	// release of the same major version.
	c, err := semver.NewConstraint(fmt.Sprintf("^%d.%d", required.Major(), required.Minor()))
	if err != nil {
		return err
	}
	if !c.Check(l.cfg.KernelVersion) {
		return fmt.Errorf("%w: requires %s, kernel is %s", ErrIncompatibleKernel, required, l.cfg.KernelVersion)
	}
	return nil
}

func (l *Loader) placeMemory(h *tbf.Header) (mem.Range, error) {
	size := uintptr(h.MinimumMemorySize()) + l.cfg.KernelMemory
	if size == 0 {
		size = 1
	}

	if addr, ok := h.FixedMemoryAddress(); ok {
		r := mem.Range{Start: uintptr(addr), Length: size}
		if err := l.ram.Reserve(r); err != nil {
			return mem.Range{}, fmt.Errorf("%w: ram %s: %v", ErrFixedAddress, r, err)
		}
		return r, nil
	}

	return l.ram.Place(size)
}

func imageName(e tbf.Entry) string {
	if name, ok := e.Header.PackageName(); ok && name != "" {
		return name
	}
	return fmt.Sprintf("app@0x%08x", e.Offset)
}
