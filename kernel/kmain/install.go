package kmain

import (
	"context"
	"errors"

	"gophertock/device/flash"
	"gophertock/kernel"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/loader"
	"gophertock/kernel/mem"
	"gophertock/kernel/mem/placement"
	"gophertock/kernel/proc"
	"gophertock/tbf"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	errPaddingImage = &kernel.Error{Module: "kmain", Message: "padding images cannot be installed"}
	errGapTooSmall  = &kernel.Error{Module: "kmain", Message: "gap next to the new image is too small for a padding image"}
	errNotLoaded    = &kernel.Error{Module: "kmain", Message: "installed image was not loaded"}
)

// Install writes image to the lowest free flash address that suits it, fills
// the gaps around it with padding images so that the image list stays
// contiguous and loads it. It returns the identity of the new process.
func (k *Kernel) Install(ctx context.Context, image []byte) (proc.Identity, error) {
	if err := ctx.Err(); err != nil {
		return proc.Identity{}, err
	}

	hdr, err := tbf.Decode(image)
	if err != nil {
		return proc.Identity{}, err
	}
	if hdr.IsPadding() {
		return proc.Identity{}, errPaddingImage
	}

	var (
		region = k.storage.Region()
		g      = k.storage.EraseGranularity()
		total  = uintptr(hdr.TotalLength)
	)

	eng := placement.NewEngine("flash", region)
	entries, err := tbf.Walk(k.storage, region, tbf.WithEraseGranularity(g))
	if err != nil {
		return proc.Identity{}, err
	}
	for _, e := range entries {
		if e.Header.IsPadding() {
			continue
		}
		if err := eng.Reserve(e.Range()); err != nil {
			return proc.Identity{}, err
		}
	}

	size := total
	if size < g {
		size = g
	}
	placed, err := eng.Place(size)
	if err != nil {
		return proc.Identity{}, err
	}

	written := mem.Range{Start: placed.Start, Length: total}
	pads, err := paddingRanges(written, g, eng.Occupied(), region)
	if err != nil {
		return proc.Identity{}, err
	}

	if eraseLen, ok := mem.AlignUp(total, g); ok {
		if err := k.storage.Erase(mem.Range{Start: placed.Start, Length: eraseLen}); err != nil {
			return proc.Identity{}, err
		}
	}

	if _, err := k.storage.Write(flash.NewBuffer(image[:total]), placed.Start); err != nil {
		return proc.Identity{}, err
	}
	for _, pad := range pads {
		b, err := tbf.Encode(tbf.NewPadding(uint32(pad.Length)))
		if err != nil {
			return proc.Identity{}, err
		}
		if _, err := k.storage.WriteAt(b, int64(pad.Start)); err != nil {
			return proc.Identity{}, err
		}
	}

	kfmt.Logger("kmain").Info("image installed",
		zap.Stringer("flash", written),
		zap.Int("padding_images", len(pads)),
	)

	images, loadErr := k.Rescan()
	for _, img := range images {
		if img.Entry.Offset == placed.Start {
			return img.Record.ID, nil
		}
	}
	for _, err := range multierr.Errors(loadErr) {
		var le *loader.Error
		if errors.As(err, &le) && le.Offset == placed.Start {
			return proc.Identity{}, err
		}
	}
	return proc.Identity{}, errNotLoaded
}

// paddingRanges returns the padding images needed before and after image. The
// slot reserved for image overlaps it and is ignored by PlanPadding.
func paddingRanges(image mem.Range, granularity uintptr, occupied []mem.Range, region mem.Range) ([]mem.Range, error) {
	p := placement.PlanPadding(image, occupied, region)

	var pads []mem.Range
	add := func(start, end uintptr) error {
		start, ok := mem.AlignUp(start, granularity)
		if !ok || start >= end {
			return nil
		}
		if end-start < tbf.BaseSize {
			return errGapTooSmall
		}
		pads = append(pads, mem.RangeFromBounds(start, end))
		return nil
	}

	if !p.Before.Empty() {
		if err := add(p.Before.Start, p.Before.End()); err != nil {
			return nil, err
		}
	}
	if !p.After.Empty() {
		if err := add(p.After.Start, p.After.End()); err != nil {
			return nil, err
		}
	}
	return pads, nil
}
