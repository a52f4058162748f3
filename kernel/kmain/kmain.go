// Package kmain wires the kernel together: it loads the images stored in
// flash into the process table and runs the main loop that alternates between
// deferred kernel work and the processes selected by the scheduler.
//
// The process table, the RAM placement engine and the scheduler ring are owned
// by the goroutine that calls Step or Run. The administrative methods must be
// called from that goroutine or serialized with it by the caller. Only
// Interrupt, RequestRescan and Snapshot may be called concurrently.
package kmain

import (
	"context"
	"io"
	"sync"

	"gophertock/device/flash"
	"gophertock/kernel"
	"gophertock/kernel/config"
	"gophertock/kernel/deferred"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/loader"
	"gophertock/kernel/mem"
	"gophertock/kernel/mem/placement"
	"gophertock/kernel/metrics"
	"gophertock/kernel/proc"
	"gophertock/kernel/sched"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errForcedPanic = &kernel.Error{Module: "kmain", Message: "kernel panic requested by administrator"}
)

// Storage is the flash device the kernel loads images from.
type Storage interface {
	io.ReaderAt
	io.WriterAt

	// Write programs buf at addr and hands the buffer back.
	Write(buf flash.Buffer, addr uintptr) (flash.Buffer, error)

	// Erase resets r to the erased state.
	Erase(r mem.Range) error

	// Region returns the flash region holding the images.
	Region() mem.Range

	// EraseGranularity returns the size of the smallest erasable unit.
	EraseGranularity() uintptr
}

// Option customizes a Kernel.
type Option func(*Kernel)

// WithScheduler replaces the scheduler selected by the configuration. The
// factory receives the process table the scheduler must consult.
func WithScheduler(factory func(sched.ProcessSource) sched.Scheduler) Option {
	return func(k *Kernel) {
		k.sched = factory(k.table)
	}
}

// WithFaultPolicy replaces the fault policy selected by the configuration.
func WithFaultPolicy(p proc.FaultPolicy) Option {
	return func(k *Kernel) {
		k.faultPolicy = p
	}
}

// Kernel is the process manager.
type Kernel struct {
	bootID uuid.UUID
	cfg    config.Config

	storage Storage
	exec    Executor

	table       *proc.Table
	ram         *placement.Engine
	loader      *loader.Loader
	sched       sched.Scheduler
	faultPolicy proc.FaultPolicy

	deferred     *deferred.Queue
	rescanHandle deferred.Handle

	// wake is signalled when deferred work is requested from another
	// goroutine while the main loop is idle.
	wake chan struct{}

	snapMu   sync.Mutex
	snapshot metrics.Snapshot
}

// New builds a kernel for cfg that loads images from storage and runs them
// with exec. cfg is validated first, so hand-built configurations get the
// same checks as loaded ones.
func New(cfg config.Config, storage Storage, exec Executor, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kernelVersion, err := cfg.KernelVersion()
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		bootID:   uuid.New(),
		cfg:      cfg,
		storage:  storage,
		exec:     exec,
		table:    proc.NewTable(cfg.Kernel.Slots),
		ram:      placement.NewEngine("ram", cfg.MemoryRegion()),
		deferred: deferred.NewQueue(),
		wake:     make(chan struct{}, 1),
	}

	if k.sched, err = sched.New(cfg.Kernel.Scheduler, k.table, cfg.Kernel.Timeslice); err != nil {
		return nil, err
	}
	if k.faultPolicy, err = proc.NewFaultPolicy(cfg.Kernel.FaultPolicy, cfg.Kernel.RestartThreshold); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(k)
	}

	k.loader = loader.New(loader.Config{
		Flash:            storage.Region(),
		EraseGranularity: storage.EraseGranularity(),
		KernelVersion:    kernelVersion,
		KernelMemory:     uintptr(cfg.Kernel.ProcessKernelMemory),
		UpcallQueueDepth: cfg.Kernel.UpcallQueueDepth,
	}, storage, k.ram, k.table)

	k.rescanHandle, err = k.deferred.Register("rescan", deferred.HandlerFunc(func() {
		if _, err := k.Rescan(); err != nil {
			kfmt.Logger("kmain").Warn("rescan found invalid images", zap.Error(err))
		}
	}))
	if err != nil {
		return nil, err
	}

	k.publish()
	return k, nil
}

// BootID identifies this kernel instance in logs and metrics.
func (k *Kernel) BootID() uuid.UUID {
	return k.bootID
}

// Boot loads every image stored in flash. Images that cannot be loaded are
// reported in the returned error; the others are loaded regardless.
func (k *Kernel) Boot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := kfmt.Logger("kmain")
	log.Info("booting",
		zap.Stringer("boot_id", k.bootID),
		zap.Stringer("flash", k.storage.Region()),
		zap.Stringer("ram", k.ram.Region()),
		zap.String("scheduler", k.cfg.Kernel.Scheduler),
	)

	images, err := k.Rescan()
	log.Info("boot complete", zap.Int("loaded", len(images)), zap.Int("processes", k.table.Len()))
	return err
}

// Rescan loads images written to flash since the last scan and hands them to
// the scheduler.
func (k *Kernel) Rescan() ([]loader.Image, error) {
	images, err := k.loader.Load()
	for _, img := range images {
		k.sched.Register(img.Record.ID.Slot, img.Record.Code.Start)
	}
	k.publish()
	return images, err
}

// RegisterDeferred adds a deferred call handler. It must be called before the
// main loop starts.
func (k *Kernel) RegisterDeferred(name string, h deferred.Handler) (deferred.Handle, error) {
	return k.deferred.Register(name, h)
}

// Interrupt schedules the deferred call h and wakes the main loop. It may be
// called from any goroutine.
func (k *Kernel) Interrupt(h deferred.Handle) {
	k.deferred.Set(h)
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// RequestRescan schedules a rescan of flash. It may be called from any
// goroutine, e.g. by a flash.Watcher.
func (k *Kernel) RequestRescan() {
	k.Interrupt(k.rescanHandle)
}

// Step runs one iteration of the main loop: either a batch of deferred calls
// or one process run. It returns false if there was nothing to do.
func (k *Kernel) Step(ctx context.Context) bool {
	defer k.publish()

	if k.sched.DoKernelWorkNow(k.deferred) {
		k.deferred.ServiceAll(k.cfg.Kernel.DeferredCallBudget)
		return true
	}

	d := k.sched.Next()
	if d.Kind == sched.Idle {
		return false
	}

	rec, err := k.table.Get(d.ID)
	if err != nil {
		kfmt.Logger("kmain").Warn("scheduler selected a stale process", zap.Stringer("id", d.ID))
		return true
	}

	if rec.State == proc.Unstarted {
		if err := rec.Start(); err != nil {
			panicFn(err, k.table)
			return true
		}
	}

	res := k.exec.Execute(ctx, rec, d.Timeslice, func() bool {
		return k.sched.ContinueProcess(d.ID, k.deferred)
	})
	k.applyResult(rec, res)
	return true
}

// Run drives the main loop until ctx is done. When no process is runnable it
// sleeps until deferred work is requested.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if k.Step(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-k.wake:
		}
	}
}

func (k *Kernel) applyResult(rec *proc.Record, res RunResult) {
	rec.RecordSyscalls(res.Syscalls)

	var err error
	switch res.Reason {
	case sched.Yielded:
		err = rec.Yield()
	case sched.TimesliceExpired:
		rec.RecordTimesliceExpired()
	case sched.Faulted:
		if err = rec.Fault(); err == nil {
			k.handleFault(rec)
		}
	case sched.Terminated:
		err = rec.Terminate()
	}

	if err != nil {
		kfmt.Logger("kmain").Warn("cannot apply run result",
			zap.Stringer("id", rec.ID),
			zap.Stringer("reason", res.Reason),
			zap.Error(err),
		)
	}

	k.sched.Result(res.Reason, res.Elapsed, res.Measured)
}

// handleFault applies the fault policy to a record that just moved to
// Faulted.
func (k *Kernel) handleFault(rec *proc.Record) {
	log := kfmt.Logger("kmain")

	action := k.faultPolicy.Action(rec)
	log.Warn("process faulted",
		zap.String("name", rec.Name),
		zap.Stringer("id", rec.ID),
		zap.Uint64("restarts", rec.RestartCount),
		zap.Stringer("action", action),
	)

	switch action {
	case proc.FaultRestart:
		id, err := k.table.Restart(rec.ID)
		if err != nil {
			panicFn(err, k.table)
			return
		}
		log.Info("process restarted", zap.String("name", rec.Name), zap.Stringer("id", id))
	case proc.FaultPanic:
		panicFn(&kernel.Error{Module: "kmain", Message: "process " + rec.Name + " faulted"}, rec, k.table, k.ram)
	}
}

// publish stores a snapshot for concurrent readers.
func (k *Kernel) publish() {
	snap := metrics.Snapshot{
		BootID:    k.bootID.String(),
		Processes: k.List(),
		Scheduler: k.sched.Stats(),
	}

	k.snapMu.Lock()
	k.snapshot = snap
	k.snapMu.Unlock()
}

// Snapshot implements metrics.Source. It may be called from any goroutine.
func (k *Kernel) Snapshot() metrics.Snapshot {
	k.snapMu.Lock()
	defer k.snapMu.Unlock()
	return k.snapshot
}
