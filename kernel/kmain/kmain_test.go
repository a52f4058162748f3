package kmain

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"gophertock/device/flash"
	"gophertock/kernel"
	"gophertock/kernel/config"
	"gophertock/kernel/deferred"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/loader"
	"gophertock/kernel/mem"
	"gophertock/kernel/mem/placement"
	"gophertock/kernel/proc"
	"gophertock/kernel/sched"
	"gophertock/tbf"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Flash.Start = 0x40000
	cfg.Flash.Size = 0x4000
	cfg.Memory.Start = 0x20000000
	cfg.Memory.Size = 0x10000
	cfg.Kernel.Slots = 4
	cfg.Kernel.ProcessKernelMemory = 0
	return cfg
}

func app(name string, total uint32) *tbf.Header {
	return &tbf.Header{
		TotalLength: total,
		Flags:       tbf.FlagEnabled,
		Extensions: []tbf.Extension{
			tbf.Main{MinimumMemorySize: 0x400},
			tbf.PackageName(name),
			tbf.KernelVersion{Major: 2, Minor: 0},
		},
	}
}

func build(t *testing.T, h *tbf.Header) []byte {
	t.Helper()
	img, err := tbf.Build(h, nil)
	require.NoError(t, err)
	return img
}

type images map[uintptr]*tbf.Header

func newTestKernel(t *testing.T, cfg config.Config, imgs images, opts ...Option) (*Kernel, *flash.Storage) {
	t.Helper()

	s, err := flash.Open(afero.NewMemMapFs(), "/flash.bin", cfg.FlashRegion(), uintptr(cfg.Flash.EraseGranularity))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for addr, h := range imgs {
		_, err := s.WriteAt(build(t, h), int64(addr))
		require.NoError(t, err)
	}

	k, err := New(cfg, s, &SimulatedExecutor{}, opts...)
	require.NoError(t, err)
	return k, s
}

func mockPanic(t *testing.T) *interface{} {
	var got interface{}
	orig := panicFn
	panicFn = func(e interface{}, _ ...kfmt.StateDumper) { got = e }
	t.Cleanup(func() { panicFn = orig })
	return &got
}

func state(t *testing.T, k *Kernel, name string) *proc.Record {
	t.Helper()
	id, ok := k.Find(name)
	require.True(t, ok, "process %q not found", name)
	rec, err := k.Process(id)
	require.NoError(t, err)
	return rec
}

func TestNew(t *testing.T) {
	s, err := flash.Open(afero.NewMemMapFs(), "/flash.bin", testConfig().FlashRegion(), 1)
	require.NoError(t, err)
	defer s.Close()

	specs := []func(*config.Config){
		func(c *config.Config) { c.Kernel.Version = "two" },
		func(c *config.Config) { c.Kernel.Scheduler = "lottery" },
		func(c *config.Config) { c.Kernel.FaultPolicy = "ignore" },
		func(c *config.Config) { c.Kernel.DeferredCallBudget = 0 },
		func(c *config.Config) { c.Kernel.Slots = 0 },
	}
	for specIndex, mod := range specs {
		cfg := testConfig()
		mod(&cfg)
		_, err := New(cfg, s, &SimulatedExecutor{})
		assert.Error(t, err, "spec %d", specIndex)
	}

	k, err := New(testConfig(), s, &SimulatedExecutor{}, WithScheduler(func(src sched.ProcessSource) sched.Scheduler {
		return sched.NewCooperative(src)
	}))
	require.NoError(t, err)
	assert.IsType(t, &sched.Cooperative{}, k.sched)
	assert.Equal(t, k.BootID().String(), k.Snapshot().BootID)
}

func TestBootAndStep(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(), images{
		0x40000: app("blink", 0x400),
		0x40400: app("busy", 0x400),
	})

	require.NoError(t, k.Boot(context.Background()))

	infos := k.List()
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, proc.Unstarted, info.State)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, k.Step(ctx))
	}

	blink, busy := state(t, k, "blink"), state(t, k, "busy")
	assert.Equal(t, proc.Yielded, blink.State)
	assert.Equal(t, uint64(1), blink.SyscallCount)
	assert.Equal(t, proc.Running, busy.State)
	assert.Equal(t, uint64(2), busy.TimesliceExpirations)

	// An upcall makes blink runnable again; it consumes the upcall and
	// yields.
	require.NoError(t, k.Upcall(blink.ID, proc.Upcall{Driver: 1}))
	assert.Equal(t, proc.Running, blink.State)
	require.True(t, k.Step(ctx))
	assert.Equal(t, proc.Yielded, blink.State)
	assert.Equal(t, uint64(3), blink.SyscallCount)
	assert.Zero(t, blink.PendingUpcalls())

	stats := k.Snapshot().Scheduler
	assert.Equal(t, uint64(4), stats.Decisions)
	assert.Equal(t, uint64(2), stats.StoppedCount(sched.Yielded))
	assert.Equal(t, uint64(2), stats.StoppedCount(sched.TimesliceExpired))
}

func TestBootReportsInvalidImages(t *testing.T) {
	incompatible := app("future", 0x400)
	incompatible.Extensions[2] = tbf.KernelVersion{Major: 3}

	k, _ := newTestKernel(t, testConfig(), images{
		0x40000: incompatible,
		0x40400: app("ok", 0x400),
	})

	err := k.Boot(context.Background())
	assert.ErrorIs(t, err, loader.ErrIncompatibleKernel)
	assert.Len(t, k.List(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, k.Boot(ctx))
}

func TestDeferredWork(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(), nil)

	var calls int
	h, err := k.RegisterDeferred("timer", deferred.HandlerFunc(func() { calls++ }))
	require.NoError(t, err)

	assert.False(t, k.Step(context.Background()), "nothing to do")

	k.Interrupt(h)
	assert.True(t, k.Step(context.Background()))
	assert.Equal(t, 1, calls)
	assert.False(t, k.Step(context.Background()))
}

func TestFaultPolicies(t *testing.T) {
	t.Run("restart", func(t *testing.T) {
		cfg := testConfig()
		cfg.Kernel.FaultPolicy = "restart"
		cfg.Kernel.RestartThreshold = 1

		k, _ := newTestKernel(t, cfg, images{0x40000: app("faulty", 0x400)})
		require.NoError(t, k.Boot(context.Background()))

		ctx := context.Background()
		require.True(t, k.Step(ctx))

		rec := state(t, k, "faulty")
		assert.Equal(t, proc.Unstarted, rec.State, "restarted after the first fault")
		assert.Equal(t, proc.Identity{Slot: 0, Generation: 2}, rec.ID)

		require.True(t, k.Step(ctx))
		assert.Equal(t, proc.Faulted, rec.State, "threshold reached")
		assert.Equal(t, uint64(1), rec.RestartCount)
		assert.False(t, k.Step(ctx))
	})

	t.Run("panic", func(t *testing.T) {
		cfg := testConfig()
		cfg.Kernel.FaultPolicy = "panic"
		got := mockPanic(t)

		k, _ := newTestKernel(t, cfg, images{0x40000: app("faulty", 0x400)})
		require.NoError(t, k.Boot(context.Background()))
		require.True(t, k.Step(context.Background()))

		var kerr *kernel.Error
		require.True(t, errors.As((*got).(error), &kerr))
		assert.Equal(t, "process faulty faulted", kerr.Message)
	})

	t.Run("custom policy", func(t *testing.T) {
		k, _ := newTestKernel(t, testConfig(), images{0x40000: app("faulty", 0x400)},
			WithFaultPolicy(proc.ThresholdRestartFaultPolicy{Threshold: 5}))
		require.NoError(t, k.Boot(context.Background()))

		for i := 0; i < 6; i++ {
			require.True(t, k.Step(context.Background()))
		}
		rec := state(t, k, "faulty")
		assert.Equal(t, proc.Faulted, rec.State)
		assert.Equal(t, uint64(5), rec.RestartCount)
	})
}

func TestAdmin(t *testing.T) {
	k, s := newTestKernel(t, testConfig(), images{
		0x40000: app("a", 0x400),
		0x40400: app("b", 0x400),
	})
	require.NoError(t, k.Boot(context.Background()))

	a, _ := k.Find("a")
	b, _ := k.Find("b")

	err := k.Stop(a)
	assert.True(t, errors.Is(err, proc.ErrInvalidTransition), "unstarted processes cannot be stopped")

	id, err := k.BootProcess(a)
	require.NoError(t, err)
	assert.Equal(t, a, id)
	require.NoError(t, k.Stop(a))
	assert.Equal(t, proc.StoppedRunning, state(t, k, "a").State)
	require.NoError(t, k.Resume(a))
	require.NoError(t, k.Terminate(a))

	newA, err := k.BootProcess(a)
	require.NoError(t, err)
	assert.Equal(t, proc.Identity{Slot: 0, Generation: 3}, newA)
	assert.Equal(t, proc.Unstarted, state(t, k, "a").State)
	assert.Equal(t, proc.ErrStaleIdentity, k.Stop(a))

	assert.Error(t, k.Fault(b), "unstarted processes cannot fault")
	_, err = k.BootProcess(b)
	require.NoError(t, err)
	require.NoError(t, k.Fault(b))
	assert.Equal(t, proc.Faulted, state(t, k, "b").State)

	newB, err := k.Restart(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state(t, k, "b").RestartCount)
	_, err = k.Restart(newB)
	assert.True(t, errors.Is(err, proc.ErrInvalidTransition))

	t.Run("erase", func(t *testing.T) {
		require.NoError(t, k.Erase(newA))
		assert.Len(t, k.List(), 1)
		assert.Equal(t, proc.ErrStaleIdentity, k.Erase(newA))

		entries, err := tbf.Walk(s, s.Region())
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.True(t, entries[0].Header.IsPadding())
		assert.Equal(t, uint32(0x400), entries[0].Header.TotalLength)

		_, err = k.Rescan()
		require.NoError(t, err)
		assert.Len(t, k.List(), 1, "erased image is not reloaded")
	})

	t.Run("upcall", func(t *testing.T) {
		assert.Equal(t, proc.ErrStaleIdentity, k.Upcall(newA, proc.Upcall{}))
		assert.Error(t, k.Upcall(newB, proc.Upcall{}), "unstarted processes reject upcalls")
	})

	t.Run("panic", func(t *testing.T) {
		got := mockPanic(t)
		k.PanicKernel()
		assert.Equal(t, errForcedPanic, *got)
	})
}

func TestEraseKeepsProcessWhenFlashWriteFails(t *testing.T) {
	k, s := newTestKernel(t, testConfig(), images{
		0x40000: app("a", 0x400),
		0x40400: app("b", 0x400),
	})
	require.NoError(t, k.Boot(context.Background()))

	a, _ := k.Find("a")
	_, err := k.BootProcess(a)
	require.NoError(t, err)
	require.NoError(t, k.Terminate(a))
	a, err = k.Restart(a)
	require.NoError(t, err)
	before := state(t, k, "a").Info()
	require.Equal(t, uint64(1), before.RestartCount)

	require.NoError(t, s.Close())
	assert.Error(t, k.Erase(a))

	rec, err := k.Process(a)
	require.NoError(t, err, "process survives a failed erase")
	assert.Equal(t, before, rec.Info())
	assert.Len(t, k.List(), 2)
	assert.True(t, k.loader.Loaded(0x40000))

	require.Nil(t, s.DriverInit(io.Discard))
	_, err = k.Rescan()
	require.NoError(t, err)
	id, _ := k.Find("a")
	assert.Equal(t, a, id, "rescan does not reload the image under a new identity")
	assert.Len(t, k.List(), 2)

	require.NoError(t, k.Erase(a))
	assert.Len(t, k.List(), 1)
	assert.False(t, k.loader.Loaded(0x40000))
}

func TestInstall(t *testing.T) {
	k, s := newTestKernel(t, testConfig(), images{0x40000: app("resident", 0x400)})
	require.NoError(t, k.Boot(context.Background()))
	ctx := context.Background()

	id, err := k.Install(ctx, build(t, app("dyn", 0x800)))
	require.NoError(t, err)
	assert.Equal(t, 1, id.Slot)

	id, err = k.Install(ctx, build(t, app("small", 0x200)))
	require.NoError(t, err)
	assert.Equal(t, 2, id.Slot)

	entries, err := tbf.Walk(s, s.Region())
	require.NoError(t, err)

	type layout struct {
		offset  uintptr
		length  uint32
		padding bool
	}
	var got []layout
	for _, e := range entries {
		got = append(got, layout{e.Offset, e.Header.TotalLength, e.Header.IsPadding()})
	}
	assert.Equal(t, []layout{
		{0x40000, 0x400, false},
		{0x40400, 0x200, false},
		{0x40600, 0x200, true},
		{0x40800, 0x800, false},
	}, got)

	rec := state(t, k, "dyn")
	assert.Equal(t, mem.Range{Start: 0x40800, Length: 0x800}, rec.Code)

	t.Run("padding image", func(t *testing.T) {
		_, err := k.Install(ctx, build(t, tbf.NewPadding(0x100)))
		assert.Equal(t, errPaddingImage, err)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := k.Install(ctx, build(t, app("huge", 0x8000)))
		assert.ErrorIs(t, err, placement.ErrInvalid)
	})

	t.Run("corrupt", func(t *testing.T) {
		img := build(t, app("corrupt", 0x100))
		img[8] ^= 0x2
		_, err := k.Install(ctx, img)
		assert.ErrorIs(t, err, tbf.ErrBadChecksum)
	})

	t.Run("rejected by loader", func(t *testing.T) {
		future := app("future", 0x100)
		future.Extensions[2] = tbf.KernelVersion{Major: 9}
		_, err := k.Install(ctx, build(t, future))
		assert.ErrorIs(t, err, loader.ErrIncompatibleKernel)
	})
}

func TestPaddingRanges(t *testing.T) {
	region := mem.Range{Start: 0x1000, Length: 0x1000}

	pads, err := paddingRanges(mem.Range{Start: 0x1800, Length: 0x100},
		1, []mem.Range{{Start: 0x1000, Length: 0x100}, {Start: 0x1800, Length: 0x200}, {Start: 0x1C00, Length: 0x100}}, region)
	require.NoError(t, err)
	assert.Equal(t, []mem.Range{
		mem.RangeFromBounds(0x1100, 0x1800),
		mem.RangeFromBounds(0x1900, 0x1C00),
	}, pads)

	_, err = paddingRanges(mem.Range{Start: 0x1008, Length: 0x8}, 1, []mem.Range{{Start: 0x1000, Length: 0x4}}, region)
	assert.Equal(t, errGapTooSmall, err)

	// Gaps are aligned to the erase granularity.
	pads, err = paddingRanges(mem.Range{Start: 0x1800, Length: 0x100}, 0x400, []mem.Range{{Start: 0x1000, Length: 0x100}}, region)
	require.NoError(t, err)
	assert.Equal(t, []mem.Range{mem.RangeFromBounds(0x1400, 0x1800)}, pads)
}

func TestRunWakesOnRescan(t *testing.T) {
	defer goleak.VerifyNone(t)

	k, s := newTestKernel(t, testConfig(), nil)
	require.NoError(t, k.Boot(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	_, err := s.WriteAt(build(t, app("late", 0x400)), 0x40000)
	require.NoError(t, err)
	k.RequestRescan()

	require.Eventually(t, func() bool {
		procs := k.Snapshot().Processes
		return len(procs) == 1 && procs[0].State == proc.Yielded
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
