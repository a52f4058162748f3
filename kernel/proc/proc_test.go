package proc

import (
	"bytes"
	"errors"
	"testing"

	"gophertock/kernel/mem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{Unstarted, Running, Yielded, StoppedRunning, StoppedYielded, Faulted, Terminated}

func newTestRecord(state State) *Record {
	r := NewRecord("app", mem.Range{Start: 0x40000, Length: 0x1000}, mem.Range{Start: 0x20000000, Length: 0x2000}, nil, 2)
	r.ID = Identity{Slot: 0, Generation: 1}
	r.State = state
	return r
}

type transition func(r *Record) error

var ops = map[Op]transition{
	OpStart:     (*Record).Start,
	OpYield:     (*Record).Yield,
	OpUpcall:    func(r *Record) error { return r.DeliverUpcall(Upcall{Driver: 1}) },
	OpStop:      (*Record).Stop,
	OpResume:    (*Record).Resume,
	OpFault:     (*Record).Fault,
	OpTerminate: (*Record).Terminate,
	OpRestart:   func(r *Record) error { return r.Restart(Identity{Slot: r.ID.Slot, Generation: r.ID.Generation + 1}) },
}

func TestTransitions(t *testing.T) {
	// Expected target state per (op, from); states missing from a row must
	// be rejected.
	specs := map[Op]map[State]State{
		OpStart: {Unstarted: Running},
		OpYield: {Running: Yielded},
		OpUpcall: {
			Running:        Running,
			Yielded:        Running,
			StoppedRunning: StoppedRunning,
			StoppedYielded: StoppedYielded,
		},
		OpStop:   {Running: StoppedRunning, Yielded: StoppedYielded},
		OpResume: {StoppedRunning: Running, StoppedYielded: Yielded},
		OpFault: {
			Running:        Faulted,
			Yielded:        Faulted,
			StoppedRunning: Faulted,
			StoppedYielded: Faulted,
		},
		OpTerminate: {
			Running:        Terminated,
			Yielded:        Terminated,
			StoppedRunning: Terminated,
			StoppedYielded: Terminated,
			Faulted:        Terminated,
			Terminated:     Terminated,
		},
		OpRestart: {Faulted: Unstarted, Terminated: Unstarted},
	}

	for op, targets := range specs {
		for _, from := range allStates {
			r := newTestRecord(from)
			err := ops[op](r)

			exp, allowed := targets[from]
			if !allowed {
				var tErr *TransitionError
				if assert.True(t, errors.As(err, &tErr), "%s from %s: expected a transition error; got %v", op, from, err) {
					assert.Equal(t, TransitionError{ID: Identity{Generation: 1}, Op: op, From: from}, *tErr)
					assert.True(t, errors.Is(err, ErrInvalidTransition))
				}
				assert.Equal(t, from, r.State, "%s from %s: rejected transitions must not change state", op, from)
				continue
			}

			assert.NoError(t, err, "%s from %s", op, from)
			assert.Equal(t, exp, r.State, "%s from %s", op, from)
		}
	}
}

func TestNoDirectPathBackToRunning(t *testing.T) {
	for _, from := range []State{Terminated, Faulted} {
		for op, fn := range ops {
			if op == OpRestart {
				continue
			}
			r := newTestRecord(from)
			_ = fn(r)
			assert.NotEqual(t, Running, r.State, "%s moved a %s record to Running", op, from)
		}
	}
}

func TestUpcallDelivery(t *testing.T) {
	t.Run("deferred while running", func(t *testing.T) {
		r := newTestRecord(Running)
		require.NoError(t, r.DeliverUpcall(Upcall{Driver: 3, Args: [3]uint32{1, 2, 3}}))
		assert.Equal(t, Running, r.State)
		assert.Equal(t, 1, r.PendingUpcalls())

		// The queued upcall keeps the process running on its next yield.
		require.NoError(t, r.Yield())
		assert.Equal(t, Running, r.State)

		u, ok := r.TakeUpcall()
		require.True(t, ok)
		assert.Equal(t, uint32(3), u.Driver)
		assert.Equal(t, [3]uint32{1, 2, 3}, u.Args)

		require.NoError(t, r.Yield())
		assert.Equal(t, Yielded, r.State)

		_, ok = r.TakeUpcall()
		assert.False(t, ok)
	})

	t.Run("wakes yielded process", func(t *testing.T) {
		r := newTestRecord(Yielded)
		require.NoError(t, r.DeliverUpcall(Upcall{}))
		assert.Equal(t, Running, r.State)
	})

	t.Run("replayed on resume", func(t *testing.T) {
		r := newTestRecord(StoppedYielded)
		require.NoError(t, r.DeliverUpcall(Upcall{}))
		assert.Equal(t, StoppedYielded, r.State)

		require.NoError(t, r.Resume())
		assert.Equal(t, Running, r.State)
	})

	t.Run("queue full", func(t *testing.T) {
		r := newTestRecord(Running)
		require.NoError(t, r.DeliverUpcall(Upcall{}))
		require.NoError(t, r.DeliverUpcall(Upcall{}))
		assert.Equal(t, ErrUpcallQueueFull, r.DeliverUpcall(Upcall{}))
		assert.Equal(t, uint64(1), r.DroppedUpcalls)
		assert.Equal(t, 2, r.PendingUpcalls())
	})

	t.Run("fault drops pending upcalls", func(t *testing.T) {
		r := newTestRecord(Running)
		require.NoError(t, r.DeliverUpcall(Upcall{}))
		require.NoError(t, r.Fault())
		assert.Zero(t, r.PendingUpcalls())
		assert.Equal(t, uint64(1), r.FaultCount)
	})
}

func TestTerminateRunningProcess(t *testing.T) {
	table := NewTable(4)
	r := NewRecord("blink", mem.Range{}, mem.Range{}, nil, 0)
	id, err := table.Add(r)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	r.RestartCount = 3

	require.NoError(t, r.Terminate())

	var infos []Info
	table.Each(func(r *Record) bool {
		infos = append(infos, r.Info())
		return true
	})
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID, "identity is retained until restart or erase")
	assert.Equal(t, Terminated, infos[0].State)
	assert.Equal(t, uint64(3), infos[0].RestartCount)
}

func TestRestartAssignsNewIdentity(t *testing.T) {
	table := NewTable(4)

	// Occupy slot 0 so the record under test lives in slot 1.
	_, err := table.Add(NewRecord("other", mem.Range{}, mem.Range{}, nil, 0))
	require.NoError(t, err)

	r := NewRecord("blink", mem.Range{}, mem.Range{}, nil, 0)
	id, err := table.Add(r)
	require.NoError(t, err)
	assert.Equal(t, 1, id.Slot)

	require.NoError(t, r.Start())
	r.RecordSyscalls(12)
	r.RecordTimesliceExpired()
	before := r.RestartCount
	require.NoError(t, r.Terminate())

	newID, err := table.Restart(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, id.Slot, newID.Slot)
	assert.Greater(t, newID.Generation, id.Generation)
	assert.Equal(t, before+1, r.RestartCount)
	assert.Equal(t, Unstarted, r.State)
	assert.Zero(t, r.SyscallCount)
	assert.Zero(t, r.TimesliceExpirations)

	t.Run("old identity is stale", func(t *testing.T) {
		_, err := table.Get(id)
		assert.Equal(t, ErrStaleIdentity, err)

		got, err := table.Get(newID)
		require.NoError(t, err)
		assert.Equal(t, r, got)
	})

	t.Run("restart of an active record is rejected", func(t *testing.T) {
		require.NoError(t, r.Start())
		gen := table.generation
		_, err := table.Restart(newID)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, gen, table.generation, "a rejected restart must not consume a generation")
	})

	t.Run("record rejects older identity", func(t *testing.T) {
		require.NoError(t, r.Terminate())
		assert.Equal(t, ErrStaleIdentity, r.Restart(id))
	})
}

func TestTable(t *testing.T) {
	table := NewTable(2)
	assert.Equal(t, 2, table.Capacity())
	assert.Zero(t, table.Len())

	a, b := NewRecord("a", mem.Range{}, mem.Range{}, nil, 0), NewRecord("b", mem.Range{}, mem.Range{}, nil, 0)
	idA, err := table.Add(a)
	require.NoError(t, err)
	idB, err := table.Add(b)
	require.NoError(t, err)
	assert.True(t, idA.Valid())
	assert.NotEqual(t, idA.Generation, idB.Generation)

	_, err = table.Add(NewRecord("c", mem.Range{}, mem.Range{}, nil, 0))
	assert.Equal(t, ErrNoFreeSlot, err)

	t.Run("runnable", func(t *testing.T) {
		id, ok := table.Runnable(0)
		assert.True(t, ok)
		assert.Equal(t, idA, id)

		require.NoError(t, b.Start())
		require.NoError(t, b.Yield())
		_, ok = table.Runnable(1)
		assert.False(t, ok)

		_, ok = table.Runnable(7)
		assert.False(t, ok)
		assert.Nil(t, table.Slot(-1))
	})

	t.Run("erase", func(t *testing.T) {
		_, err := table.Erase(idB)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "yielded records cannot be erased")
		_, err = table.Erasable(idB)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		require.NoError(t, b.Terminate())
		got, err := table.Erasable(idB)
		require.NoError(t, err)
		assert.Equal(t, b, got)
		assert.Equal(t, 2, table.Len(), "Erasable leaves the record in place")

		erased, err := table.Erase(idB)
		require.NoError(t, err)
		assert.Equal(t, b, erased)
		assert.Equal(t, 1, table.Len())

		_, err = table.Erase(idB)
		assert.Equal(t, ErrStaleIdentity, err)

		// The freed slot is reused under a new generation.
		idC, err := table.Add(NewRecord("c", mem.Range{}, mem.Range{}, nil, 0))
		require.NoError(t, err)
		assert.Equal(t, 1, idC.Slot)
		assert.Greater(t, idC.Generation, idB.Generation)
	})

	t.Run("each stops early", func(t *testing.T) {
		var visited int
		table.Each(func(*Record) bool {
			visited++
			return false
		})
		assert.Equal(t, 1, visited)
	})

	t.Run("dump state", func(t *testing.T) {
		var buf bytes.Buffer
		table.DumpState(&buf)
		assert.Contains(t, buf.String(), "process table: 2/2 slots used\n")
		assert.Contains(t, buf.String(), `process "a" (0.1) state Unstarted`)
	})
}

func TestFaultPolicies(t *testing.T) {
	r := newTestRecord(Faulted)

	specs := []struct {
		name     string
		restarts uint64
		exp      FaultAction
	}{
		{"stop", 0, FaultStop},
		{"panic", 0, FaultPanic},
		{"restart", 0, FaultRestart},
		{"restart", 2, FaultRestart},
		{"restart", 3, FaultStop},
		{"restart-then-panic", 1, FaultRestart},
		{"restart-then-panic", 3, FaultPanic},
	}

	for _, spec := range specs {
		policy, err := NewFaultPolicy(spec.name, 3)
		require.NoError(t, err)

		r.RestartCount = spec.restarts
		assert.Equal(t, spec.exp, policy.Action(r), "policy %s with %d restarts", spec.name, spec.restarts)
	}

	_, err := NewFaultPolicy("reboot-board", 1)
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "StoppedYielded", StoppedYielded.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "restart", FaultRestart.String())
	assert.Equal(t, "3.9", Identity{Slot: 3, Generation: 9}.String())
	assert.Equal(t, "proc: cannot resume process 3.9 in state Running",
		(&TransitionError{ID: Identity{Slot: 3, Generation: 9}, Op: OpResume, From: Running}).Error())
}
