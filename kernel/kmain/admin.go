package kmain

import (
	"fmt"

	"gophertock/kernel/kfmt"
	"gophertock/kernel/proc"
	"gophertock/tbf"

	"go.uber.org/zap"
)

// List returns a snapshot of every loaded process in slot order.
func (k *Kernel) List() []proc.Info {
	infos := make([]proc.Info, 0, k.table.Len())
	k.table.Each(func(r *proc.Record) bool {
		infos = append(infos, r.Info())
		return true
	})
	return infos
}

// Process returns the record named by id.
func (k *Kernel) Process(id proc.Identity) (*proc.Record, error) {
	return k.table.Get(id)
}

// Find returns the identity of the first process called name.
func (k *Kernel) Find(name string) (proc.Identity, bool) {
	var (
		id    proc.Identity
		found bool
	)
	k.table.Each(func(r *proc.Record) bool {
		if r.Name == name {
			id, found = r.ID, true
		}
		return !found
	})
	return id, found
}

// apply runs a lifecycle operation on the record named by id.
func (k *Kernel) apply(id proc.Identity, op proc.Op, fn func(*proc.Record) error) error {
	rec, err := k.table.Get(id)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}

	kfmt.Logger("kmain").Info("process "+string(op),
		zap.String("name", rec.Name),
		zap.Stringer("id", rec.ID),
		zap.Stringer("state", rec.State),
	)
	k.publish()
	return nil
}

// Stop suspends a Running or Yielded process.
func (k *Kernel) Stop(id proc.Identity) error {
	return k.apply(id, proc.OpStop, (*proc.Record).Stop)
}

// Resume resumes a stopped process.
func (k *Kernel) Resume(id proc.Identity) error {
	return k.apply(id, proc.OpResume, (*proc.Record).Resume)
}

// Fault forces a process fault and applies the fault policy as if the
// process had faulted on its own.
func (k *Kernel) Fault(id proc.Identity) error {
	return k.apply(id, proc.OpFault, func(r *proc.Record) error {
		if err := r.Fault(); err != nil {
			return err
		}
		k.handleFault(r)
		return nil
	})
}

// Terminate terminates a started process.
func (k *Kernel) Terminate(id proc.Identity) error {
	return k.apply(id, proc.OpTerminate, (*proc.Record).Terminate)
}

// Restart restarts a Terminated or Faulted process under a new identity,
// which is returned.
func (k *Kernel) Restart(id proc.Identity) (proc.Identity, error) {
	newID, err := k.table.Restart(id)
	if err != nil {
		return proc.Identity{}, err
	}

	kfmt.Logger("kmain").Info("process restart", zap.Stringer("old_id", id), zap.Stringer("id", newID))
	k.publish()
	return newID, nil
}

// BootProcess starts a process by hand. Unstarted processes are started
// immediately; Terminated processes are restarted and return their new
// identity.
func (k *Kernel) BootProcess(id proc.Identity) (proc.Identity, error) {
	rec, err := k.table.Get(id)
	if err != nil {
		return proc.Identity{}, err
	}

	if rec.State == proc.Terminated {
		return k.Restart(id)
	}
	if err := k.apply(id, proc.OpStart, (*proc.Record).Start); err != nil {
		return proc.Identity{}, err
	}
	return id, nil
}

// Erase removes a process that is not executing, frees its RAM and replaces
// its image in flash with a padding image of the same length. The process is
// only torn down once the padding header is in flash; if the write fails the
// process is left untouched.
func (k *Kernel) Erase(id proc.Identity) error {
	rec, err := k.table.Erasable(id)
	if err != nil {
		return err
	}

	hdr, err := tbf.Encode(tbf.NewPadding(uint32(rec.Code.Length)))
	if err != nil {
		return err
	}
	if _, err := k.storage.WriteAt(hdr, int64(rec.Code.Start)); err != nil {
		return fmt.Errorf("erase %s: %w", rec.Name, err)
	}

	if _, err := k.table.Erase(id); err != nil {
		return err
	}
	k.sched.Unregister(id.Slot)
	k.ram.Release(rec.Memory)
	k.loader.Forget(rec.Code.Start)

	kfmt.Logger("kmain").Info("process erased", zap.String("name", rec.Name), zap.Stringer("id", id), zap.Stringer("flash", rec.Code))
	k.publish()
	return nil
}

// Upcall queues u for the process named by id.
func (k *Kernel) Upcall(id proc.Identity, u proc.Upcall) error {
	rec, err := k.table.Get(id)
	if err != nil {
		return err
	}
	if err := rec.DeliverUpcall(u); err != nil {
		return err
	}
	k.publish()
	return nil
}

// PanicKernel halts the kernel with a state dump. It is used to test the
// panic path.
func (k *Kernel) PanicKernel() {
	panicFn(errForcedPanic, k.table, k.ram)
}
