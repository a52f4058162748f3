package kfmt

import (
	"fmt"
	"io"
	"os"

	"gophertock/kernel"

	"go.uber.org/zap"
)

// StateDumper is implemented by kernel components that can describe their
// state when the kernel halts.
type StateDumper interface {
	DumpState(w io.Writer)
}

var (
	// haltFn stops the system after a panic. It is mocked by tests.
	haltFn = func() { os.Exit(2) }

	// panicSink receives the panic banner and state dumps.
	panicSink io.Writer = os.Stderr

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetPanicSink redirects the panic banner and state dumps to w.
func SetPanicSink(w io.Writer) {
	mu.Lock()
	panicSink = w
	mu.Unlock()
}

// Panic reports an unrecoverable kernel error, dumps the state of each
// supplied dumper and halts the system. It is reserved for violations of
// kernel invariants; process faults and load failures never reach it.
func Panic(e interface{}, dumpers ...StateDumper) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	mu.RLock()
	w := panicSink
	mu.RUnlock()

	fmt.Fprintf(w, "\n-----------------------------------\n")
	if err != nil {
		fmt.Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}

	dumpWriter := &PrefixWriter{Sink: w, Prefix: []byte("  | ")}
	for _, d := range dumpers {
		if d == nil {
			continue
		}
		d.DumpState(dumpWriter)
		if dumpWriter.midLine {
			fmt.Fprintln(w)
		}
		dumpWriter.Reset()
	}

	fmt.Fprintf(w, "*** kernel panic: system halted ***")
	fmt.Fprintf(w, "\n-----------------------------------\n")

	if err != nil {
		Logger("kernel").Error("kernel panic", zap.String("module", err.Module), zap.String("cause", err.Message))
	}

	haltFn()
}
