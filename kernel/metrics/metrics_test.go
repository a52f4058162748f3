package metrics

import (
	"strings"
	"testing"

	"gophertock/kernel/proc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource Snapshot

func (s staticSource) Snapshot() Snapshot { return Snapshot(s) }

func TestCollector(t *testing.T) {
	src := staticSource{
		Processes: []proc.Info{
			{ID: proc.Identity{Slot: 0, Generation: 1}, Name: "blink", State: proc.Running, SyscallCount: 42, PendingUpcalls: 2},
			{ID: proc.Identity{Slot: 1, Generation: 4}, Name: "crash", State: proc.Faulted, RestartCount: 3},
		},
	}

	c := NewCollector(src)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	// 5 per-process metrics for 2 processes, 7 states, 3 scheduler totals
	// and 6 stop reasons.
	assert.Equal(t, 2*5+7+3+6, testutil.CollectAndCount(c))

	expected := `
# HELP gophertock_process_syscalls_total System calls made by the current execution of the process.
# TYPE gophertock_process_syscalls_total counter
gophertock_process_syscalls_total{process="blink",slot="0"} 42
gophertock_process_syscalls_total{process="crash",slot="1"} 0
# HELP gophertock_process_restarts_total Number of times the process was restarted.
# TYPE gophertock_process_restarts_total counter
gophertock_process_restarts_total{process="blink",slot="0"} 0
gophertock_process_restarts_total{process="crash",slot="1"} 3
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"gophertock_process_syscalls_total", "gophertock_process_restarts_total")
	assert.NoError(t, err)

	expected = `
# HELP gophertock_processes Number of loaded processes by lifecycle state.
# TYPE gophertock_processes gauge
gophertock_processes{state="Faulted"} 1
gophertock_processes{state="Running"} 1
gophertock_processes{state="StoppedRunning"} 0
gophertock_processes{state="StoppedYielded"} 0
gophertock_processes{state="Terminated"} 0
gophertock_processes{state="Unstarted"} 0
gophertock_processes{state="Yielded"} 0
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected), "gophertock_processes")
	assert.NoError(t, err)
}
