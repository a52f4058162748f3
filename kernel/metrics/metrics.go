// Package metrics exports process and scheduler statistics to Prometheus.
//
// The process table is owned by the kernel goroutine, so the collector never
// reads it directly. The kernel publishes a Snapshot after every loop
// iteration and the collector turns the latest one into metrics when scraped.
package metrics

import (
	"strconv"

	"gophertock/kernel/proc"
	"gophertock/kernel/sched"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gophertock"

// Snapshot is a consistent view of the kernel's statistics.
type Snapshot struct {
	BootID    string
	Processes []proc.Info
	Scheduler sched.Stats
}

// Source returns the most recently published snapshot. Implementations must
// be safe for concurrent use.
type Source interface {
	Snapshot() Snapshot
}

var (
	allStates = []proc.State{
		proc.Unstarted, proc.Running, proc.Yielded, proc.StoppedRunning,
		proc.StoppedYielded, proc.Faulted, proc.Terminated,
	}

	allReasons = []sched.StoppedReason{
		sched.Yielded, sched.TimesliceExpired, sched.Faulted,
		sched.Terminated, sched.KernelPreempted, sched.Stopped,
	}

	processLabels = []string{"process", "slot"}
)

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	processes            *prometheus.Desc
	restarts             *prometheus.Desc
	syscalls             *prometheus.Desc
	timesliceExpirations *prometheus.Desc
	droppedUpcalls       *prometheus.Desc
	pendingUpcalls       *prometheus.Desc
	decisions            *prometheus.Desc
	idleCycles           *prometheus.Desc
	executed             *prometheus.Desc
	stops                *prometheus.Desc
}

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		src:                  src,
		processes:            desc("processes", "Number of loaded processes by lifecycle state.", "state"),
		restarts:             desc("process_restarts_total", "Number of times the process was restarted.", processLabels...),
		syscalls:             desc("process_syscalls_total", "System calls made by the current execution of the process.", processLabels...),
		timesliceExpirations: desc("process_timeslice_expirations_total", "Timeslices the current execution of the process exhausted.", processLabels...),
		droppedUpcalls:       desc("process_dropped_upcalls_total", "Upcalls dropped because the process queue was full.", processLabels...),
		pendingUpcalls:       desc("process_pending_upcalls", "Upcalls queued for the process.", processLabels...),
		decisions:            desc("scheduler_decisions_total", "Scheduling decisions that selected a process."),
		idleCycles:           desc("scheduler_idle_cycles_total", "Scheduling decisions that found no runnable process."),
		executed:             desc("scheduler_executed_seconds_total", "Measured process execution time."),
		stops:                desc("scheduler_stops_total", "Process runs by the reason they ended.", "reason"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processes
	ch <- c.restarts
	ch <- c.syscalls
	ch <- c.timesliceExpirations
	ch <- c.droppedUpcalls
	ch <- c.pendingUpcalls
	ch <- c.decisions
	ch <- c.idleCycles
	ch <- c.executed
	ch <- c.stops
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()

	byState := make(map[proc.State]int, len(allStates))
	for _, p := range snap.Processes {
		byState[p.State]++

		labels := []string{p.Name, strconv.Itoa(p.ID.Slot)}
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(p.RestartCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.syscalls, prometheus.CounterValue, float64(p.SyscallCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.timesliceExpirations, prometheus.CounterValue, float64(p.TimesliceExpirations), labels...)
		ch <- prometheus.MustNewConstMetric(c.droppedUpcalls, prometheus.CounterValue, float64(p.DroppedUpcalls), labels...)
		ch <- prometheus.MustNewConstMetric(c.pendingUpcalls, prometheus.GaugeValue, float64(p.PendingUpcalls), labels...)
	}

	for _, s := range allStates {
		ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, float64(byState[s]), s.String())
	}

	st := snap.Scheduler
	ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(st.Decisions))
	ch <- prometheus.MustNewConstMetric(c.idleCycles, prometheus.CounterValue, float64(st.IdleCycles))
	ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, st.Executed.Seconds())
	for _, r := range allReasons {
		ch <- prometheus.MustNewConstMetric(c.stops, prometheus.CounterValue, float64(st.StoppedCount(r)), r.String())
	}
}
