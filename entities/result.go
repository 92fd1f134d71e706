package entities

import (
	"fmt"
	"sort"
	"time"
)

// TerminationReason is the enforcement cause the executor itself attributed
// to a run's end. Empty when the process exited on its own or when something
// outside the executor (an inherited ulimit, for example) killed it first.
type TerminationReason string

const (
	ReasonCpuTime     TerminationReason = "cputime"
	ReasonCpuTimeSoft TerminationReason = "cputime-soft"
	ReasonWallTime    TerminationReason = "walltime"
	ReasonMemory      TerminationReason = "memory"
	ReasonKilled      TerminationReason = "killed"
)

// Forceful reports whether the reason was enforced with an immediate kill
// rather than a graceful termination request.
func (r TerminationReason) Forceful() bool {
	switch r {
	case ReasonCpuTime, ReasonWallTime, ReasonMemory, ReasonKilled:
		return true
	}
	return false
}

// RunResult is produced exactly once per run and owned by the caller.
type RunResult struct {
	WallTime       time.Duration
	CpuTime        time.Duration
	CpuTimePerCore map[int]time.Duration

	// Memory is the peak accounted usage in bytes, nil when no accounting
	// facility covered the run.
	Memory *uint64

	ExitStatus        ExitStatus
	TerminationReason TerminationReason
}

// ResultValue is one entry of the flat result encoding handed to callers.
type ResultValue struct {
	Key   string
	Value string
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.6fs", d.Seconds())
}

// Values renders the result as the ordered key=value mapping of the CLI
// surface: cputime, walltime, optional memory, per-core cputime entries,
// exitcode (the raw wait status), returnvalue when no signal terminated the
// process, and terminationreason when one was attributed.
func (r *RunResult) Values() []ResultValue {
	values := []ResultValue{
		{"walltime", formatSeconds(r.WallTime)},
		{"cputime", formatSeconds(r.CpuTime)},
	}

	cores := make([]int, 0, len(r.CpuTimePerCore))
	for core := range r.CpuTimePerCore {
		cores = append(cores, core)
	}
	sort.Ints(cores)
	for _, core := range cores {
		values = append(values, ResultValue{
			Key:   fmt.Sprintf("cputime-cpu%d", core),
			Value: formatSeconds(r.CpuTimePerCore[core]),
		})
	}

	if r.Memory != nil {
		values = append(values, ResultValue{"memory", fmt.Sprintf("%d", *r.Memory)})
	}

	values = append(values, ResultValue{"exitcode", fmt.Sprintf("%d", r.ExitStatus.Raw)})
	if r.ExitStatus.Exited() {
		values = append(values, ResultValue{"returnvalue", fmt.Sprintf("%d", r.ExitStatus.Value)})
	}

	if r.TerminationReason != "" {
		values = append(values, ResultValue{"terminationreason", string(r.TerminationReason)})
	}
	return values
}

// Map returns the same encoding as Values keyed by name.
func (r *RunResult) Map() map[string]string {
	m := make(map[string]string)
	for _, v := range r.Values() {
		m[v.Key] = v.Value
	}
	return m
}
