package execute

import (
	"sync"
	"time"

	"github.com/runbench/runbench/entities"
)

const (
	defaultSampleInterval = 500 * time.Millisecond

	// Backstop ceilings so the monitor is always bounded, even for a run
	// configured with no wall-time limit at all.
	wallBackstopSlack = 30 * time.Second
	wallBackstopMax   = 7 * 24 * time.Hour
)

// limitSet is the monitor's view of the spec: zero means "never checked".
type limitSet struct {
	softCpu time.Duration
	hardCpu time.Duration
	wall    time.Duration
	memory  uint64
}

// resolveWallLimit picks the enforced wall-time ceiling. An explicit limit
// wins; otherwise a generous backstop derived from the CPU budget keeps the
// run, and with it the monitor, bounded.
func resolveWallLimit(explicit, hardCpu time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if hardCpu > 0 {
		return 2*hardCpu + wallBackstopSlack
	}
	return wallBackstopMax
}

// sampler provides the monitor's usage observations. The second return value
// reports whether the figure is available at all; a run without accounting
// simply skips the corresponding checks.
type sampler struct {
	cpuTime     func() (time.Duration, bool)
	memoryUsage func() (uint64, bool)
	oomKilled   func() bool
}

// termination records the attributed cause of death. The first observed
// crossing wins; later events, including an external stop, change nothing.
type termination struct {
	mu     sync.Mutex
	reason entities.TerminationReason
}

func (t *termination) set(reason entities.TerminationReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != "" {
		return false
	}
	t.reason = reason
	return true
}

func (t *termination) get() entities.TerminationReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// monitor samples resource usage of a running child and enforces the
// configured ceilings: a graceful signal for the soft CPU limit, an
// immediate forceful kill for everything else. The reason is recorded at
// the moment of signalling, independent of how fast the child dies.
type monitor struct {
	limits   limitSet
	interval time.Duration
	sample   sampler
	started  time.Time

	termGracefully func()
	termForcefully func()
	record         func(entities.TerminationReason) bool

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

func newMonitor(limits limitSet, interval time.Duration, sample sampler, started time.Time,
	graceful, forceful func(), record func(entities.TerminationReason) bool) *monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &monitor{
		limits:         limits,
		interval:       interval,
		sample:         sample,
		started:        started,
		termGracefully: graceful,
		termForcefully: forceful,
		record:         record,
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}
}

func (m *monitor) start() {
	go m.loop()
}

// stop ends the sampling loop and waits for it to wind down. Safe to call
// multiple times.
func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.finished
}

func (m *monitor) loop() {
	defer close(m.finished)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	softFired := false
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		if cpu, ok := m.sample.cpuTime(); ok {
			if m.limits.softCpu > 0 && !softFired && cpu > m.limits.softCpu {
				softFired = true
				m.record(entities.ReasonCpuTimeSoft)
				m.termGracefully()
			}
			if m.limits.hardCpu > 0 && cpu > m.limits.hardCpu {
				m.record(entities.ReasonCpuTime)
				m.termForcefully()
				return
			}
		}

		if m.limits.memory > 0 {
			if m.sample.oomKilled() {
				m.record(entities.ReasonMemory)
				m.termForcefully()
				return
			}
			if usage, ok := m.sample.memoryUsage(); ok && usage > m.limits.memory {
				m.record(entities.ReasonMemory)
				m.termForcefully()
				return
			}
		}

		if m.limits.wall > 0 && time.Since(m.started) > m.limits.wall {
			m.record(entities.ReasonWallTime)
			m.termForcefully()
			return
		}
	}
}
