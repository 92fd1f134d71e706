package execute

import (
	"fmt"
	"math"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/runbench/runbench/entities"
	"golang.org/x/sys/unix"
)

var rlimitTypes = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_DATA":   unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":  unix.RLIMIT_FSIZE,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_STACK":  unix.RLIMIT_STACK,
}

// resolveRlimits turns the spec's rlimit rules into typed POSIX rlimits.
// A hard CPU limit always contributes an RLIMIT_CPU rule as a kernel-side
// backstop: even if the monitor never gets to observe the crossing, the
// process still dies. The caller may override it with an explicit rule.
func resolveRlimits(cfgs []*entities.RlimitConfig, hardCpu time.Duration) ([]specs.POSIXRlimit, error) {
	var rlimits []specs.POSIXRlimit

	if hardCpu > 0 {
		seconds := uint64(math.Ceil(hardCpu.Seconds()))
		rlimits = append(rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_CPU",
			Hard: seconds,
			Soft: seconds,
		})
	}

	for _, cfg := range cfgs {
		if _, ok := rlimitTypes[cfg.Type]; !ok {
			return nil, configErrorf("Unknown rlimit type %q", cfg.Type)
		}
		rule := specs.POSIXRlimit{Type: cfg.Type, Hard: cfg.Hard, Soft: cfg.Soft}
		if cfg.Type == "RLIMIT_CPU" && len(rlimits) > 0 && rlimits[0].Type == "RLIMIT_CPU" {
			rlimits[0] = rule
			continue
		}
		rlimits = append(rlimits, rule)
	}

	return rlimits, nil
}

// applyRlimits installs the rules on an already-spawned process via
// prlimit(2). The child inherits nothing from us, so this runs right after
// the spawn, before the command has had a chance to consume anything.
func applyRlimits(pid int, rlimits []specs.POSIXRlimit) error {
	for _, rule := range rlimits {
		res := rlimitTypes[rule.Type]
		limit := unix.Rlimit{Cur: rule.Soft, Max: rule.Hard}
		if err := unix.Prlimit(pid, res, &limit, nil); err != nil {
			return fmt.Errorf("Failed to apply %s: %w", rule.Type, err)
		}
	}
	return nil
}
