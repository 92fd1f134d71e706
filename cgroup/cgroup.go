package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/opencontainers/runc/libcontainer/cgroups/fs2"
	"github.com/runbench/runbench/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// ParentEnv overrides where per-run cgroups are created. Mainly used for
// containerized environments where systemd is not reachable.
const ParentEnv = "RUNBENCH_CGROUP_PARENT"

var (
	rootOnce sync.Once
	rootPath string
	rootErr  error
)

func initRoot() {
	if parent := os.Getenv(ParentEnv); parent != "" {
		rootPath, rootErr = initFsRoot(parent)
		return
	}

	if os.Geteuid() == 0 {
		rootPath, rootErr = initFsRoot(fs2.UnifiedMountpoint)
		return
	}

	rootPath, rootErr = initSystemdRoot()
}

// initFsRoot creates a delegated directory directly via cgroupfs.
func initFsRoot(parent string) (string, error) {
	if err := checkSupportedControllers(); err != nil {
		return "", err
	}

	path := filepath.Join(parent, fmt.Sprintf("runbench-%s", utils.InstanceID))
	if err := os.Mkdir(path, 0o775); err != nil {
		return "", fmt.Errorf("Failed to create cgroup directory: %w", err)
	}

	if err := enableSubtreeControllers(path); err != nil {
		_ = cgroups.RemovePath(path)
		return "", err
	}

	return path, nil
}

// Accounting owns one cgroup dedicated to a single run. The child process
// tree is placed into it at spawn time; the monitor and the final metrics
// both read from it.
type Accounting struct {
	path string
	v1   *v1Cpuacct
	log  *logrus.Entry
}

// Setup creates a fresh per-run accounting group. Returns an error when the
// system offers no usable cgroup v2 hierarchy with the cpu, cpuset and
// memory controllers.
func Setup() (*Accounting, error) {
	rootOnce.Do(initRoot)
	if rootErr != nil {
		return nil, fmt.Errorf("Failed to prepare the cgroup hierarchy: %w", rootErr)
	}

	path := filepath.Join(rootPath, fmt.Sprintf("run-%s", utils.NewRunID()))
	if err := os.Mkdir(path, 0o775); err != nil {
		return nil, fmt.Errorf("Failed to create the run cgroup: %w", err)
	}

	acct := &Accounting{
		path: path,
		log:  logrus.WithField("cgroup", path),
	}

	// Per-core CPU accounting only exists in the v1 cpuacct controller;
	// losing it is fine, the rest of the accounting still works.
	if v1, err := setupV1Cpuacct(); err == nil {
		acct.v1 = v1
	} else {
		acct.log.WithError(err).Debug("Per-core CPU accounting is unavailable")
	}

	return acct, nil
}

func (a *Accounting) Path() string {
	return a.path
}

// OpenDir returns a handle suitable for CLONE_INTO_CGROUP placement.
func (a *Accounting) OpenDir() (*os.File, error) {
	return os.Open(a.path)
}

// AddProc moves an already-running process into the group. Used as the
// fallback when the spawn could not place the child atomically.
func (a *Accounting) AddProc(pid int) error {
	if err := cgroups.WriteCgroupProc(a.path, pid); err != nil {
		return fmt.Errorf("Failed to write proc into the run cgroup: %w", err)
	}
	return nil
}

// AddV1Proc registers the process with the per-core side group, if any.
func (a *Accounting) AddV1Proc(pid int) {
	if a.v1 == nil {
		return
	}
	if err := a.v1.AddProc(pid); err != nil {
		a.log.WithError(err).Debug("Failed to add process to the cpuacct group")
	}
}

// SetMemoryLimit applies a hard memory ceiling and disables swap so the
// ceiling cannot be dodged.
func (a *Accounting) SetMemoryLimit(bytes int64) error {
	if err := cgroups.WriteFile(a.path, "memory.max", strconv.FormatInt(bytes, 10)); err != nil {
		return fmt.Errorf("Failed to write memory.max: %w", err)
	}
	if err := cgroups.WriteFile(a.path, "memory.swap.max", "0"); err != nil {
		return fmt.Errorf("Failed to write memory.swap.max: %w", err)
	}
	return nil
}

// SetCoreSet pins the group to the given CPU cores.
func (a *Accounting) SetCoreSet(cores []int) error {
	rendered := strings.Join(lo.Map(cores, func(core int, _ int) string {
		return strconv.Itoa(core)
	}), ",")
	if err := cgroups.WriteFile(a.path, "cpuset.cpus", rendered); err != nil {
		return fmt.Errorf("Failed to write cpuset.cpus: %w", err)
	}
	return nil
}

// CpuTime reads the accumulated CPU time of every process that ever ran in
// the group.
func (a *Accounting) CpuTime() (time.Duration, error) {
	content, err := cgroups.ReadFile(a.path, "cpu.stat")
	if err != nil {
		return 0, fmt.Errorf("Failed to read cpu.stat: %w", err)
	}
	return parseCpuStatUsage(content)
}

// CpuTimePerCore returns the per-core split of the CPU time, when the v1
// cpuacct controller is around to provide it.
func (a *Accounting) CpuTimePerCore() map[int]time.Duration {
	if a.v1 == nil {
		return nil
	}
	usage, err := a.v1.UsagePerCore()
	if err != nil {
		a.log.WithError(err).Debug("Failed to read per-core CPU usage")
		return nil
	}
	return usage
}

// MemoryPeak reads the peak memory usage in bytes. The second return value
// is false when the kernel exposes no usable figure.
func (a *Accounting) MemoryPeak() (uint64, bool) {
	// memory.peak needs kernel 5.19+, fall back to the live figure.
	for _, file := range []string{"memory.peak", "memory.current"} {
		content, err := cgroups.ReadFile(a.path, file)
		if err != nil {
			continue
		}
		value, err := strconv.ParseUint(strings.TrimSpace(content), 10, 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// MemoryCurrent reads the live memory usage in bytes.
func (a *Accounting) MemoryCurrent() (uint64, error) {
	content, err := cgroups.ReadFile(a.path, "memory.current")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(content), 10, 64)
}

// OomKilled reports whether the kernel OOM killer fired inside the group.
func (a *Accounting) OomKilled() bool {
	content, err := cgroups.ReadFile(a.path, "memory.events")
	if err != nil {
		return false
	}
	return parseOomKillCount(content) > 0
}

// Kill terminates every process remaining in the group. Processes already
// gone are not an error.
func (a *Accounting) Kill() {
	if err := cgroups.WriteFile(a.path, "cgroup.kill", "1"); err != nil && !os.IsNotExist(err) {
		a.log.WithError(err).Debug("Failed to kill the run cgroup")
	}
}

// Destroy kills stragglers and removes the group.
func (a *Accounting) Destroy() {
	a.Kill()
	if err := cgroups.RemovePath(a.path); err != nil {
		a.log.WithError(err).Warn("Failed to remove the run cgroup")
	}
	if a.v1 != nil {
		a.v1.Destroy()
	}
}

func parseCpuStatUsage(content string) (time.Duration, error) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "usage_usec" {
			continue
		}
		usec, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("Invalid usage_usec value %q: %w", fields[1], err)
		}
		return time.Duration(usec) * time.Microsecond, nil
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

func parseOomKillCount(content string) int64 {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		count, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return count
	}
	return 0
}
