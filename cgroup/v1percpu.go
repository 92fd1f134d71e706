package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/runbench/runbench/utils"
)

// The unified hierarchy dropped per-core CPU accounting, so on hybrid
// systems a side group in the legacy cpuacct controller provides the
// cputime-cpu<N> split. Purely best-effort.
const v1CpuacctRoot = "/sys/fs/cgroup/cpuacct"

type v1Cpuacct struct {
	path string
}

func setupV1Cpuacct() (*v1Cpuacct, error) {
	if !utils.DirectoryExists(v1CpuacctRoot) {
		return nil, fmt.Errorf("No cpuacct v1 hierarchy at %s", v1CpuacctRoot)
	}

	path := filepath.Join(v1CpuacctRoot, fmt.Sprintf("runbench-%s", utils.NewRunID()))
	if err := os.Mkdir(path, 0o775); err != nil {
		return nil, fmt.Errorf("Failed to create the cpuacct group: %w", err)
	}

	return &v1Cpuacct{path: path}, nil
}

func (c *v1Cpuacct) AddProc(pid int) error {
	return cgroups.WriteCgroupProc(c.path, pid)
}

func (c *v1Cpuacct) UsagePerCore() (map[int]time.Duration, error) {
	content, err := cgroups.ReadFile(c.path, "cpuacct.usage_percpu")
	if err != nil {
		return nil, err
	}
	return ParseUsagePerCore(content)
}

func (c *v1Cpuacct) Destroy() {
	_ = cgroups.RemovePath(c.path)
}

// ParseUsagePerCore parses the cpuacct.usage_percpu format: one nanosecond
// counter per core, space separated. Idle cores are omitted from the result.
func ParseUsagePerCore(content string) (map[int]time.Duration, error) {
	usage := make(map[int]time.Duration)
	for core, field := range strings.Fields(content) {
		ns, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Invalid per-core usage value %q: %w", field, err)
		}
		if ns == 0 {
			continue
		}
		usage[core] = time.Duration(ns)
	}
	return usage, nil
}
