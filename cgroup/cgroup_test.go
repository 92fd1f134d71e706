package cgroup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCpuStatUsage(t *testing.T) {
	content := "usage_usec 2500000\nuser_usec 2000000\nsystem_usec 500000\n"
	usage, err := parseCpuStatUsage(content)
	require.NoError(t, err)
	require.Equal(t, 2500*time.Millisecond, usage)
}

func TestParseCpuStatUsageMissing(t *testing.T) {
	_, err := parseCpuStatUsage("user_usec 2000000\n")
	require.Error(t, err)
}

func TestParseOomKillCount(t *testing.T) {
	content := "low 0\nhigh 0\nmax 12\noom 3\noom_kill 1\noom_group_kill 0\n"
	require.Equal(t, int64(1), parseOomKillCount(content))
	require.Equal(t, int64(0), parseOomKillCount("low 0\noom_kill 0\n"))
	require.Equal(t, int64(0), parseOomKillCount(""))
}

func TestParseUsagePerCore(t *testing.T) {
	usage, err := ParseUsagePerCore("1200000000 0 0 345000000\n")
	require.NoError(t, err)
	require.Equal(t, map[int]time.Duration{
		0: 1200 * time.Millisecond,
		3: 345 * time.Millisecond,
	}, usage)
}

func TestParseUsagePerCoreInvalid(t *testing.T) {
	_, err := ParseUsagePerCore("12 potato")
	require.Error(t, err)
}
