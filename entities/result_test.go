package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultValuesNormalExit(t *testing.T) {
	memory := uint64(4096)
	result := &RunResult{
		WallTime:   1500 * time.Millisecond,
		CpuTime:    250 * time.Millisecond,
		Memory:     &memory,
		ExitStatus: StatusFromRaw(0),
	}

	values := result.Map()
	require.Equal(t, "1.500000s", values["walltime"])
	require.Equal(t, "0.250000s", values["cputime"])
	require.Equal(t, "4096", values["memory"])
	require.Equal(t, "0", values["exitcode"])
	require.Equal(t, "0", values["returnvalue"])
	require.NotContains(t, values, "terminationreason")
}

func TestResultValuesKilled(t *testing.T) {
	result := &RunResult{
		ExitStatus:        StatusFromRaw(9),
		TerminationReason: ReasonKilled,
	}

	values := result.Map()
	require.Equal(t, "9", values["exitcode"])
	require.NotContains(t, values, "returnvalue")
	require.Equal(t, "killed", values["terminationreason"])
}

func TestResultValuesPerCoreOrder(t *testing.T) {
	result := &RunResult{
		CpuTimePerCore: map[int]time.Duration{
			3: 30 * time.Millisecond,
			0: 100 * time.Millisecond,
			1: 50 * time.Millisecond,
		},
		ExitStatus: StatusFromRaw(0),
	}

	var keys []string
	for _, value := range result.Values() {
		keys = append(keys, value.Key)
	}
	require.Equal(t, []string{
		"walltime", "cputime",
		"cputime-cpu0", "cputime-cpu1", "cputime-cpu3",
		"exitcode", "returnvalue",
	}, keys)
}

func TestTerminationReasonForceful(t *testing.T) {
	require.True(t, ReasonCpuTime.Forceful())
	require.True(t, ReasonWallTime.Forceful())
	require.True(t, ReasonMemory.Forceful())
	require.True(t, ReasonKilled.Forceful())
	require.False(t, ReasonCpuTimeSoft.Forceful())
	require.False(t, TerminationReason("").Forceful())
}
