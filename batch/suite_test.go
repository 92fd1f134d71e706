package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSuite = `
concurrency = 2

[defaults]
cpu_time_sec = 1.5
memory_bytes = 1000000
max_log_size = 2000
output_dir = "/tmp/runbench-logs"

[[runs]]
name = "hello"
command = "/bin/echo 'hello world'"

[[runs]]
name = "listing"
command = "/bin/ls -la /tmp"
output = "/tmp/listing.log"
`

func TestParseSuite(t *testing.T) {
	suite, err := ParseSuite([]byte(sampleSuite))
	require.NoError(t, err)

	require.Equal(t, 2, suite.Concurrency)
	require.Len(t, suite.Runs, 2)

	hello := suite.Runs[0]
	require.Equal(t, "hello", hello.ID())
	require.Equal(t, []string{"/bin/echo", "hello world"}, hello.CommandLine())
	require.Equal(t, "/tmp/runbench-logs/hello.log", hello.LogPath())

	listing := suite.Runs[1]
	require.Equal(t, []string{"/bin/ls", "-la", "/tmp"}, listing.CommandLine())
	require.Equal(t, "/tmp/listing.log", listing.LogPath())
}

func TestSuiteSpecDefaults(t *testing.T) {
	suite, err := ParseSuite([]byte(sampleSuite))
	require.NoError(t, err)

	spec := suite.SpecFor(suite.Runs[0])
	require.Equal(t, []string{"/bin/echo", "hello world"}, spec.Command)
	require.Equal(t, int64(2000), spec.MaxLogSize)
	require.NotNil(t, spec.Limits)
	require.Equal(t, 1.5, spec.Limits.CpuTimeSec)
	require.Equal(t, int64(1000000), spec.Limits.MemoryBytes)
}

func TestSuiteSpecWithoutLimits(t *testing.T) {
	suite, err := ParseSuite([]byte(`
[[runs]]
name = "plain"
command = "/bin/true"
`))
	require.NoError(t, err)

	spec := suite.SpecFor(suite.Runs[0])
	require.Nil(t, spec.Limits)
	require.Equal(t, "plain.log", spec.Output)
}

func TestParseSuiteRejectsEmptyRuns(t *testing.T) {
	_, err := ParseSuite([]byte(`concurrency = 1`))
	require.Error(t, err)
}

func TestParseSuiteRejectsDuplicateNames(t *testing.T) {
	_, err := ParseSuite([]byte(`
[[runs]]
name = "twin"
command = "/bin/true"

[[runs]]
name = "twin"
command = "/bin/false"
`))
	require.ErrorContains(t, err, "Duplicate run name")
}

func TestParseSuiteRejectsUnbalancedQuotes(t *testing.T) {
	_, err := ParseSuite([]byte(`
[[runs]]
name = "broken"
command = "/bin/echo 'unterminated"
`))
	require.ErrorContains(t, err, "broken")
}

func TestParseSuiteRejectsEmptyCommand(t *testing.T) {
	_, err := ParseSuite([]byte(`
[[runs]]
name = "blank"
command = "  "
`))
	require.ErrorContains(t, err, "Empty command")
}
