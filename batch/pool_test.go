package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runbench/runbench/entities"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Skipf("%s is not available", path)
	}
}

func poolSuite(t *testing.T, names ...string) (*Suite, func(Unit) *entities.RunSpec) {
	t.Helper()
	dir := t.TempDir()

	suite := &Suite{Defaults: SuiteDefaults{OutputDir: dir}}
	for _, name := range names {
		suite.Runs = append(suite.Runs, &SuiteRun{
			Name:   name,
			args:   []string{"/bin/echo", name},
			Output: filepath.Join(dir, name+".log"),
		})
	}
	return suite, func(unit Unit) *entities.RunSpec {
		return suite.SpecFor(unit.(*SuiteRun))
	}
}

func TestPoolRunsAllUnits(t *testing.T) {
	requireBinary(t, "/bin/echo")

	suite, makeSpec := poolSuite(t, "first", "second", "third")
	pool := &Pool{Concurrency: 2}
	require.NoError(t, pool.Run(context.Background(), suite.Units(), makeSpec))

	for _, run := range suite.Runs {
		result := run.Result()
		require.NotNil(t, result, "run %s has no result", run.Name)
		require.True(t, result.ExitStatus.Exited())
		require.Equal(t, 0, result.ExitStatus.Value)

		content, err := os.ReadFile(run.LogPath())
		require.NoError(t, err)
		require.Contains(t, string(content), run.Name)
	}
}

func TestPoolSequentialByDefault(t *testing.T) {
	requireBinary(t, "/bin/echo")

	suite, makeSpec := poolSuite(t, "only")
	pool := &Pool{}
	require.NoError(t, pool.Run(context.Background(), suite.Units(), makeSpec))
	require.NotNil(t, suite.Runs[0].Result())
}

func TestPoolSpawnFailureDoesNotCancelSiblings(t *testing.T) {
	requireBinary(t, "/bin/echo")

	suite, makeSpec := poolSuite(t, "broken", "fine")
	suite.Runs[0].args = []string{"/nonexistent/binary/hopefully"}

	pool := &Pool{Concurrency: 1}
	err := pool.Run(context.Background(), suite.Units(), makeSpec)
	require.ErrorContains(t, err, "broken")

	require.Nil(t, suite.Runs[0].Result())
	require.NotNil(t, suite.Runs[1].Result())
}

func TestPoolCancellationStopsActiveRuns(t *testing.T) {
	requireBinary(t, "/bin/sleep")

	suite, makeSpec := poolSuite(t, "sleeper")
	suite.Runs[0].args = []string{"/bin/sleep", "10"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	pool := &Pool{Concurrency: 1}
	require.NoError(t, pool.Run(ctx, suite.Units(), makeSpec))
	require.Less(t, time.Since(started), 5*time.Second)

	result := suite.Runs[0].Result()
	require.NotNil(t, result)
	require.Equal(t, entities.ReasonKilled, result.TerminationReason)
}
