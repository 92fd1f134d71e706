package execute

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// reduceOverhead is the slack the reduction may leave past the limit for
// the marker and for not splitting lines.
const reduceOverhead = 100

func writeTempLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestLogHeaderFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	file, err := createLogFile(path)
	require.NoError(t, err)
	require.NoError(t, writeLogHeader(file, []string{"/bin/echo", "hello", "world"}))
	require.NoError(t, file.Close())

	lines := strings.Split(readLog(t, path), "\n")
	require.Equal(t, "/bin/echo hello world", lines[0])
	require.Equal(t, "", lines[1])
	require.Equal(t, "", lines[2])
	require.Equal(t, logHeaderRule, lines[3])
	require.Equal(t, "", lines[4])
	require.Equal(t, "", lines[5])
}

func TestCreateLogFileTruncatesExisting(t *testing.T) {
	path := writeTempLog(t, "previous contents\n")
	file, err := createLogFile(path)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.Equal(t, "", readLog(t, path))
}

func TestReduceEmptyFile(t *testing.T) {
	path := writeTempLog(t, "")
	require.NoError(t, ReduceToLimit(path, 500))
	require.Equal(t, "", readLog(t, path))
}

func TestReduceFileWithinLimit(t *testing.T) {
	content := strings.Repeat("Some text to be logged\n", 10)
	path := writeTempLog(t, content)
	require.NoError(t, ReduceToLimit(path, int64(len(content))))
	require.Equal(t, content, readLog(t, path))
}

func TestReduceOversizedFile(t *testing.T) {
	line := "Some text to be logged\n"
	path := writeTempLog(t, strings.Repeat(line, 500))
	require.NoError(t, ReduceToLimit(path, 500))

	content := readLog(t, path)
	require.LessOrEqual(t, len(content), 500+reduceOverhead)
	require.True(t, strings.HasPrefix(content, line))
	require.True(t, strings.HasSuffix(content, line))
	require.Contains(t, content, reduceMarker)
}

func TestReduceKeepsWholeLines(t *testing.T) {
	line := strings.Repeat("Long line ", 500) + "\n"
	path := writeTempLog(t, strings.Repeat(line, 3))
	require.NoError(t, ReduceToLimit(path, 500))

	// The first line already exceeds the prefix budget; it survives whole
	// and the remaining lines are dropped rather than cut.
	require.Equal(t, line+reduceMarker, readLog(t, path))
}

func TestReduceSingleLongLine(t *testing.T) {
	content := strings.Repeat("Long line ", 500) + "\n"
	path := writeTempLog(t, content)
	require.NoError(t, ReduceToLimit(path, 500))

	// One line spans the whole budget, so nothing is removed.
	require.Equal(t, content, readLog(t, path))
}

func TestReduceToZero(t *testing.T) {
	line := "Some text to be logged\n"
	path := writeTempLog(t, strings.Repeat(line, 500))
	require.NoError(t, ReduceToLimit(path, 0))

	content := readLog(t, path)
	require.LessOrEqual(t, len(content), reduceOverhead+len(line))
	require.True(t, strings.HasPrefix(content, line))
	require.Contains(t, content, reduceMarker)
}

func TestReduceIsIdempotent(t *testing.T) {
	path := writeTempLog(t, strings.Repeat("Some text to be logged\n", 500))
	require.NoError(t, ReduceToLimit(path, 500))
	once := readLog(t, path)

	require.NoError(t, ReduceToLimit(path, int64(len(once))))
	require.Equal(t, once, readLog(t, path))
}
