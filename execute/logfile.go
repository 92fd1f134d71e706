package execute

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// The log file starts with the executed command line, two blank lines, a
// horizontal rule and two more blank lines. Downstream tooling overwrites
// the reserved lines with its own metadata, so size reduction must never
// touch them.
const logHeaderRule = "--------------------------------------------------------------------------------"

// reduceMarker replaces the removed middle part of an oversized log.
const reduceMarker = "\n\n\nWARNING: YOUR LOGFILE WAS TOO LONG, SOME LINES IN THE MIDDLE WERE REMOVED.\n\n\n\n"

func createLogFile(path string) (*os.File, error) {
	modes := os.O_WRONLY | os.O_TRUNC
	if _, err := os.Stat(path); os.IsNotExist(err) {
		modes = modes | os.O_CREATE | os.O_EXCL
	}

	mask := unix.Umask(0)
	file, err := os.OpenFile(path, modes, 0o664)
	unix.Umask(mask)
	if err != nil {
		return nil, fmt.Errorf("Error opening the log file: %w", err)
	}
	return file, nil
}

func writeLogHeader(file *os.File, args []string) error {
	header := strings.Join(args, " ") + "\n\n\n" + logHeaderRule + "\n\n\n"
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("Error writing the log header: %w", err)
	}
	return nil
}

// ReduceToLimit shrinks a log file to roughly limit bytes by dropping lines
// from the middle; the head and the tail survive verbatim. Whole lines only:
// a single line longer than the limit is kept intact, so the limit is
// advisory rather than a hard truncation boundary. A file already within the
// limit is left byte-for-byte untouched.
func ReduceToLimit(path string, limit int64) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("Error opening the log file for reduction: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("Error inspecting the log file: %w", err)
	}
	size := info.Size()
	if size <= limit {
		return nil
	}

	// Keep up to half the budget from the start, extended to a full line.
	prefixEnd, err := lineEnd(file, limit/2, size)
	if err != nil {
		return err
	}
	if prefixEnd >= size {
		// One line spans the whole budget; never split it.
		return nil
	}

	suffixStart := size - limit/2
	if suffixStart < prefixEnd {
		suffixStart = prefixEnd
	}
	suffixStart, err = lineEnd(file, suffixStart, size)
	if err != nil {
		return err
	}

	suffix := make([]byte, size-suffixStart)
	if _, err := file.ReadAt(suffix, suffixStart); err != nil {
		return fmt.Errorf("Error reading the log tail: %w", err)
	}

	replacement := append([]byte(reduceMarker), suffix...)
	if _, err := file.WriteAt(replacement, prefixEnd); err != nil {
		return fmt.Errorf("Error splicing the log file: %w", err)
	}
	return file.Truncate(prefixEnd + int64(len(replacement)))
}

// lineEnd returns the offset just past the newline at or after offset, or
// the file size when no further newline exists.
func lineEnd(file *os.File, offset, size int64) (int64, error) {
	if offset >= size {
		return size, nil
	}

	buf := make([]byte, 4096)
	for offset < size {
		n, err := file.ReadAt(buf, offset)
		if n == 0 && err != nil {
			return 0, fmt.Errorf("Error scanning for a line boundary: %w", err)
		}
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			return offset + int64(i) + 1, nil
		}
		offset += int64(n)
	}
	return size, nil
}
