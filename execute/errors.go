package execute

import "fmt"

// ConfigError reports a spec that cannot be enforced on this system, such as
// a limit that needs an accounting facility which is not available. It is
// raised before any process is spawned.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// SpawnError reports that the command could not be started at all. Distinct
// from any run outcome: no RunResult exists when it is returned.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("Failed to start the command: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
