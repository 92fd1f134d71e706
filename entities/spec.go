package entities

import (
	"io"
	"time"
)

// RunSpec describes one command execution. It is treated as immutable once
// handed to an executor.
type RunSpec struct {
	Command []string          `mapstructure:"command" validate:"required,dive,required"`
	Cwd     string            `mapstructure:"cwd"`
	Env     map[string]string `mapstructure:"env"`

	// Input selects the child's stdin: empty means the null device, "-"
	// means the caller's own stdin, anything else is a file path.
	Input string `mapstructure:"input"`

	// Stdin, when non-nil, overrides Input with a caller-supplied stream.
	// Only reachable through the library API, not the JSON surface.
	Stdin io.Reader `mapstructure:"-"`

	// Output is the log file receiving the command line header and the
	// child's combined stdout/stderr.
	Output string `mapstructure:"output" validate:"required"`

	// MaxLogSize bounds the persisted log size in bytes; 0 keeps everything.
	MaxLogSize int64 `mapstructure:"max_log_size" validate:"gte=0"`

	Limits *LimitsConfig `mapstructure:"limits"`
}

type LimitsConfig struct {
	CpuTimeSec     float64 `mapstructure:"cpu_time_sec" validate:"gte=0"`
	SoftCpuTimeSec float64 `mapstructure:"soft_cpu_time_sec" validate:"gte=0"`
	WallTimeSec    float64 `mapstructure:"wall_time_sec" validate:"gte=0"`
	MemoryBytes    int64   `mapstructure:"memory_bytes" validate:"gte=0"`

	// Cores pins the run to the given CPU cores (cpuset).
	Cores []int `mapstructure:"cores" validate:"dive,gte=0"`

	// User runs the command under another identity via sudo.
	User string `mapstructure:"user"`

	Rlimit []*RlimitConfig `mapstructure:"rlimit"`
}

type RlimitConfig struct {
	Type string `mapstructure:"type" validate:"required"`
	Hard uint64 `mapstructure:"hard"`
	Soft uint64 `mapstructure:"soft"`
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s *RunSpec) HardCpuTime() time.Duration {
	if s.Limits == nil {
		return 0
	}
	return secondsToDuration(s.Limits.CpuTimeSec)
}

func (s *RunSpec) SoftCpuTime() time.Duration {
	if s.Limits == nil {
		return 0
	}
	return secondsToDuration(s.Limits.SoftCpuTimeSec)
}

func (s *RunSpec) WallTime() time.Duration {
	if s.Limits == nil {
		return 0
	}
	return secondsToDuration(s.Limits.WallTimeSec)
}

func (s *RunSpec) MemoryLimit() int64 {
	if s.Limits == nil {
		return 0
	}
	return s.Limits.MemoryBytes
}

func (s *RunSpec) CoreSet() []int {
	if s.Limits == nil {
		return nil
	}
	return s.Limits.Cores
}

func (s *RunSpec) RunAsUser() string {
	if s.Limits == nil {
		return ""
	}
	return s.Limits.User
}
