package batch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"github.com/pelletier/go-toml/v2"
	"github.com/runbench/runbench/entities"
)

// Suite is a TOML-described collection of runs sharing default limits.
type Suite struct {
	// Concurrency caps how many runs execute at once; 0 means one by one.
	Concurrency int `toml:"concurrency" validate:"gte=0"`

	Defaults SuiteDefaults `toml:"defaults"`
	Runs     []*SuiteRun   `toml:"runs" validate:"required,min=1,dive,required"`
}

// SuiteDefaults applies to every run that does not override the field.
type SuiteDefaults struct {
	CpuTimeSec     float64 `toml:"cpu_time_sec" validate:"gte=0"`
	SoftCpuTimeSec float64 `toml:"soft_cpu_time_sec" validate:"gte=0"`
	WallTimeSec    float64 `toml:"wall_time_sec" validate:"gte=0"`
	MemoryBytes    int64   `toml:"memory_bytes" validate:"gte=0"`
	MaxLogSize     int64   `toml:"max_log_size" validate:"gte=0"`

	// OutputDir receives the log files of runs without an explicit output
	// path, as <name>.log.
	OutputDir string `toml:"output_dir"`
}

// SuiteRun is one command of the suite.
type SuiteRun struct {
	Name    string `toml:"name" validate:"required"`
	Command string `toml:"command" validate:"required"`
	Output  string `toml:"output"`

	args   []string
	result *entities.RunResult
}

func (r *SuiteRun) ID() string {
	return r.Name
}

func (r *SuiteRun) CommandLine() []string {
	return r.args
}

func (r *SuiteRun) LogPath() string {
	return r.Output
}

func (r *SuiteRun) SetResult(result *entities.RunResult) {
	r.result = result
}

func (r *SuiteRun) Result() *entities.RunResult {
	return r.result
}

// LoadSuite reads, parses and validates a suite description.
func LoadSuite(path string) (*Suite, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read the suite file: %w", err)
	}
	return ParseSuite(content)
}

func ParseSuite(content []byte) (*Suite, error) {
	suite := &Suite{}
	if err := toml.Unmarshal(content, suite); err != nil {
		return nil, fmt.Errorf("Failed to parse the suite file: %w", err)
	}

	if err := validator.New().Struct(suite); err != nil {
		return nil, fmt.Errorf("Invalid suite: %w", err)
	}

	seen := map[string]bool{}
	for _, run := range suite.Runs {
		if seen[run.Name] {
			return nil, fmt.Errorf("Duplicate run name %q", run.Name)
		}
		seen[run.Name] = true

		args, err := shlex.Split(run.Command)
		if err != nil {
			return nil, fmt.Errorf("Invalid command of run %q: %w", run.Name, err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("Empty command of run %q", run.Name)
		}
		run.args = args

		if run.Output == "" {
			run.Output = filepath.Join(suite.Defaults.OutputDir, run.Name+".log")
		}
	}

	return suite, nil
}

// SpecFor materializes the run spec of one suite entry with the suite's
// defaults applied.
func (s *Suite) SpecFor(run *SuiteRun) *entities.RunSpec {
	spec := &entities.RunSpec{
		Command:    run.args,
		Output:     run.Output,
		MaxLogSize: s.Defaults.MaxLogSize,
	}

	defaults := s.Defaults
	if defaults.CpuTimeSec > 0 || defaults.SoftCpuTimeSec > 0 ||
		defaults.WallTimeSec > 0 || defaults.MemoryBytes > 0 {
		spec.Limits = &entities.LimitsConfig{
			CpuTimeSec:     defaults.CpuTimeSec,
			SoftCpuTimeSec: defaults.SoftCpuTimeSec,
			WallTimeSec:    defaults.WallTimeSec,
			MemoryBytes:    defaults.MemoryBytes,
		}
	}

	return spec
}

// Units returns the suite's runs behind the pool's unit interface.
func (s *Suite) Units() []Unit {
	units := make([]Unit, 0, len(s.Runs))
	for _, run := range s.Runs {
		units = append(units, run)
	}
	return units
}
