package execute

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/runbench/runbench/cgroup"
	"github.com/runbench/runbench/entities"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Options configures an Executor for its whole lifetime.
type Options struct {
	// User runs every command under another identity via sudo. The
	// elevation is probed once at construction.
	User string

	// SampleInterval overrides how often the resource monitor inspects the
	// run. Zero selects the default.
	SampleInterval time.Duration
}

// Executor runs one command at a time under resource limits and accounting.
// Execute blocks for the duration of the run; Stop may be called from any
// other goroutine to abort the active run.
type Executor struct {
	sudo     *sudoAdapter
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	current *run
}

// run is the mutable state of one in-flight execution, shared between
// Execute, the monitor callbacks and Stop.
type run struct {
	pgid int
	sudo *sudoAdapter
	acct *cgroup.Accounting
	term *termination
	log  *logrus.Entry
}

func New(opts Options) (*Executor, error) {
	executor := &Executor{
		interval: opts.SampleInterval,
		log:      logrus.WithField("component", "executor"),
	}

	if opts.User != "" {
		sudo, err := newSudoAdapter(opts.User)
		if err != nil {
			return nil, err
		}
		executor.sudo = sudo
	}

	return executor, nil
}

// killGracefully asks the run's process group to terminate.
func (r *run) killGracefully() {
	if r.sudo != nil {
		r.sudo.Signal(r.pgid, unix.SIGTERM)
		return
	}
	if err := unix.Kill(-r.pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		r.log.WithError(err).Debug("Failed to terminate the process group")
	}
}

// killForcefully kills everything the run ever spawned: the accounting group
// first, because it also catches processes that escaped the group via setsid,
// then the process group.
func (r *run) killForcefully() {
	if r.acct != nil {
		r.acct.Kill()
	}
	if r.sudo != nil {
		r.sudo.Signal(r.pgid, unix.SIGKILL)
		return
	}
	if err := unix.Kill(-r.pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		r.log.WithError(err).Debug("Failed to kill the process group")
	}
}

// Stop aborts the active run, if any, recording "killed" as the reason unless
// the monitor attributed one first. Safe to call at any time, from any
// goroutine, including when no run is active.
func (e *Executor) Stop() {
	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	if current == nil {
		return
	}
	current.term.set(entities.ReasonKilled)
	current.killForcefully()
}

func (e *Executor) setCurrent(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return fmt.Errorf("Another run is already active")
	}
	e.current = r
	return nil
}

func (e *Executor) clearCurrent() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// openStdin resolves the spec's input selection to a concrete file. The
// second return value reports whether the file is ours to close.
func openStdin(spec *entities.RunSpec) (*os.File, bool, error) {
	if spec.Input == "-" {
		return os.Stdin, false, nil
	}
	path := spec.Input
	if path == "" {
		path = os.DevNull
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, false, configErrorf("Cannot read the input file %q: %v", path, err)
	}
	return file, true, nil
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

// setupAccounting creates the per-run cgroup when the spec needs one. Limits
// that cannot work without accounting fail fast as a ConfigError instead of
// silently going unenforced.
func setupAccounting(spec *entities.RunSpec) (*cgroup.Accounting, error) {
	acct, acctErr := cgroup.Setup()
	if acctErr == nil {
		return acct, nil
	}

	switch {
	case spec.SoftCpuTime() > 0:
		return nil, configErrorf("The soft CPU time limit requires per-run CPU accounting, which is unavailable on this system: %v", acctErr)
	case spec.WallTime() > 0:
		return nil, configErrorf("The wall time limit requires per-run CPU accounting, which is unavailable on this system: %v", acctErr)
	case spec.MemoryLimit() > 0:
		return nil, configErrorf("The memory limit requires memory accounting, which is unavailable on this system: %v", acctErr)
	case len(spec.CoreSet()) > 0:
		return nil, configErrorf("Pinning to CPU cores requires cgroup support, which is unavailable on this system: %v", acctErr)
	}

	// A hard CPU limit still works through RLIMIT_CPU, and measurements
	// fall back to the child's rusage.
	return nil, nil
}

type accountingSampler struct {
	acct *cgroup.Accounting
}

func (a *accountingSampler) sampler() sampler {
	return sampler{
		cpuTime: func() (time.Duration, bool) {
			if a.acct == nil {
				return 0, false
			}
			cpu, err := a.acct.CpuTime()
			if err != nil {
				return 0, false
			}
			return cpu, true
		},
		memoryUsage: func() (uint64, bool) {
			if a.acct == nil {
				return 0, false
			}
			usage, err := a.acct.MemoryCurrent()
			if err != nil {
				return 0, false
			}
			return usage, true
		},
		oomKilled: func() bool {
			return a.acct != nil && a.acct.OomKilled()
		},
	}
}

// Execute runs the command described by spec to completion and returns its
// result. Exactly one result or one error is produced per call. A SpawnError
// means the command never started; a ConfigError means the spec cannot be
// enforced here.
func (e *Executor) Execute(spec *entities.RunSpec) (*entities.RunResult, error) {
	hardCpu := spec.HardCpuTime()
	softCpu := spec.SoftCpuTime()

	rlimits, err := resolveRlimits(rlimitRules(spec), hardCpu)
	if err != nil {
		return nil, err
	}

	acct, err := setupAccounting(spec)
	if err != nil {
		return nil, err
	}
	cleanupAcct := acct
	defer func() {
		if cleanupAcct != nil {
			cleanupAcct.Destroy()
		}
	}()

	if acct != nil {
		if limit := spec.MemoryLimit(); limit > 0 {
			if err := acct.SetMemoryLimit(limit); err != nil {
				return nil, configErrorf("Cannot apply the memory limit: %v", err)
			}
		}
		if cores := spec.CoreSet(); len(cores) > 0 {
			if err := acct.SetCoreSet(cores); err != nil {
				return nil, configErrorf("Cannot pin the run to cores %v: %v", cores, err)
			}
		}
	}

	args := spec.Command
	if e.sudo != nil {
		args = e.sudo.Wrap(args)
	}

	stdin := spec.Stdin
	var stdinFile *os.File
	if stdin == nil {
		file, owned, err := openStdin(spec)
		if err != nil {
			return nil, err
		}
		if owned {
			stdinFile = file
		}
		stdin = file
	}
	defer func() {
		if stdinFile != nil {
			stdinFile.Close()
		}
	}()

	logFile, err := createLogFile(spec.Output)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()
	if err := writeLogHeader(logFile, args); err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = stdin
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Place the child into the accounting group atomically at clone time so
	// not a single tick of usage escapes.
	if acct != nil {
		dir, err := acct.OpenDir()
		if err != nil {
			return nil, fmt.Errorf("Failed to open the run cgroup: %w", err)
		}
		defer dir.Close()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(dir.Fd())
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		logFile.Close()
		_ = os.Remove(spec.Output)
		return nil, &SpawnError{Err: err}
	}

	pid := cmd.Process.Pid
	term := &termination{}
	active := &run{
		pgid: pid,
		sudo: e.sudo,
		acct: acct,
		term: term,
		log:  e.log.WithField("pid", pid),
	}
	if err := e.setCurrent(active); err != nil {
		active.killForcefully()
		_ = cmd.Wait()
		_ = os.Remove(spec.Output)
		return nil, err
	}
	defer e.clearCurrent()

	if err := applyRlimits(pid, rlimits); err != nil {
		active.log.WithError(err).Warn("Failed to apply resource limits")
	}
	if acct != nil {
		acct.AddV1Proc(pid)
	}

	limits := limitSet{
		softCpu: softCpu,
		hardCpu: hardCpu,
		wall:    resolveWallLimit(spec.WallTime(), hardCpu),
	}
	if limit := spec.MemoryLimit(); limit > 0 {
		limits.memory = uint64(limit)
	}
	mon := newMonitor(limits, e.interval, (&accountingSampler{acct: acct}).sampler(), started,
		active.killGracefully, active.killForcefully, term.set)
	mon.start()

	waitErr := cmd.Wait()
	wallTime := time.Since(started)
	mon.stop()

	// Sweep up anything the command left behind before reading the final
	// usage figures.
	active.killForcefully()

	result := &entities.RunResult{WallTime: wallTime}

	if acct != nil {
		if cpu, err := acct.CpuTime(); err == nil {
			result.CpuTime = cpu
		}
		result.CpuTimePerCore = acct.CpuTimePerCore()
		if peak, ok := acct.MemoryPeak(); ok {
			result.Memory = &peak
		}
	} else if state := cmd.ProcessState; state != nil {
		if rusage, ok := state.SysUsage().(*syscall.Rusage); ok {
			result.CpuTime = time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano())
		}
	}

	status, err := decodeStatus(cmd, waitErr)
	if err != nil {
		return nil, err
	}
	if e.sudo != nil {
		status = status.Elevated()
	}
	result.ExitStatus = status

	// The run may have finished on its own in the same instant a forceful
	// kill was dispatched. A clean exit proves the kill never landed, so
	// the reason does not apply.
	reason := term.get()
	if reason.Forceful() && status.Exited() {
		reason = ""
	}
	result.TerminationReason = reason

	if err := logFile.Close(); err != nil {
		active.log.WithError(err).Warn("Failed to close the log file")
	}
	if spec.MaxLogSize > 0 {
		if err := ReduceToLimit(spec.Output, spec.MaxLogSize); err != nil {
			active.log.WithError(err).Warn("Failed to reduce the log file")
		}
	}

	return result, nil
}

func rlimitRules(spec *entities.RunSpec) []*entities.RlimitConfig {
	if spec.Limits == nil {
		return nil
	}
	return spec.Limits.Rlimit
}

// decodeStatus extracts the raw wait status regardless of whether Wait
// reported an *exec.ExitError or success.
func decodeStatus(cmd *exec.Cmd, waitErr error) (entities.ExitStatus, error) {
	state := cmd.ProcessState
	if state == nil {
		return entities.ExitStatus{}, fmt.Errorf("The command finished without a process state: %w", waitErr)
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return entities.ExitStatus{}, fmt.Errorf("Unexpected wait status type %T", state.Sys())
	}
	return entities.StatusFromRaw(int(ws)), nil
}
