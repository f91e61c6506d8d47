// Package sandbox runs one subcase in a private temporary directory and
// reports what the program did: exit status, bounded output and the
// filesystem delta of the directory tree.
//
// The program sees only an allow-listed environment. It runs in its own
// process group, and the whole group is killed when the timeout expires or
// the caller cancels, so no process outlives Run.
package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"callcheck/internal/callspec"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultOutputLimit  = 1 << 20
	DefaultContentLimit = 1 << 20
	DefaultWaitDelay    = 500 * time.Millisecond
)

// Config tunes an Executor.
type Config struct {
	// Root is the parent of sandbox directories. Empty means os.TempDir().
	Root string
	// Timeout applies when the subcase sets none.
	Timeout      time.Duration
	OutputLimit  int
	ContentLimit int64
	// RetainOnFailure keeps every sandbox after Run; the caller discards
	// the ones whose outcome passed.
	RetainOnFailure bool
	// PassEnv lists host variables passed to every program.
	PassEnv []string
	// WaitDelay bounds the wait for output pipes after the program exits.
	WaitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	if c.ContentLimit <= 0 {
		c.ContentLimit = DefaultContentLimit
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultWaitDelay
	}
	return c
}

// Result is the observed behaviour of one run.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   Capture       `json:"stdout"`
	Stderr   Capture       `json:"stderr"`
	Delta    []Change      `json:"delta"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	// Dir is the retained sandbox root; empty once it has been removed.
	Dir string `json:"dir,omitempty"`
	// Mutable lists fixtures the program may modify, relative to the
	// working directory.
	Mutable []string `json:"-"`
}

// Executor runs subcases. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	cfg    Config
	logger *zap.Logger
	lookup func(string) (string, bool)
}

func NewExecutor(cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg.withDefaults(), logger: logger, lookup: os.LookupEnv}
}

// Run executes sc in a fresh sandbox. Setup and spawn failures are returned
// as *SetupError and *SpawnError; a timeout is a result with TimedOut set.
// When ctx is cancelled the process group is killed and ctx's error is
// returned. The sandbox is removed before Run returns unless the executor
// retains sandboxes and the run produced a result.
func (e *Executor) Run(ctx context.Context, sc *callspec.Subcase) (res *Result, err error) {
	if err := os.MkdirAll(e.root(), 0o755); err != nil {
		return nil, &SetupError{Op: "mkdir", Path: e.root(), Err: err}
	}
	dir, err := os.MkdirTemp(e.root(), "callcheck-*")
	if err != nil {
		return nil, &SetupError{Op: "mkdtemp", Path: e.root(), Err: err}
	}
	log := e.logger.With(zap.String("spec", sc.Spec), zap.Int("subcase", sc.Index), zap.String("dir", dir))

	keep := false
	defer func() {
		if keep {
			return
		}
		if rerr := removeAll(dir); rerr != nil {
			if err != nil {
				err = multierr.Append(err, rerr)
				return
			}
			log.Warn("sandbox cleanup failed", zap.Error(rerr))
		}
		if res != nil {
			res.Dir = ""
		}
	}()

	if err := materialize(dir, sc.Fixtures, sc.WorkDir); err != nil {
		return nil, err
	}
	workDir := filepath.Join(dir, filepath.Clean(sc.WorkDir))
	pre, err := TakeSnapshot(dir, workDir)
	if err != nil {
		return nil, &SetupError{Op: "snapshot", Path: dir, Err: err}
	}

	res, err = e.spawn(ctx, sc, workDir, log)
	if err != nil {
		return nil, err
	}

	post, err := TakeSnapshot(dir, workDir)
	if err != nil {
		return nil, &SetupError{Op: "snapshot", Path: dir, Err: err}
	}
	res.Delta = Diff(pre, post)
	if err := readContent(workDir, res.Delta, e.cfg.ContentLimit); err != nil {
		return nil, &SetupError{Op: "read", Path: dir, Err: err}
	}
	res.Mutable = mutablePaths(sc)
	res.Dir = dir
	keep = e.cfg.RetainOnFailure

	log.Debug("subcase ran",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
		zap.Int("changes", len(res.Delta)),
	)
	return res, nil
}

// Discard removes a retained sandbox.
func (e *Executor) Discard(res *Result) error {
	if res == nil || res.Dir == "" {
		return nil
	}
	err := removeAll(res.Dir)
	if err == nil {
		res.Dir = ""
	}
	return err
}

func (e *Executor) root() string {
	if e.cfg.Root != "" {
		return e.cfg.Root
	}
	return os.TempDir()
}

func (e *Executor) spawn(ctx context.Context, sc *callspec.Subcase, workDir string, log *zap.Logger) (*Result, error) {
	timeout := e.cfg.Timeout
	if sc.Timeout > 0 {
		timeout = sc.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The program is resolved against the host PATH; the child only sees
	// PATH when it is allow-listed.
	cmd := exec.CommandContext(runCtx, sc.Program, sc.Args...)
	cmd.Dir = workDir
	cmd.Env = e.environ(sc)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = e.cfg.WaitDelay

	stdout := newBoundedBuffer(e.cfg.OutputLimit)
	stderr := newBoundedBuffer(e.cfg.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Program: sc.Program, Err: err}
	}
	waitErr := cmd.Wait()
	duration := time.Since(start)
	// Background children of the program share its group.
	_ = killGroup(cmd.Process.Pid)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.capture(),
		Stderr:   stderr.capture(),
		Duration: duration,
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !res.TimedOut && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return nil, &SpawnError{Program: sc.Program, Err: waitErr}
	}
	if res.TimedOut {
		log.Info("subcase timed out", zap.Duration("timeout", timeout))
	}
	return res, nil
}

func killGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// environ builds the child environment: host values of the allow-listed
// keys, then the subcase's explicit values.
func (e *Executor) environ(sc *callspec.Subcase) []string {
	vars := map[string]string{}
	for _, list := range [][]string{e.cfg.PassEnv, sc.PassEnv} {
		for _, k := range list {
			if v, ok := e.lookup(k); ok {
				vars[k] = v
			}
		}
	}
	for k, v := range sc.Env {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func mutablePaths(sc *callspec.Subcase) []string {
	var out []string
	base := filepath.Join(".", sc.WorkDir)
	for _, f := range sc.Fixtures {
		if !f.Mutable {
			continue
		}
		rel, err := filepath.Rel(base, filepath.Clean(f.Path))
		if err != nil {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}
