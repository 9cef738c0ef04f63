// Package runtimeexec runs inference pipelines as child processes and
// captures what they print.
package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/platform/env"
)

const (
	DefaultSoftTimeout = 60 * time.Second
	DefaultHardTimeout = 120 * time.Second
	DefaultOutputLimit = 10 << 20
	defaultWaitDelay   = 2 * time.Second
)

// Config holds the invoker budgets. Per-pipeline and per-request values
// override the two timeouts.
type Config struct {
	// SoftTimeout settles a still-running pipeline as timed out. The process
	// keeps running until it exits or HardTimeout kills it.
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// AdvisorySoftTimeout only logs when the soft budget passes and waits
	// for the process.
	AdvisorySoftTimeout bool
	// OutputLimit bounds each captured stream in bytes.
	OutputLimit int
	// WaitDelay bounds how long pipes are drained after the process exits
	// or is killed.
	WaitDelay time.Duration
}

func ConfigFromEnv() (Config, error) {
	soft, err := env.Duration("MEDSCAN_SOFT_TIMEOUT", DefaultSoftTimeout)
	if err != nil {
		return Config{}, err
	}
	hard, err := env.Duration("MEDSCAN_HARD_TIMEOUT", DefaultHardTimeout)
	if err != nil {
		return Config{}, err
	}
	limitMiB, err := env.Int("MEDSCAN_OUTPUT_LIMIT_MIB", DefaultOutputLimit>>20)
	if err != nil {
		return Config{}, err
	}
	advisory, err := env.Bool("MEDSCAN_SOFT_TIMEOUT_ADVISORY", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		SoftTimeout:         soft,
		HardTimeout:         hard,
		AdvisorySoftTimeout: advisory,
		OutputLimit:         limitMiB << 20,
		WaitDelay:           defaultWaitDelay,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SoftTimeout <= 0 {
		return errors.New("MEDSCAN_SOFT_TIMEOUT must be positive")
	}
	if c.HardTimeout <= 0 {
		return errors.New("MEDSCAN_HARD_TIMEOUT must be positive")
	}
	if c.SoftTimeout > c.HardTimeout {
		return errors.New("MEDSCAN_SOFT_TIMEOUT must not exceed MEDSCAN_HARD_TIMEOUT")
	}
	if c.OutputLimit <= 0 {
		return errors.New("MEDSCAN_OUTPUT_LIMIT_MIB must be positive")
	}
	return nil
}

// Invoker launches pipelines as local child processes.
type Invoker struct {
	cfg      Config
	logger   *slog.Logger
	lookPath func(string) (string, error)
	now      func() time.Time
}

// NewInvoker validates cfg and returns an invoker that resolves executables
// on PATH.
func NewInvoker(cfg Config, logger *slog.Logger) (*Invoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Invoker{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		now:      time.Now,
	}, nil
}

// Budgets resolves the soft and hard budgets for one invocation. Request
// values win over pipeline values, which win over the invoker defaults.
func (i *Invoker) Budgets(spec domain.PipelineSpec, req domain.InvocationRequest) (time.Duration, time.Duration) {
	hard := firstPositive(req.HardTimeout, spec.HardTimeout, i.cfg.HardTimeout)
	soft := firstPositive(req.SoftTimeout, spec.SoftTimeout, i.cfg.SoftTimeout)
	if soft > hard {
		soft = hard
	}
	return soft, hard
}

// Invoke runs one pipeline against req.ImagePath. It never returns an error:
// every failure is described by the returned outcome. Unless the soft budget
// is advisory, Invoke returns a timeout outcome once it passes and leaves the
// process to the hard budget.
func (i *Invoker) Invoke(ctx context.Context, spec domain.PipelineSpec, req domain.InvocationRequest) domain.RawOutcome {
	out := domain.RawOutcome{Pipeline: spec.Name}

	if abs, err := filepath.Abs(spec.WorkingDir); err == nil {
		spec.WorkingDir = abs
	}
	executable, err := i.preflight(spec, req)
	if err != nil {
		out.Status = domain.ExitConfigError
		out.ExitCode = -1
		out.Detail = err.Error()
		i.logger.Warn("pipeline not launched", "pipeline", spec.Name, "error", out.Detail)
		return out
	}

	soft, hard := i.Budgets(spec, req)
	hardCtx, cancel := context.WithTimeout(ctx, hard)
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
		}
	}()

	args := make([]string, 0, len(spec.Args)+2)
	if spec.Script != "" {
		args = append(args, spec.ScriptPath())
	}
	args = append(args, spec.Args...)
	args = append(args, req.ImagePath)

	stdout := newCappedBuffer(i.cfg.OutputLimit)
	stderr := newCappedBuffer(i.cfg.OutputLimit)

	cmd := exec.CommandContext(hardCtx, executable, args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = commandEnv(spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = i.cfg.WaitDelay
	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return terminateCommandProcess(cmd) }

	start := i.now()
	if err := cmd.Start(); err != nil {
		out.Status = domain.ExitConfigError
		out.ExitCode = -1
		out.Detail = fmt.Sprintf("launch %s: %v", executable, err)
		i.logger.Warn("pipeline launch failed", "pipeline", spec.Name, "error", out.Detail)
		return out
	}
	i.logger.Info("pipeline started",
		"pipeline", spec.Name,
		"pid", cmd.Process.Pid,
		"soft_timeout", soft.String(),
		"hard_timeout", hard.String(),
	)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	softTimer := time.NewTimer(soft)
	defer softTimer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-softTimer.C:
		i.logger.Warn("pipeline exceeded soft time budget", "pipeline", spec.Name, "soft_timeout", soft.String())
		if !i.cfg.AdvisorySoftTimeout {
			handedOff = true
			go i.drain(spec.Name, done, cancel, start)
			out.Status = domain.ExitTimeout
			out.ExitCode = -1
			out.SoftTimedOut = true
			out.Duration = i.now().Sub(start)
			out.Detail = fmt.Sprintf("soft time budget %s exceeded; hard kill pending", soft)
			return out
		}
		waitErr = <-done
	}

	out.Duration = i.now().Sub(start)
	out.SoftTimedOut = out.Duration >= soft
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.StdoutTruncated = stdout.Truncated()
	out.StderrTruncated = stderr.Truncated()
	out.ExitCode = exitCode(cmd, waitErr)

	switch {
	case hardCtx.Err() != nil:
		out.Status = domain.ExitTimeout
		if ctx.Err() != nil {
			out.Detail = fmt.Sprintf("canceled: %v", ctx.Err())
		} else {
			out.Detail = fmt.Sprintf("hard time budget %s exceeded", hard)
		}
	case waitErr == nil:
		out.Status = domain.ExitSuccess
	default:
		out.Status = domain.ExitFailure
		out.Detail = waitErr.Error()
	}

	attrs := []any{
		"pipeline", spec.Name,
		"status", string(out.Status),
		"exit_code", out.ExitCode,
		"duration_ms", out.Duration.Milliseconds(),
		"stdout_bytes", stdout.Len(),
		"stderr_bytes", stderr.Len(),
	}
	if out.StdoutTruncated || out.StderrTruncated {
		attrs = append(attrs, "stdout_truncated", out.StdoutTruncated, "stderr_truncated", out.StderrTruncated)
	}
	if out.Status == domain.ExitSuccess {
		i.logger.Info("pipeline finished", attrs...)
	} else {
		i.logger.Warn("pipeline finished", attrs...)
	}
	return out
}

// drain waits for a process whose outcome was already settled on the soft
// budget. The hard budget or the caller's context still kills it.
func (i *Invoker) drain(pipeline string, done <-chan error, cancel context.CancelFunc, start time.Time) {
	defer cancel()
	err := <-done
	i.logger.Info("pipeline exited after settling on soft budget",
		"pipeline", pipeline,
		"duration_ms", i.now().Sub(start).Milliseconds(),
		"error", errString(err),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// preflight checks everything a launch depends on and returns the resolved
// executable path.
func (i *Invoker) preflight(spec domain.PipelineSpec, req domain.InvocationRequest) (string, error) {
	info, err := os.Stat(spec.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", spec.WorkingDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", spec.WorkingDir)
	}

	executable := spec.Executable
	if strings.ContainsRune(executable, os.PathSeparator) && !filepath.IsAbs(executable) {
		executable = filepath.Join(spec.WorkingDir, executable)
	}
	resolved, err := i.lookPath(executable)
	if err != nil {
		return "", fmt.Errorf("executable %s: %w", spec.Executable, err)
	}
	if resolved, err = filepath.Abs(resolved); err != nil {
		return "", fmt.Errorf("executable %s: %w", spec.Executable, err)
	}

	if spec.Script != "" {
		if err := requireFile(spec.ScriptPath()); err != nil {
			return "", fmt.Errorf("script: %w", err)
		}
	}
	for _, reqd := range spec.RequiredArtifacts {
		if !anyExists(spec.ArtifactPaths(reqd)) {
			return "", fmt.Errorf("model artifact missing: none of %s", strings.Join(reqd, ", "))
		}
	}
	if err := requireFile(req.ImagePath); err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	return resolved, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func anyExists(paths []string) bool {
	for _, p := range paths {
		if requireFile(p) == nil {
			return true
		}
	}
	return false
}

func commandEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		base = append(base, k+"="+extra[k])
	}
	return base
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
