// Package isolation runs untrusted scripts in a separate process with a
// scrubbed environment, a private scratch directory, a deadline and bounded
// output. Bindings are handed over as JSON on stdin and are read-only from
// the engine's point of view: nothing the script does can reach the run
// context except its stdout.
package isolation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultMaxOutputBytes = 1 << 20
	waitDelay             = 2 * time.Second
	defaultPath           = "PATH=/usr/local/bin:/usr/bin:/bin"
)

// Limits bound a single script execution.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
	// Env is the complete environment visible to the script.
	// The host environment is never inherited.
	Env   []string
	Paths PathRules
}

// Job is one script execution request.
type Job struct {
	// Interpreter is the argv prefix; the script file path is appended.
	Interpreter []string
	Source      string
	// FileName is the script file name inside the scratch dir (e.g. main.py).
	FileName string
	Bindings map[string]any
	// WorkDir, when set, must pass Limits.Paths. Defaults to the scratch dir.
	WorkDir string
}

// Result is the captured outcome of a script.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Killed   bool
	Duration time.Duration
}

// Isolator executes jobs out of process.
type Isolator interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// ProcessIsolator is the os/exec implementation of Isolator.
type ProcessIsolator struct {
	limits Limits
}

var _ Isolator = (*ProcessIsolator)(nil)

// NewProcessIsolator creates an isolator applying limits to every job.
func NewProcessIsolator(limits Limits) *ProcessIsolator {
	if limits.Timeout <= 0 {
		limits.Timeout = defaultTimeout
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = defaultMaxOutputBytes
	}
	if limits.Env == nil {
		limits.Env = []string{defaultPath}
	}
	return &ProcessIsolator{limits: limits}
}

// Limits returns the effective limits.
func (p *ProcessIsolator) Limits() Limits { return p.limits }

// Run writes the source to a private scratch directory and executes it. A
// non-zero exit is reported through Result.ExitCode, not as an error.
func (p *ProcessIsolator) Run(ctx context.Context, job Job) (*Result, error) {
	if len(job.Interpreter) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "script interpreter is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "convo-script-*")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeIsolation, "create scratch dir").WithCause(err)
	}
	defer os.RemoveAll(scratch)

	name := job.FileName
	if name == "" {
		name = "script"
	}
	scriptPath := filepath.Join(scratch, filepath.Base(name))
	if err := os.WriteFile(scriptPath, []byte(job.Source), 0o500); err != nil {
		return nil, schema.NewError(schema.ErrCodeIsolation, "write script").WithCause(err)
	}

	workDir := scratch
	if job.WorkDir != "" {
		if err := p.limits.Paths.Validate(job.WorkDir); err != nil {
			return nil, err
		}
		workDir = job.WorkDir
	}

	stdin, err := json.Marshal(bindingsOrEmpty(job.Bindings))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeIsolation, "encode bindings").WithCause(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.limits.Timeout)
	defer cancel()

	argv := append(append([]string{}, job.Interpreter[1:]...), scriptPath)
	cmd := exec.CommandContext(execCtx, job.Interpreter[0], argv...)
	cmd.Dir = workDir
	cmd.Env = append([]string{"HOME=" + scratch, "TMPDIR=" + scratch}, p.limits.Env...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: p.limits.MaxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: p.limits.MaxOutputBytes}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.Killed = true
		res.ExitCode = -1
		return res, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return nil, schema.NewErrorf(schema.ErrCodeIsolation, "start script: %v", runErr).WithCause(runErr)
	}
	res.ExitCode = exitErr.ExitCode()
	return res, nil
}

func bindingsOrEmpty(b map[string]any) map[string]any {
	if b == nil {
		return map[string]any{}
	}
	return b
}

// limitedWriter discards bytes beyond limit while reporting full writes so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
