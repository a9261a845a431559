// Package runner executes the external implementation CLI against a
// provisioned workspace and reports a structured result. All failure modes
// (non-zero exit, timeout, launch failure) come back as a Result, never as
// an error.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Minute

// Result holds the structured outcome of one CLI run.
type Result struct {
	Success         bool    `json:"success"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	TimedOut        bool    `json:"timed_out"`
}

// LogCallback receives each output line prefixed with its stream.
type LogCallback func(line string)

// Runner launches the implementation CLI.
type Runner struct {
	binPath string
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Runner for the CLI at binPath. A non-positive timeout falls
// back to the default.
func New(binPath string, timeout time.Duration, log *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{binPath: binPath, timeout: timeout, log: log}
}

// Run executes the CLI with --workspace and --task, streaming both output
// streams line-by-line to the log and the optional callback. The process is
// killed when the timeout elapses.
func (r *Runner) Run(ctx context.Context, workspacePath, taskFile string, cb LogCallback) *Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binPath, "--workspace", workspacePath, "--task", taskFile)
	cmd.Dir = workspacePath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.launchFailure(start, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.launchFailure(start, err)
	}

	if err := cmd.Start(); err != nil {
		return r.launchFailure(start, err)
	}

	var (
		wg       sync.WaitGroup
		outBuf   strings.Builder
		errBuf   strings.Builder
		outBufMu sync.Mutex
		errBufMu sync.Mutex
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.drain(stdout, "[stdout]", &outBuf, &outBufMu, cb)
	}()
	go func() {
		defer wg.Done()
		r.drain(stderr, "[stderr]", &errBuf, &errBufMu, cb)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	elapsed := time.Since(start).Seconds()

	result := &Result{
		Stdout:          outBuf.String(),
		Stderr:          errBuf.String(),
		DurationSeconds: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.ExitCode = -1
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr,
			fmt.Sprintf("process timed out after %s and was killed", r.timeout))
		r.log.Warn("implementation run timed out",
			slog.String("workspace", workspacePath),
			slog.Duration("timeout", r.timeout))
		return result
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = appendLine(result.Stderr, waitErr.Error())
		}
		result.Success = false
		return result
	}

	result.Success = true
	result.ExitCode = 0
	return result
}

// drain reads lines from one stream, forwarding each to the log, the
// callback, and the capture buffer.
func (r *Runner) drain(stream io.Reader, prefix string, buf *strings.Builder, mu *sync.Mutex, cb LogCallback) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		buf.WriteString(line)
		buf.WriteByte('\n')
		mu.Unlock()

		r.log.Info("cli output", slog.String("stream", prefix), slog.String("line", line))
		if cb != nil {
			cb(prefix + " " + line)
		}
	}
}

// launchFailure mirrors the timeout result shape: exit code -1 with the
// OS error in stderr.
func (r *Runner) launchFailure(start time.Time, err error) *Result {
	r.log.Error("failed to launch implementation cli",
		slog.String("bin", r.binPath),
		slog.String("error", err.Error()))
	return &Result{
		Success:         false,
		ExitCode:        -1,
		Stderr:          err.Error(),
		DurationSeconds: time.Since(start).Seconds(),
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
