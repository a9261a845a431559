package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available on windows")
	}
	path := filepath.Join(t.TempDir(), "cli.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestRunSuccess(t *testing.T) {
	bin := writeScript(t, `echo "workspace=$2 task=$4"
echo "done"
`)
	r := New(bin, time.Minute, nil)
	col := &lineCollector{}

	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", col.add)

	assert.True(t, res.Success)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Stdout, "task=/tmp/task.md")
	assert.Contains(t, res.Stdout, "done")
	assert.GreaterOrEqual(t, res.DurationSeconds, 0.0)
	assert.Contains(t, col.all(), "[stdout] done")
}

func TestRunPassesWorkspaceAndTaskFlags(t *testing.T) {
	bin := writeScript(t, `echo "$1 $3"`)
	r := New(bin, time.Minute, nil)

	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", nil)

	assert.True(t, res.Success)
	assert.Contains(t, res.Stdout, "--workspace --task")
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeScript(t, `echo "partial work"
echo "boom" >&2
exit 3
`)
	r := New(bin, time.Minute, nil)
	col := &lineCollector{}

	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", col.add)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "partial work")
	assert.Contains(t, res.Stderr, "boom")
	assert.Contains(t, col.all(), "[stderr] boom")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	bin := writeScript(t, `echo "starting"
sleep 30
`)
	r := New(bin, 200*time.Millisecond, nil)

	start := time.Now()
	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", nil)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Stderr, "timed out")
	assert.GreaterOrEqual(t, res.DurationSeconds, 0.2)
}

func TestRunMissingBinary(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "no-such-cli"), time.Minute, nil)

	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", nil)

	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.NotEmpty(t, res.Stderr)
}

func TestRunInterleavedStreams(t *testing.T) {
	bin := writeScript(t, `echo "out1"
echo "err1" >&2
echo "out2"
`)
	r := New(bin, time.Minute, nil)
	col := &lineCollector{}

	res := r.Run(context.Background(), t.TempDir(), "/tmp/task.md", col.add)

	assert.True(t, res.Success)
	lines := col.all()
	assert.Contains(t, lines, "[stdout] out1")
	assert.Contains(t, lines, "[stdout] out2")
	assert.Contains(t, lines, "[stderr] err1")
}

func TestZeroTimeoutUsesDefault(t *testing.T) {
	r := New("/usr/bin/true", 0, nil)
	assert.Equal(t, defaultTimeout, r.timeout)
}
