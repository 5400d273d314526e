package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/hostbridge/internal/shared"
)

const (
	defaultTestTimeout = 5 * time.Minute
	maxTestTimeout     = time.Hour
	maxTestOutput      = 8 << 10

	// captureLimit bounds each stream while the process runs; the merged
	// result is cut to maxTestOutput afterwards.
	captureLimit = 4 * maxTestOutput
	truncated    = "\n... (truncated)"
)

var errEmptyCommand = errors.New("empty command")

// ExecResult is the outcome of one process run. A non-zero ExitCode is a
// test failure, not an executor error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs one test command.
type Executor interface {
	Exec(ctx context.Context, argv []string, workDir string, env []string) (ExecResult, error)
}

// HostExecutor runs commands as local processes.
type HostExecutor struct {
	// WaitDelay caps how long Exec waits on output pipes after the process
	// is killed. Zero means two seconds.
	WaitDelay time.Duration
}

func (h *HostExecutor) Exec(ctx context.Context, argv []string, workDir string, env []string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{ExitCode: -1}, errEmptyCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.WaitDelay = h.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	stdout := &cappedBuffer{limit: captureLimit}
	stderr := &cappedBuffer{limit: captureLimit}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, err
	}
}

// cappedBuffer keeps the first limit bytes written and drops the rest
// without failing the writer.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	cut   bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room < len(p) {
		c.cut = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.cut {
		return c.buf.String() + truncated
	}
	return c.buf.String()
}

// blockedPrograms may never be started by a test command, sandboxed or not.
var blockedPrograms = func() map[string]bool {
	set := make(map[string]bool)
	for _, p := range strings.Fields(`
		rm rmdir mkfs dd shred
		shutdown reboot halt poweroff
		kill killall pkill
		sudo su doas
		chmod chown`) {
		set[p] = true
	}
	return set
}()

func checkCommand(argv []string) error {
	if len(argv) == 0 {
		return errEmptyCommand
	}
	prog := strings.TrimSuffix(filepath.Base(argv[0]), ".exe")
	if blockedPrograms[prog] {
		return fmt.Errorf("command %q is on the deny list", prog)
	}
	return nil
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncated
}

// cleanOutput merges stdout and stderr for a result record, truncated and
// with secrets redacted.
func cleanOutput(res ExecResult) string {
	out := res.Stdout
	if res.Stderr != "" && out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return shared.Redact(truncateOutput(out+res.Stderr, maxTestOutput))
}
