package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/jobs"
	"github.com/basket/hostbridge/internal/policy"
)

// scriptedExecutor answers by the first argv element.
type scriptedExecutor struct {
	mu      sync.Mutex
	results map[string]ExecResult
	errs    map[string]error
	block   map[string]bool
	calls   []string
	dirs    []string
	envs    [][]string
}

func (s *scriptedExecutor) Exec(ctx context.Context, argv []string, dir string, env []string) (ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, argv[0])
	s.dirs = append(s.dirs, dir)
	s.envs = append(s.envs, env)
	res, err, block := s.results[argv[0]], s.errs[argv[0]], s.block[argv[0]]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ExecResult{ExitCode: -1}, ctx.Err()
	}
	return res, err
}

func (s *scriptedExecutor) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testSuite() config.SuiteConfig {
	return config.SuiteConfig{
		Name: "smoke",
		Env:  map[string]string{"B": "2", "A": "1"},
		Tests: []config.TestCaseConfig{
			{Name: "build", Command: []string{"build"}},
			{Name: "unit", Command: []string{"unit"}},
			{Name: "lint", Command: []string{"lint"}, Skip: true},
			{Name: "vet", Command: []string{"vet"}},
		},
	}
}

func runToEnd(t *testing.T, exec Executor, pol policy.Checker, req RunRequest) jobs.Snapshot {
	t.Helper()
	reg := jobs.NewRegistry(nil, nil)
	r := NewRunner(context.Background(), RunnerOptions{Executor: exec, Policy: pol})
	job := reg.Create("tests", nil)
	r.Start(job, req)
	r.Wait()
	return job.Snapshot()
}

func TestRunner_ClassifiesExitCodes(t *testing.T) {
	exec := &scriptedExecutor{results: map[string]ExecResult{
		"build": {Stdout: "ok"},
		"unit":  {Stdout: "FAIL", ExitCode: 1},
		"vet":   {},
	}}
	s := runToEnd(t, exec, nil, RunRequest{Suite: testSuite()})

	assert.Equal(t, jobs.StatusCompleted, s.Status)
	assert.Equal(t, 4, s.TotalCount)
	assert.Equal(t, 4, s.CompletedCount)
	assert.Equal(t, 2, s.PassedCount)
	assert.Equal(t, 1, s.FailedCount)
	assert.Equal(t, 1, s.SkippedCount)
	require.Len(t, s.Results, 4)
	assert.Equal(t, "exit code 1", s.Results[1].Message)
	assert.Equal(t, "FAIL", s.Results[1].Output)
	assert.Equal(t, jobs.Skipped, s.Results[2].Status)
	assert.Equal(t, []string{"build", "unit", "vet"}, exec.called())
	assert.Equal(t, []string{"A=1", "B=2"}, exec.envs[0])
}

func TestRunner_FilterSelectsByName(t *testing.T) {
	exec := &scriptedExecutor{}
	s := runToEnd(t, exec, nil, RunRequest{Suite: testSuite(), Filter: "un"})
	assert.Equal(t, jobs.StatusCompleted, s.Status)
	assert.Equal(t, 1, s.TotalCount)
	assert.Equal(t, []string{"unit"}, exec.called())
}

func TestRunner_ExecutorErrorFailsJob(t *testing.T) {
	exec := &scriptedExecutor{errs: map[string]error{"unit": errors.New("docker daemon unreachable")}}
	s := runToEnd(t, exec, nil, RunRequest{Suite: testSuite()})

	assert.Equal(t, jobs.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "docker daemon unreachable")
	assert.Equal(t, 1, s.CompletedCount)
	assert.Equal(t, []string{"build", "unit"}, exec.called())
}

func TestRunner_TimeoutFailsOnlyThatTest(t *testing.T) {
	exec := &scriptedExecutor{block: map[string]bool{"unit": true}}
	s := runToEnd(t, exec, nil, RunRequest{Suite: testSuite(), Timeout: 20 * time.Millisecond})

	assert.Equal(t, jobs.StatusCompleted, s.Status)
	require.Len(t, s.Results, 4)
	assert.Equal(t, jobs.Failed, s.Results[1].Status)
	assert.Equal(t, "timed out after 20ms", s.Results[1].Message)
	assert.Equal(t, 2, s.PassedCount)
}

func TestRunner_DenyListedCommandFailsJob(t *testing.T) {
	suite := config.SuiteConfig{Name: "bad", Tests: []config.TestCaseConfig{{Name: "wipe", Command: []string{"/bin/rm", "-rf", "x"}}}}
	exec := &scriptedExecutor{}
	s := runToEnd(t, exec, nil, RunRequest{Suite: suite})

	assert.Equal(t, jobs.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "deny list")
	assert.Empty(t, exec.called())
}

func TestRunner_DirectoryOutsidePolicyFailsJob(t *testing.T) {
	suite := testSuite()
	suite.Dir = t.TempDir()
	pol := policy.Policy{AllowPaths: []string{t.TempDir()}}
	exec := &scriptedExecutor{}
	s := runToEnd(t, exec, pol, RunRequest{Suite: suite})

	assert.Equal(t, jobs.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "not allowed by policy")
	assert.Empty(t, exec.called())
}

func TestRunner_StopCancelsRun(t *testing.T) {
	exec := &scriptedExecutor{block: map[string]bool{"build": true}}
	reg := jobs.NewRegistry(nil, nil)
	r := NewRunner(context.Background(), RunnerOptions{Executor: exec})
	job := reg.Create("tests", nil)
	r.Start(job, RunRequest{Suite: testSuite()})

	require.Eventually(t, func() bool { return len(exec.called()) == 1 }, 2*time.Second, time.Millisecond)
	r.Stop()

	s := job.Snapshot()
	assert.Equal(t, jobs.StatusFailed, s.Status)
	assert.True(t, strings.HasPrefix(s.Error, "test run cancelled"), s.Error)
}

func TestHostExecutor_ExitCodeAndOutput(t *testing.T) {
	h := &HostExecutor{}
	res, err := h.Exec(context.Background(), []string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}, t.TempDir(), []string{"HB_TEST=1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "out\nerr\n", cleanOutput(res))

	res, err = h.Exec(context.Background(), []string{"sh", "-c", "echo $HB_TEST"}, "", []string{"HB_TEST=42"})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
}

func TestHostExecutor_DeadlineAndMissingBinary(t *testing.T) {
	h := &HostExecutor{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Exec(ctx, []string{"sleep", "5"}, "", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.Exec(context.Background(), []string{"hostbridge-no-such-binary"}, "", nil)
	assert.Error(t, err)

	_, err = h.Exec(context.Background(), nil, "", nil)
	assert.Error(t, err)
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "hello", truncateOutput("hello", 100))

	got := truncateOutput(strings.Repeat("a", 100), 50)
	assert.Equal(t, strings.Repeat("a", 50)+"\n... (truncated)", got)
}

func TestCappedBuffer_KeepsPrefix(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	for _, chunk := range []string{"abc", "def", "ghi"} {
		n, err := b.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	assert.Equal(t, "abcde\n... (truncated)", b.String())

	exact := &cappedBuffer{limit: 3}
	_, _ = exact.Write([]byte("abc"))
	assert.Equal(t, "abc", exact.String())
}

func TestCheckCommand(t *testing.T) {
	for _, argv := range [][]string{{"rm", "-rf", "/"}, {"/usr/bin/sudo", "id"}, {"kill.exe"}} {
		assert.ErrorContains(t, checkCommand(argv), "deny list", argv)
	}
	assert.ErrorIs(t, checkCommand(nil), errEmptyCommand)
	assert.NoError(t, checkCommand([]string{"go", "test", "./..."}))
}

func TestTestTimeout(t *testing.T) {
	assert.Equal(t, defaultTestTimeout, testTimeout(config.TestCaseConfig{}, 0))
	assert.Equal(t, 10*time.Second, testTimeout(config.TestCaseConfig{TimeoutSec: 10}, 0))
	assert.Equal(t, 2*time.Second, testTimeout(config.TestCaseConfig{TimeoutSec: 10}, 2*time.Second))
	assert.Equal(t, maxTestTimeout, testTimeout(config.TestCaseConfig{TimeoutSec: 99999}, 0))
}
