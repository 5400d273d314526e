package policy_test

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hostbridge/internal/policy"
)

func writePolicy(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingOrEmptyIsDefault(t *testing.T) {
	dir := t.TempDir()
	for _, path := range []string{"", filepath.Join(dir, "absent.yaml"), writePolicy(t, dir, "\n  \n")} {
		p, err := policy.Load(path)
		require.NoError(t, err, path)
		assert.Equal(t, policy.Default().PolicyVersion(), p.PolicyVersion(), path)
		assert.True(t, p.AllowTool("batch_execute"))
		assert.True(t, p.AllowPath("/srv/anything"))
	}
}

func TestLoad_DisabledToolsCaseInsensitive(t *testing.T) {
	p, err := policy.Load(writePolicy(t, t.TempDir(), "disabled_tools:\n  - Run_Tests\n"))
	require.NoError(t, err)
	assert.False(t, p.AllowTool("run_tests"))
	assert.False(t, p.AllowTool(" RUN_TESTS "))
	assert.True(t, p.AllowTool("get_test_job"))
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty tool":   "disabled_tools:\n  - \"  \"\n",
		"empty path":   "allow_paths:\n  - \"\"\n",
		"unknown key":  "disabled_tool:\n  - run_tests\n",
		"not yaml map": "- run_tests\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := policy.Load(writePolicy(t, t.TempDir(), body))
			assert.Error(t, err)
		})
	}
}

func TestPolicyVersion_Stable(t *testing.T) {
	a := policy.Policy{DisabledTools: []string{"run_tests", "Batch_Execute"}}
	b := policy.Policy{DisabledTools: []string{"batch_execute", "RUN_TESTS", "run_tests"}}
	c := policy.Policy{DisabledTools: []string{"run_tests"}}
	assert.Equal(t, a.PolicyVersion(), b.PolicyVersion())
	assert.NotEqual(t, a.PolicyVersion(), c.PolicyVersion())
	assert.Regexp(t, `^policy-[0-9a-f]{12}$`, a.PolicyVersion())
}

func TestAllowPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "suite", "unit"), 0o755))
	p := policy.Policy{AllowPaths: []string{root}}

	assert.True(t, p.AllowPath(root))
	assert.True(t, p.AllowPath(filepath.Join(root, "suite", "unit")))
	assert.True(t, p.AllowPath(filepath.Join(root, "not-created-yet")))
	assert.False(t, p.AllowPath(filepath.Join(root, "..", "elsewhere")))
	assert.False(t, p.AllowPath(root+"-sibling"))
	assert.False(t, p.AllowPath("/etc"))
}

func TestAllowPath_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	p := policy.Policy{AllowPaths: []string{root}}
	assert.False(t, p.AllowPath(link), "symlink out of an allowed root must be refused")
}

func TestReloadFromFile_InvalidKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "disabled_tools: [run_tests]\n")
	initial, err := policy.Load(path)
	require.NoError(t, err)
	live := policy.NewLivePolicy(initial, path)
	before := live.PolicyVersion()

	writePolicy(t, dir, "disabled_tools: [\"\"]\n")
	require.Error(t, policy.ReloadFromFile(live, path))
	assert.Equal(t, before, live.PolicyVersion())
	assert.False(t, live.AllowTool("run_tests"))

	writePolicy(t, dir, "disabled_tools: [batch_execute]\n")
	require.NoError(t, policy.ReloadFromFile(live, path))
	assert.NotEqual(t, before, live.PolicyVersion())
	assert.True(t, live.AllowTool("run_tests"))
	assert.False(t, live.AllowTool("batch_execute"))
	assert.Equal(t, path, live.Path())
}

func TestReloadFromFile_NilLivePolicy(t *testing.T) {
	assert.Error(t, policy.ReloadFromFile(nil, "policy.yaml"))
}

func TestLivePolicy_SwapValidates(t *testing.T) {
	live := policy.NewLivePolicy(policy.Policy{DisabledTools: []string{"a"}}, "")
	prev, err := live.Swap(policy.Policy{DisabledTools: []string{""}})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, prev.DisabledTools)

	prev, err = live.Swap(policy.Policy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, prev.DisabledTools)
	assert.Empty(t, live.Policy().DisabledTools)
}

func TestLivePolicy_ConcurrentReadsDuringSwap(t *testing.T) {
	live := policy.NewLivePolicy(policy.Default(), "")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = live.AllowTool("run_tests")
				_ = live.PolicyVersion()
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_, _ = live.Swap(policy.Policy{DisabledTools: []string{"run_tests"}})
		_, _ = live.Swap(policy.Default())
	}
	wg.Wait()
}
