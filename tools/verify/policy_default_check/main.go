// Command policy_default_check prints one name=value line per policy
// property a fresh install depends on, then a VERDICT line.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/hostbridge/internal/policy"
)

type check struct {
	name string
	got  bool
	want bool
}

func main() {
	dir, err := os.MkdirTemp("", "hostbridge-policy-check-*")
	if err != nil {
		fatal("mktemp", err)
	}
	defer os.RemoveAll(dir)

	checks, err := run(dir)
	if err != nil {
		fatal("setup", err)
	}
	pass := true
	for _, c := range checks {
		fmt.Printf("%s=%v\n", c.name, c.got)
		if c.got != c.want {
			pass = false
		}
	}
	if !pass {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(dir string) ([]check, error) {
	fresh, err := policy.Load(filepath.Join(dir, "never-written.yaml"))
	if err != nil {
		return nil, err
	}
	checks := []check{
		{"fresh_allows_run_tests", fresh.AllowTool("run_tests"), true},
		{"fresh_allows_batch_execute", fresh.AllowTool("batch_execute"), true},
		{"fresh_allows_any_suite_dir", fresh.AllowPath("/srv/project"), true},
	}

	path := filepath.Join(dir, "policy.yaml")
	body := fmt.Sprintf("disabled_tools: [run_tests]\nallow_paths: [%q]\n", dir)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, err
	}
	loaded, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	live := policy.NewLivePolicy(loaded, path)
	version := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("disabled_tools: [\"\"]\n"), 0o644); err != nil {
		return nil, err
	}
	reloadErr := policy.ReloadFromFile(live, path)

	return append(checks,
		check{"bad_reload_rejected", reloadErr != nil, true},
		check{"bad_reload_keeps_version", live.PolicyVersion() == version, true},
		check{"run_tests_still_disabled", live.AllowTool("RUN_TESTS"), false},
		check{"other_tools_allowed", live.AllowTool("get_test_job"), true},
		check{"suite_dir_inside_root", live.AllowPath(filepath.Join(dir, "suite")), true},
		check{"suite_dir_outside_root", live.AllowPath("/etc"), false},
	), nil
}

func fatal(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
