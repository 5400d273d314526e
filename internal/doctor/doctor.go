package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/gateway"
	"github.com/basket/hostbridge/internal/persistence"
	"github.com/basket/hostbridge/internal/policy"
	"github.com/basket/hostbridge/internal/tools"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkListeners,
		checkSuites,
		checkSandbox,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run hostbridge serve once to write it)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, persistence.DBFile)
	store, err := persistence.Open(path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	rows, err := store.SummarizeAudit(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	var total int64
	for _, r := range rows {
		total += r.Count
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema v%d, %d audit rows", version, total), Detail: path}
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "policy.yaml")
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Invalid policy: %v", err), Detail: path}
	}
	msg := "No commands disabled"
	if len(p.DisabledTools) > 0 {
		msg = fmt.Sprintf("Disabled: %s", strings.Join(p.DisabledTools, ", "))
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: msg, Detail: "version " + p.PolicyVersion()}
}

// checkListeners probes both listener addresses. An address in use usually
// means a bridge is already running, which is not an error.
func checkListeners(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listeners", Status: "SKIP", Message: "Config missing"}
	}
	status := "PASS"
	var details []string
	for _, l := range []struct{ name, addr string }{
		{"http", cfg.HTTPAddr()},
		{"stream", cfg.StreamAddr()},
	} {
		ln, err := net.Listen("tcp", l.addr)
		switch {
		case err == nil:
			ln.Close()
			details = append(details, fmt.Sprintf("%s %s: free", l.name, l.addr))
		case gateway.IsAddrInUse(err):
			if status == "PASS" {
				status = "WARN"
			}
			details = append(details, fmt.Sprintf("%s %s: in use", l.name, l.addr))
		default:
			status = "FAIL"
			details = append(details, fmt.Sprintf("%s %s: %v", l.name, l.addr, err))
		}
	}
	return CheckResult{
		Name:    "Listeners",
		Status:  status,
		Message: fmt.Sprintf("Checked %d addresses", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkSuites(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Suites", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Suites) == 0 {
		return CheckResult{Name: "Suites", Status: "WARN", Message: "No test suites configured"}
	}
	var problems []string
	tests := 0
	for _, s := range cfg.Suites {
		if s.Dir != "" {
			if info, err := os.Stat(s.Dir); err != nil || !info.IsDir() {
				problems = append(problems, fmt.Sprintf("%s: dir %s missing", s.Name, s.Dir))
			}
		}
		for _, tc := range s.Tests {
			tests++
			if tc.Skip || len(tc.Command) == 0 || cfg.Sandbox.Enabled {
				continue
			}
			if _, err := exec.LookPath(tc.Command[0]); err != nil {
				problems = append(problems, fmt.Sprintf("%s/%s: %s not found", s.Name, tc.Name, tc.Command[0]))
			}
		}
	}
	res := CheckResult{
		Name:    "Suites",
		Status:  "PASS",
		Message: fmt.Sprintf("%d suites, %d tests", len(cfg.Suites), tests),
	}
	if len(problems) > 0 {
		res.Status = "WARN"
		res.Detail = strings.Join(problems, "; ")
	}
	return res
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Sandbox.Enabled {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Sandbox disabled"}
	}
	sb, err := tools.NewDockerSandbox(cfg.Sandbox)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: err.Error()}
	}
	defer sb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sb.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "Docker daemon unreachable", Detail: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("Docker reachable, image %s", cfg.Sandbox.Image)}
}
