package config

// StarterSuites returns the sample suites written into config.yaml on first run.
func StarterSuites() []SuiteConfig {
	return []SuiteConfig{
		{
			Name: "smoke",
			Dir:  ".",
			Tests: []TestCaseConfig{
				{Name: "toolchain", Command: []string{"go", "version"}, TimeoutSec: 30},
				{Name: "env", Command: []string{"go", "env", "GOPATH"}, TimeoutSec: 30},
				{Name: "lint", Command: []string{"golangci-lint", "run"}, Skip: true, TimeoutSec: 300},
			},
		},
		{
			Name: "unit",
			Dir:  ".",
			Tests: []TestCaseConfig{
				{Name: "go-test", Command: []string{"go", "test", "./..."}, TimeoutSec: 600},
			},
		},
	}
}
