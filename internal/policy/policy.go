// Package policy holds the operator's server-side rules from policy.yaml:
// which commands are refused and which directories test suites may run in.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Checker is consulted by the dispatcher and the test runner.
type Checker interface {
	AllowTool(name string) bool
	AllowPath(path string) bool
	PolicyVersion() string
}

type Policy struct {
	// DisabledTools are refused by name, case-insensitively, including
	// inside batches.
	DisabledTools []string `yaml:"disabled_tools"`
	// AllowPaths limits suite working directories. Empty allows any.
	AllowPaths []string `yaml:"allow_paths"`
}

// Default allows every command in every directory.
func Default() Policy { return Policy{} }

// Load reads path. A missing or empty file is the default policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Default(), nil
	case err != nil:
		return Policy{}, fmt.Errorf("read policy: %w", err)
	case len(strings.TrimSpace(string(data))) == 0:
		return Default(), nil
	}

	var p Policy
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

func (p Policy) Validate() error {
	for i, name := range p.DisabledTools {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("disabled_tools[%d] is empty", i)
		}
	}
	for i, dir := range p.AllowPaths {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("allow_paths[%d] is empty", i)
		}
	}
	return nil
}

func (p Policy) AllowTool(name string) bool {
	name = strings.TrimSpace(name)
	return !slices.ContainsFunc(p.DisabledTools, func(d string) bool {
		return strings.EqualFold(strings.TrimSpace(d), name)
	})
}

// AllowPath reports whether path lies inside one of AllowPaths after both
// sides are made absolute and symlinks are resolved.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	target, err := realPath(path)
	if err != nil {
		return false
	}
	for _, root := range p.AllowPaths {
		r, err := realPath(strings.TrimSpace(root))
		if err != nil {
			continue
		}
		if within(r, target) {
			return true
		}
	}
	return false
}

// PolicyVersion is a content hash. Tool order and case do not change it.
func (p Policy) PolicyVersion() string {
	tools := make([]string, 0, len(p.DisabledTools))
	for _, t := range p.DisabledTools {
		tools = append(tools, strings.ToLower(strings.TrimSpace(t)))
	}
	slices.Sort(tools)
	tools = slices.Compact(tools)

	h := sha256.New()
	for _, t := range tools {
		fmt.Fprintf(h, "tool:%s\n", t)
	}
	for _, dir := range p.AllowPaths {
		fmt.Fprintf(h, "path:%s\n", filepath.Clean(strings.TrimSpace(dir)))
	}
	return "policy-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// realPath makes path absolute and resolves symlinks. A path that does not
// exist yet is resolved through its parent.
func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// LivePolicy is the Checker the running bridge uses. Reloads swap the whole
// policy so readers never see a partial update.
type LivePolicy struct {
	cur  atomic.Pointer[Policy]
	path string
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	lp := &LivePolicy{path: path}
	lp.cur.Store(&initial)
	return lp
}

func (lp *LivePolicy) current() Policy { return *lp.cur.Load() }

func (lp *LivePolicy) AllowTool(name string) bool { return lp.current().AllowTool(name) }
func (lp *LivePolicy) AllowPath(path string) bool { return lp.current().AllowPath(path) }
func (lp *LivePolicy) PolicyVersion() string      { return lp.current().PolicyVersion() }

// Policy returns the active rules.
func (lp *LivePolicy) Policy() Policy { return lp.current() }

// Path is the file the policy was loaded from.
func (lp *LivePolicy) Path() string { return lp.path }

// Swap installs p after validating it and returns the previous policy.
func (lp *LivePolicy) Swap(p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return lp.current(), err
	}
	return *lp.cur.Swap(&p), nil
}

// ReloadFromFile replaces lp's rules with the file at path. On any error the
// active policy is kept.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return errors.New("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	_, err = lp.Swap(p)
	return err
}
