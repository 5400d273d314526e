// Package coordinator runs multi-step command plans against a bridge on
// behalf of an agent, applying client-side policy and polling asynchronous
// jobs until they finish.
package coordinator

import (
	"fmt"
	"strings"
)

// Risk is a step's declared blast radius.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk accepts the three levels case-insensitively. Empty means low.
func ParseRisk(s string) (Risk, error) {
	switch r := Risk(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RiskLow, nil
	case RiskLow, RiskMedium, RiskHigh:
		return r, nil
	}
	return "", fmt.Errorf("unknown risk %q", s)
}

// Step is one command of a plan. ID is unique within its plan and is
// assigned by the Planner.
type Step struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Risk        Risk           `json:"risk"`
	Description string         `json:"description,omitempty"`
}

// Constraints are client-side limits a plan carries with it. Execute merges
// them with the executor's Options.
type Constraints struct {
	AllowDestructive bool     `json:"allowDestructive,omitempty"`
	StopOnError      bool     `json:"stopOnError,omitempty"`
	BlockedTools     []string `json:"blockedTools,omitempty"`
}

// AgentPlan is an ordered list of steps built for a goal.
type AgentPlan struct {
	Goal        string      `json:"goal"`
	Name        string      `json:"name"`
	Steps       []Step      `json:"steps"`
	Constraints Constraints `json:"constraints"`
}

// stepID names the n-th (zero-based) step of plan.
func stepID(plan string, n int) string {
	return fmt.Sprintf("%s-%d", plan, n+1)
}

// Validate checks that the plan is well-formed.
func (p AgentPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("plan %q step %d: duplicate id %q", p.Name, i, s.ID)
			}
			seen[s.ID] = true
		}
		if strings.TrimSpace(s.Tool) == "" {
			return fmt.Errorf("plan %q step %d: empty tool", p.Name, i)
		}
		if _, err := ParseRisk(string(s.Risk)); err != nil {
			return fmt.Errorf("plan %q step %d: %w", p.Name, i, err)
		}
	}
	return nil
}
