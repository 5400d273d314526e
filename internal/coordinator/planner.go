package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/hostbridge/internal/config"
)

// ErrUnknownGoal is returned when no configured or built-in plan fits a goal.
var ErrUnknownGoal = errors.New("no plan for goal")

// Planner turns a goal string into an AgentPlan.
type Planner struct {
	plans map[string]AgentPlan
	order []string
}

// NewPlanner converts configured plans into validated AgentPlans.
func NewPlanner(configs []config.PlanConfig) (*Planner, error) {
	p := &Planner{plans: make(map[string]AgentPlan)}
	for _, pc := range configs {
		if pc.Name == "" {
			return nil, fmt.Errorf("plan has empty name")
		}
		if _, exists := p.plans[pc.Name]; exists {
			return nil, fmt.Errorf("duplicate plan name: %s", pc.Name)
		}

		plan := AgentPlan{
			Goal:  pc.Name,
			Name:  pc.Name,
			Steps: make([]Step, len(pc.Steps)),
			Constraints: Constraints{
				AllowDestructive: pc.AllowDestructive,
				StopOnError:      pc.StopOnError,
				BlockedTools:     pc.BlockedTools,
			},
		}
		for i, sc := range pc.Steps {
			risk, err := ParseRisk(sc.Risk)
			if err != nil {
				return nil, fmt.Errorf("plan %s step %d: %w", pc.Name, i, err)
			}
			id := sc.ID
			if id == "" {
				id = stepID(pc.Name, i)
			}
			plan.Steps[i] = Step{
				ID:          id,
				Tool:        sc.Tool,
				Params:      sc.Params,
				Risk:        risk,
				Description: sc.Description,
			}
		}
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		p.plans[pc.Name] = plan
		p.order = append(p.order, pc.Name)
	}
	return p, nil
}

// Names lists configured plans in config order.
func (p *Planner) Names() []string {
	return append([]string(nil), p.order...)
}

// Plan resolves goal. Configured plans match by exact name first; then the
// built-in goals are tried:
//
//	health                     health_check
//	status                     host_status
//	suites                     list_test_suites
//	jobs [status]              list_test_jobs
//	run tests <suite> [filter] run_tests (polled to completion)
//	batch <tool>[,<tool>...]   batch_execute with empty params
func (p *Planner) Plan(goal string) (AgentPlan, error) {
	goal = strings.TrimSpace(goal)
	if plan, ok := p.plans[goal]; ok {
		return plan, nil
	}

	fields := strings.Fields(goal)
	if len(fields) == 0 {
		return AgentPlan{}, fmt.Errorf("%w: empty goal", ErrUnknownGoal)
	}
	single := func(name string, step Step) AgentPlan {
		step.ID = stepID(name, 0)
		return AgentPlan{Goal: goal, Name: name, Steps: []Step{step}}
	}

	switch strings.ToLower(fields[0]) {
	case "health":
		return single("health", Step{Tool: "health_check", Risk: RiskLow, Description: "check the bridge is up"}), nil
	case "status":
		return single("status", Step{Tool: "host_status", Risk: RiskLow, Description: "read host loop counters"}), nil
	case "suites":
		return single("suites", Step{Tool: "list_test_suites", Risk: RiskLow}), nil
	case "jobs":
		step := Step{Tool: "list_test_jobs", Risk: RiskLow}
		if len(fields) > 1 {
			step.Params = map[string]any{"status": fields[1]}
		}
		return single("jobs", step), nil
	case "run":
		if len(fields) < 3 || strings.ToLower(fields[1]) != "tests" {
			break
		}
		params := map[string]any{"suite": fields[2]}
		if len(fields) > 3 {
			params["filter"] = strings.Join(fields[3:], " ")
		}
		return single("run-tests", Step{
			Tool:        "run_tests",
			Params:      params,
			Risk:        RiskMedium,
			Description: "run suite " + fields[2],
		}), nil
	case "batch":
		tools := strings.Split(strings.Join(fields[1:], ""), ",")
		ops := make([]any, 0, len(tools))
		for _, tool := range tools {
			if tool = strings.TrimSpace(tool); tool != "" {
				ops = append(ops, map[string]any{"tool": tool})
			}
		}
		if len(ops) == 0 {
			break
		}
		return single("batch", Step{
			Tool:   "batch_execute",
			Params: map[string]any{"operations": ops},
			Risk:   RiskLow,
		}), nil
	}
	return AgentPlan{}, fmt.Errorf("%w %q", ErrUnknownGoal, goal)
}
