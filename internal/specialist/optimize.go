package specialist

import (
	"context"
	"encoding/json"
)

// Optimization strategies.
const (
	StrategySimplify = "simplify"
	StrategyAdjust   = "adjust"
	StrategyRefine   = "refine"
	StrategyEnhance  = "enhance"
)

// OptimizeInput is the request payload of the optimize specialist. An
// empty plan is replaced by a general template before optimizing.
type OptimizeInput struct {
	Plan    Plan    `json:"plan"`
	Metrics Metrics `json:"metrics"`
}

// Optimization is the optimize specialist's output.
type Optimization struct {
	Strategy  string `json:"strategy"`
	Rationale string `json:"rationale"`
	Plan      Plan   `json:"plan"`
}

// ChooseStrategy maps a completion rate to a strategy.
func ChooseStrategy(completionRate float64) string {
	switch {
	case completionRate < 40:
		return StrategySimplify
	case completionRate < 70:
		return StrategyAdjust
	case completionRate >= 85:
		return StrategyEnhance
	default:
		return StrategyRefine
	}
}

// Optimize applies the strategy for the metrics to a copy of the plan
// and bumps its revision.
func Optimize(in OptimizeInput) (Optimization, error) {
	plan := clonePlan(in.Plan)
	if plan.Empty() {
		p, err := TemplatePlan(Profile{Goal: in.Plan.Goal})
		if err != nil {
			return Optimization{}, err
		}
		plan = p
	}

	strategy := ChooseStrategy(in.Metrics.CompletionRate)
	meta := &OptimizationMeta{Strategy: strategy}
	var rationale string

	switch strategy {
	case StrategySimplify:
		scaleDurations(&plan, 0.75, 15, true)
		meta.Factor = 0.75
		meta.Reason = "low completion rate"
		rationale = "Completion is well below target. Shortening every task to rebuild momentum."
	case StrategyAdjust:
		scaleDurations(&plan, 0.85, 20, false)
		meta.Factor = 0.85
		meta.Reason = "moderate completion gap"
		rationale = "Completion is below target. Reducing workload slightly."
	case StrategyEnhance:
		for i := range plan.Schedule {
			if len(plan.Schedule[i].Days) >= 5 {
				d := &plan.Schedule[i].Days[4]
				d.Tasks = append(d.Tasks, PlanTask{
					Task:            "Advanced challenge: apply the week's material to a complex scenario",
					DurationMinutes: 90,
					Priority:        "high",
					Type:            "challenge",
					Objective:       "Extend understanding through advanced application",
				})
			}
		}
		meta.Reason = "excellent completion"
		rationale = "Completion is excellent. Adding a weekly challenge."
	default:
		meta.Reason = "good completion"
		rationale = "Completion is good. Keeping the plan with minor refinements."
	}

	plan.Optimization = meta
	plan.Revision++
	return Optimization{Strategy: strategy, Rationale: rationale, Plan: plan}, nil
}

func scaleDurations(p *Plan, factor float64, floor int, mark bool) {
	for i := range p.Schedule {
		for j := range p.Schedule[i].Days {
			tasks := p.Schedule[i].Days[j].Tasks
			for k := range tasks {
				tasks[k].DurationMinutes = max(floor, int(float64(tasks[k].DurationMinutes)*factor))
				if mark {
					tasks[k].Simplified = true
				}
			}
		}
	}
}

// clonePlan deep-copies p through its JSON form.
func clonePlan(p Plan) Plan {
	data, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	return out
}

func optimizeHandler() Handler {
	return typed(KindOptimize, func(_ context.Context, _ string, in OptimizeInput) (Optimization, error) {
		return Optimize(in)
	})
}
