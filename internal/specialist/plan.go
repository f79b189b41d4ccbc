package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/nugget/planwright/internal/fault"
)

// Plan types.
const (
	PlanSoftware = "software_development"
	PlanStudy    = "study_preparation"
	PlanResearch = "research_project"
	PlanGeneral  = "general_learning"
)

// MaxPlanWeeks bounds a generated plan.
const MaxPlanWeeks = 52

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

type planTemplate struct {
	weeks      int
	phases     []string
	dailyHours [2]float64
}

var planTemplates = map[string]planTemplate{
	PlanSoftware: {weeks: 4, phases: []string{"Planning", "Development", "Testing", "Deployment"}, dailyHours: [2]float64{2, 6}},
	PlanStudy:    {weeks: 6, phases: []string{"Foundation", "Practice", "Review", "Mock Tests"}, dailyHours: [2]float64{1, 4}},
	PlanResearch: {weeks: 8, phases: []string{"Literature Review", "Methodology", "Execution", "Analysis", "Writing"}, dailyHours: [2]float64{2, 5}},
	PlanGeneral:  {weeks: 4, phases: []string{"Introduction", "Deep Dive", "Application", "Mastery"}, dailyHours: [2]float64{1, 3}},
}

// Profile is the request payload of the plan specialist.
type Profile struct {
	Goal         string   `json:"goal"`
	Subjects     []string `json:"subjects,omitempty"`
	Weeks        int      `json:"weeks,omitempty"`
	HoursPerWeek float64  `json:"hours_per_week,omitempty"`
}

// Plan is a multi-week activity plan.
type Plan struct {
	Type         string            `json:"plan_type"`
	Goal         string            `json:"goal,omitempty"`
	Weeks        int               `json:"weeks"`
	HoursPerWeek float64           `json:"hours_per_week"`
	Schedule     []Week            `json:"schedule"`
	Revision     int               `json:"revision"`
	Optimization *OptimizationMeta `json:"optimization"`
}

// Week is one week of a plan.
type Week struct {
	Number int    `json:"week"`
	Theme  string `json:"theme"`
	Days   []Day  `json:"days"`
}

// Day lists the tasks scheduled for one weekday.
type Day struct {
	Name  string     `json:"day"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is a scheduled activity.
type PlanTask struct {
	Task            string `json:"task"`
	DurationMinutes int    `json:"duration_minutes"`
	Priority        string `json:"priority"`
	Type            string `json:"type,omitempty"`
	Objective       string `json:"objective,omitempty"`
	Simplified      bool   `json:"simplified,omitempty"`
}

// OptimizationMeta records the last optimization applied to a plan.
type OptimizationMeta struct {
	Strategy string  `json:"strategy"`
	Factor   float64 `json:"factor,omitempty"`
	Reason   string  `json:"reason"`
}

// Empty reports whether the plan has no schedule.
func (p Plan) Empty() bool {
	return len(p.Schedule) == 0
}

// PlanFromMap converts a folded plan object back into a Plan.
func PlanFromMap(m map[string]any) (Plan, error) {
	var p Plan
	if len(m) == 0 {
		return p, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return p, fmt.Errorf("encode plan state: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode plan state: %w", err)
	}
	return p, nil
}

// PlanType picks a template from the profile's goal and subjects.
func PlanType(p Profile) string {
	goal := strings.ToLower(p.Goal)
	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(goal, w) {
				return true
			}
		}
		return false
	}
	switch {
	case containsAny("software", "code", "develop", "program"):
		return PlanSoftware
	case containsAny("exam", "test", "study", "learn"):
		return PlanStudy
	case containsAny("research", "paper", "thesis"):
		return PlanResearch
	}
	for _, s := range p.Subjects {
		switch strings.ToLower(s) {
		case "math", "science", "history", "language":
			return PlanStudy
		}
	}
	return PlanGeneral
}

// TemplatePlan builds a plan from the profile. Weeks and weekly hours
// default to the template's length and its low daily estimate.
func TemplatePlan(p Profile) (Plan, error) {
	if p.Weeks < 0 || p.Weeks > MaxPlanWeeks {
		return Plan{}, fmt.Errorf("plan profile: %w: weeks must be within 0-%d, got %d", fault.ErrInvalid, MaxPlanWeeks, p.Weeks)
	}
	if p.HoursPerWeek < 0 || p.HoursPerWeek > 24*7 {
		return Plan{}, fmt.Errorf("plan profile: %w: hours_per_week out of range: %v", fault.ErrInvalid, p.HoursPerWeek)
	}

	kind := PlanType(p)
	tmpl := planTemplates[kind]
	weeks := p.Weeks
	if weeks == 0 {
		weeks = tmpl.weeks
	}
	hours := p.HoursPerWeek
	if hours == 0 {
		hours = tmpl.dailyHours[0] * 7
	}
	daily := max(15, int(math.Round(hours*60/7)))

	plan := Plan{
		Type:         kind,
		Goal:         p.Goal,
		Weeks:        weeks,
		HoursPerWeek: hours,
		Schedule:     make([]Week, 0, weeks),
		Revision:     1,
	}
	for w := 1; w <= weeks; w++ {
		phase := tmpl.phases[min(w-1, len(tmpl.phases)-1)]
		week := Week{Number: w, Theme: phase, Days: make([]Day, 0, len(weekdays))}
		for _, d := range weekdays {
			week.Days = append(week.Days, Day{
				Name: d,
				Tasks: []PlanTask{{
					Task:            "Focused session - " + phase,
					DurationMinutes: daily,
					Priority:        "high",
					Objective:       "Master key concepts for the " + phase + " phase",
				}},
			})
		}
		plan.Schedule = append(plan.Schedule, week)
	}
	return plan, nil
}

func planHandler() Handler {
	return typed(KindPlan, func(_ context.Context, _ string, p Profile) (Plan, error) {
		return TemplatePlan(p)
	})
}
