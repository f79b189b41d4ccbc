package specialist

import "context"

// Composite score weights.
const (
	WeightCompletion  = 0.30
	WeightEfficiency  = 0.20
	WeightConsistency = 0.20
	WeightAdherence   = 0.20
	WeightGrowth      = 0.10
)

// Plan complexity levels.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// EvaluateInput is the request payload of the evaluate specialist.
type EvaluateInput struct {
	Plan    *Plan   `json:"plan,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// ComponentScores are the per-metric scores, each 0-100.
type ComponentScores struct {
	Completion  float64 `json:"completion"`
	Efficiency  float64 `json:"time_efficiency"`
	Consistency float64 `json:"consistency"`
	Adherence   float64 `json:"plan_adherence"`
	Growth      float64 `json:"growth"`
}

// Evaluation is the evaluate specialist's output. Score is the
// weighted composite used for loop convergence.
type Evaluation struct {
	Score        float64         `json:"score"`
	Grade        string          `json:"grade"`
	Level        string          `json:"level"`
	Description  string          `json:"description"`
	Components   ComponentScores `json:"components"`
	Complexity   string          `json:"plan_complexity"`
	Strengths    []string        `json:"strengths,omitempty"`
	Improvements []string        `json:"improvements,omitempty"`
}

// Evaluate scores progress against the plan.
func Evaluate(in EvaluateInput) Evaluation {
	m := in.Metrics
	complexity := ComplexityMedium
	if in.Plan != nil {
		complexity = planComplexity(*in.Plan)
	}

	c := ComponentScores{
		Completion:  scoreCompletion(m.CompletionRate),
		Efficiency:  scoreEfficiency(m.Efficiency, m.AvgMinutesPerTask),
		Consistency: min(100, m.Consistency*0.7+min(30, float64(m.ActiveDays)*2)),
		Adherence:   scoreAdherence(m.CompletionRate, complexity),
		Growth:      scoreGrowth(m.Trend),
	}
	score := c.Completion*WeightCompletion +
		c.Efficiency*WeightEfficiency +
		c.Consistency*WeightConsistency +
		c.Adherence*WeightAdherence +
		c.Growth*WeightGrowth

	ev := Evaluation{
		Score:      round2(score),
		Grade:      Grade(score),
		Components: c,
		Complexity: complexity,
	}
	ev.Level, ev.Description = interpret(score)

	if c.Completion >= 80 {
		ev.Strengths = append(ev.Strengths, "High task completion")
	} else if c.Completion < 60 {
		ev.Improvements = append(ev.Improvements, "Complete more of the scheduled tasks")
	}
	if c.Efficiency >= 75 {
		ev.Strengths = append(ev.Strengths, "Efficient use of study time")
	} else if c.Efficiency < 55 {
		ev.Improvements = append(ev.Improvements, "Shorten sessions or reduce distractions")
	}
	if c.Consistency >= 80 {
		ev.Strengths = append(ev.Strengths, "Consistent daily activity")
	} else if c.Consistency < 60 {
		ev.Improvements = append(ev.Improvements, "Work on a more regular schedule")
	}
	if c.Adherence >= 75 {
		ev.Strengths = append(ev.Strengths, "Good adherence to the plan")
	} else if c.Adherence < 60 {
		ev.Improvements = append(ev.Improvements, "Align daily work with the plan")
	}
	return ev
}

func scoreCompletion(rate float64) float64 {
	switch {
	case rate >= 85:
		return 90 + min(10, (rate-85)*2)
	case rate >= 70:
		return 70 + min(20, (rate-70)*2)
	case rate >= 50:
		return 50 + min(20, (rate-50)*2)
	default:
		return max(10, rate)
	}
}

func scoreEfficiency(efficiency, avgMinutes float64) float64 {
	switch {
	case efficiency >= 80 && avgMinutes <= 45:
		return 90
	case efficiency >= 65 && avgMinutes <= 60:
		return 75
	case efficiency >= 45:
		return 55
	default:
		return max(20, efficiency*0.8)
	}
}

func scoreAdherence(rate float64, complexity string) float64 {
	factor := 1.0
	switch complexity {
	case ComplexityLow:
		factor = 1.2
	case ComplexityHigh:
		factor = 0.8
	}
	return min(100, rate*factor)
}

func scoreGrowth(trend string) float64 {
	switch trend {
	case TrendImproving:
		return 65
	case TrendDeclining:
		return 35
	default:
		return 50
	}
}

// planComplexity classifies a plan by its average daily task count and
// duration.
func planComplexity(p Plan) string {
	if p.Empty() {
		return ComplexityMedium
	}
	var tasks, minutes int
	for _, w := range p.Schedule {
		for _, d := range w.Days {
			tasks += len(d.Tasks)
			for _, t := range d.Tasks {
				minutes += t.DurationMinutes
			}
		}
	}
	days := float64(len(p.Schedule) * 7)
	avgTasks := float64(tasks) / days
	avgMinutes := float64(minutes) / days
	switch {
	case avgTasks > 6 || avgMinutes > 300:
		return ComplexityHigh
	case avgTasks < 3 || avgMinutes < 120:
		return ComplexityLow
	default:
		return ComplexityMedium
	}
}

// Grade converts a composite score to a letter grade.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 85:
		return "A"
	case score >= 80:
		return "A-"
	case score >= 75:
		return "B+"
	case score >= 70:
		return "B"
	case score >= 65:
		return "B-"
	case score >= 60:
		return "C+"
	case score >= 55:
		return "C"
	case score >= 50:
		return "C-"
	default:
		return "D"
	}
}

func interpret(score float64) (level, description string) {
	switch {
	case score >= 85:
		return "excellent", "Outstanding progress with strong consistency and efficiency"
	case score >= 70:
		return "good", "Solid progress with good habits"
	case score >= 55:
		return "satisfactory", "Adequate progress with room for improvement"
	default:
		return "needs_improvement", "Significant opportunities for improvement"
	}
}

func evaluateHandler() Handler {
	return typed(KindEvaluate, func(_ context.Context, _ string, in EvaluateInput) (Evaluation, error) {
		return Evaluate(in), nil
	})
}
