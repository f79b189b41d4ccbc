package specialist

import (
	"context"
	"strings"
)

// Nudge types.
const (
	NudgeEncouragement = "encouragement"
	NudgeCelebration   = "celebration"
	NudgeReminder      = "reminder"
	NudgeChallenge     = "challenge"
	NudgeSupport       = "support"
)

var nudgeTemplates = map[string][]string{
	NudgeEncouragement: {
		"Great progress on {topic}! Every step forward counts.",
		"You're doing strong work on {topic}. Keep that momentum going!",
		"Your consistency with {topic} will pay off.",
	},
	NudgeCelebration: {
		"Amazing! You've reached {milestone}. That's a real achievement.",
		"Fantastic work! {milestone} reached. Take a moment to celebrate.",
	},
	NudgeReminder: {
		"Don't forget your goal to master {topic}. You've got this.",
		"A quick reminder: consistency is key with {topic}.",
	},
	NudgeChallenge: {
		"Ready for a challenge? Try {challenge} next.",
		"You're ready for the next level. How about {challenge}?",
	},
	NudgeSupport: {
		"Learning {topic} can be tough, but you're tougher. Keep going!",
		"Everyone hits plateaus with {topic}. You'll break through this one.",
	},
}

// MotivateInput is the request payload of the motivate specialist.
type MotivateInput struct {
	Metrics Metrics `json:"metrics"`
	Topic   string  `json:"topic,omitempty"`
}

// Nudge is a motivational message.
type Nudge struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Intensity string `json:"intensity"`
	Milestone string `json:"milestone"`
}

// NudgeType picks the message type for the metrics.
func NudgeType(m Metrics) string {
	switch {
	case m.CompletionRate >= 90:
		return NudgeCelebration
	case m.CompletionRate <= 40:
		return NudgeSupport
	case m.Trend == TrendDeclining:
		return NudgeSupport
	case m.Consistency >= 80:
		return NudgeChallenge
	case m.CompletionRate >= 70:
		return NudgeEncouragement
	default:
		return NudgeReminder
	}
}

// ComposeNudge renders a template nudge. The template is chosen by the
// completed task count so output is stable for a given input.
func ComposeNudge(in MotivateInput) Nudge {
	m := in.Metrics
	topic := in.Topic
	if topic == "" {
		topic = m.Topic
	}
	if topic == "" {
		topic = "your goal"
	}

	kind := NudgeType(m)
	templates := nudgeTemplates[kind]
	tmpl := templates[m.CompletedTasks%len(templates)]
	milestone := milestoneFor(m.CompletionRate)

	msg := strings.NewReplacer(
		"{topic}", topic,
		"{milestone}", milestone,
		"{challenge}", "building a small "+topic+" project",
	).Replace(tmpl)

	intensity := "low"
	switch {
	case m.CompletionRate >= 85:
		intensity = "high"
	case m.CompletionRate >= 60:
		intensity = "medium"
	}
	return Nudge{Type: kind, Message: msg, Intensity: intensity, Milestone: milestone}
}

func milestoneFor(rate float64) string {
	switch {
	case rate >= 90:
		return "exceptional consistency"
	case rate >= 75:
		return "great progress"
	case rate >= 60:
		return "solid consistency"
	case rate >= 40:
		return "building momentum"
	default:
		return "getting started"
	}
}

func motivateHandler() Handler {
	return typed(KindMotivate, func(_ context.Context, _ string, in MotivateInput) (Nudge, error) {
		return ComposeNudge(in), nil
	})
}
