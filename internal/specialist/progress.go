package specialist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/nugget/planwright/internal/compaction"
	"github.com/nugget/planwright/internal/fault"
)

// Progress trends.
const (
	TrendNew       = "new"
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

const day = 24 * time.Hour

// Task is one unit of recorded progress. A task without a completed
// flag counts as completed.
type Task struct {
	Name            string  `json:"task"`
	Completed       *bool   `json:"completed,omitempty"`
	DurationMinutes float64 `json:"duration_minutes,omitempty"`
	Topic           string  `json:"topic,omitempty"`
}

// Done reports whether the task counts as completed.
func (t Task) Done() bool {
	return t.Completed == nil || *t.Completed
}

// ParseTasks accepts either a single task object or an object with a
// "tasks" array.
func ParseTasks(payload []byte) ([]Task, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("progress payload: %w: want a JSON object", fault.ErrInvalid)
	}

	var batch struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("progress payload: %w: %w", fault.ErrInvalid, err)
	}
	if len(batch.Tasks) > 0 {
		for i, t := range batch.Tasks {
			if t.Name == "" {
				return nil, fmt.Errorf("progress payload: %w: tasks[%d] has no name", fault.ErrInvalid, i)
			}
		}
		return batch.Tasks, nil
	}

	var one Task
	if err := json.Unmarshal(payload, &one); err != nil {
		return nil, fmt.Errorf("progress payload: %w: %w", fault.ErrInvalid, err)
	}
	if one.Name == "" {
		return nil, fmt.Errorf("progress payload: %w: task name is required", fault.ErrInvalid)
	}
	return []Task{one}, nil
}

// TaskRecord is a task with the time it was recorded.
type TaskRecord struct {
	At   time.Time `json:"at"`
	Task Task      `json:"entry"`
}

// Aggregate carries totals for history that is only available in
// summarized form.
type Aggregate struct {
	Tasks      int       `json:"tasks"`
	Completed  int       `json:"completed"`
	Minutes    float64   `json:"minutes"`
	ActiveDays int       `json:"active_days"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// ProgressInput is the request payload of the progress specialist.
// AsOf defaults to the newest record time.
type ProgressInput struct {
	AsOf    time.Time    `json:"as_of,omitzero"`
	Prior   *Aggregate   `json:"prior,omitempty"`
	Records []TaskRecord `json:"records"`
}

// Metrics summarize a user's progress.
type Metrics struct {
	TotalTasks        int     `json:"total_tasks"`
	CompletedTasks    int     `json:"completed_tasks"`
	CompletionRate    float64 `json:"completion_rate"`
	TotalMinutes      float64 `json:"total_duration_minutes"`
	AvgMinutesPerTask float64 `json:"average_time_per_task_min"`
	Efficiency        float64 `json:"efficiency_score"`
	ActiveDays        int     `json:"active_days"`
	Consistency       float64 `json:"consistency_score"`
	Streak            int     `json:"current_streak"`
	Trend             string  `json:"trend"`
	Topic             string  `json:"current_topic,omitempty"`
}

// BuildProgressInput converts stored progress history into a request.
// Summary entries fold into Prior; raw entries that are not valid
// progress payloads are skipped.
func BuildProgressInput(entries []compaction.Entry, asOf time.Time) ProgressInput {
	in := ProgressInput{AsOf: asOf}
	for _, e := range entries {
		if e.Summary {
			s, err := compaction.Decode(e.Payload)
			if err != nil {
				continue
			}
			agg := AggregateSummary(s)
			if in.Prior != nil {
				agg = mergeAggregate(*in.Prior, agg)
			}
			in.Prior = &agg
			continue
		}
		tasks, err := ParseTasks(e.Payload)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			in.Records = append(in.Records, TaskRecord{At: e.Timestamp, Task: t})
		}
	}
	return in
}

// AggregateSummary recovers progress totals from a compacted summary.
// Active days are approximated by the number of days the summary's
// period spans, capped by its record count.
func AggregateSummary(s compaction.Summary) Aggregate {
	agg := Aggregate{
		Tasks: s.Records,
		Start: s.Period.Start,
		End:   s.Period.End,
	}
	r := s.Ratios["completed"]
	agg.Completed = r.True + (s.Records - r.Total)
	if t, ok := s.Trends["duration_minutes"]; ok {
		agg.Minutes = t.Mean * float64(t.Count)
	}
	if s.Records > 0 && !s.Period.Start.IsZero() {
		span := int(s.Period.End.Sub(s.Period.Start)/day) + 1
		agg.ActiveDays = min(span, s.Records)
	}
	return agg
}

func mergeAggregate(a, b Aggregate) Aggregate {
	out := Aggregate{
		Tasks:      a.Tasks + b.Tasks,
		Completed:  a.Completed + b.Completed,
		Minutes:    a.Minutes + b.Minutes,
		ActiveDays: a.ActiveDays + b.ActiveDays,
		Start:      a.Start,
		End:        b.End,
	}
	if out.Start.IsZero() || (!b.Start.IsZero() && b.Start.Before(out.Start)) {
		out.Start = b.Start
	}
	if a.End.After(out.End) {
		out.End = a.End
	}
	return out
}

// ComputeMetrics derives progress metrics. It is deterministic for a
// given input.
func ComputeMetrics(in ProgressInput) Metrics {
	records := slices.Clone(in.Records)
	slices.SortStableFunc(records, func(a, b TaskRecord) int { return a.At.Compare(b.At) })

	var m Metrics
	earliest := time.Time{}
	if in.Prior != nil {
		m.TotalTasks = in.Prior.Tasks
		m.CompletedTasks = in.Prior.Completed
		m.TotalMinutes = in.Prior.Minutes
		m.ActiveDays = in.Prior.ActiveDays
		earliest = in.Prior.Start
	}

	days := make(map[string]struct{})
	for _, r := range records {
		m.TotalTasks++
		if r.Task.Done() {
			m.CompletedTasks++
		}
		m.TotalMinutes += r.Task.DurationMinutes
		if r.Task.Topic != "" {
			m.Topic = r.Task.Topic
		}
		if !r.At.IsZero() {
			days[r.At.UTC().Format(time.DateOnly)] = struct{}{}
			if earliest.IsZero() || r.At.Before(earliest) {
				earliest = r.At
			}
		}
	}
	m.ActiveDays += len(days)

	if m.TotalTasks == 0 {
		m.Trend = TrendNew
		return m
	}

	asOf := in.AsOf
	if asOf.IsZero() && len(records) > 0 {
		asOf = records[len(records)-1].At
	}
	if asOf.IsZero() && in.Prior != nil {
		asOf = in.Prior.End
	}

	m.CompletionRate = float64(m.CompletedTasks) / float64(m.TotalTasks) * 100
	m.AvgMinutesPerTask = m.TotalMinutes / float64(m.TotalTasks)
	m.Efficiency = min(100, m.CompletionRate*(1+1/max(1, m.AvgMinutesPerTask/60)))

	span := 1.0
	if !earliest.IsZero() && !asOf.IsZero() {
		span = min(30, max(1, asOf.Sub(earliest).Hours()/24))
	}
	m.Consistency = min(100, float64(m.ActiveDays)/span*100)
	m.Streak = streak(records, asOf)
	m.Trend = trend(records)

	m.CompletionRate = round2(m.CompletionRate)
	m.AvgMinutesPerTask = round2(m.AvgMinutesPerTask)
	m.Efficiency = round2(m.Efficiency)
	m.Consistency = round2(m.Consistency)
	m.TotalMinutes = round2(m.TotalMinutes)
	return m
}

// streak counts the distinct days in the chain of records, newest
// first, where each record is within a day of the one after it.
func streak(records []TaskRecord, asOf time.Time) int {
	if len(records) == 0 || asOf.IsZero() {
		return 0
	}
	cursor := asOf
	seen := make(map[string]struct{})
	for i := len(records) - 1; i >= 0; i-- {
		at := records[i].At
		if at.IsZero() || cursor.Sub(at) > day {
			break
		}
		seen[at.UTC().Format(time.DateOnly)] = struct{}{}
		cursor = at
	}
	return len(seen)
}

// trend compares the completion of the last three records against the
// earlier ones within the most recent seven.
func trend(records []TaskRecord) string {
	if len(records) > 7 {
		records = records[len(records)-7:]
	}
	if len(records) < 2 {
		return TrendStable
	}
	values := make([]float64, len(records))
	for i, r := range records {
		if r.Task.Done() {
			values[i] = 100
		}
	}

	recentN := min(3, len(values))
	recent := mean(values[len(values)-recentN:])
	previous := values[0]
	if len(values) > 3 {
		previous = mean(values[:len(values)-3])
	}

	switch {
	case recent > previous+5:
		return TrendImproving
	case recent < previous-5:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func progressHandler() Handler {
	return typed(KindProgress, func(_ context.Context, _ string, in ProgressInput) (Metrics, error) {
		return ComputeMetrics(in), nil
	})
}
