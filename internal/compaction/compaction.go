// Package compaction turns a run of history records into one bounded
// summary. It has no storage dependencies: the memory store hands it a
// contiguous range and writes back whatever it returns.
//
// The summary is lossy. It keeps counts, per-field numeric trends,
// boolean completion ratios, a capped list of milestones, the covered
// range and period, and optionally the folded latest object.
package compaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// SummaryKind tags summary payloads so they can be told apart from raw
// records by content as well as by the record flag.
const SummaryKind = "summary"

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxBytes      = 4096
	DefaultMaxMilestones = 20
)

// ErrEmpty is returned when there is nothing to summarize.
var ErrEmpty = errors.New("compaction: no records")

// ErrTooLarge is returned when the summary cannot be trimmed under
// MaxBytes.
var ErrTooLarge = errors.New("compaction: summary exceeds size bound")

// Entry is one record in the range being compacted, oldest first.
type Entry struct {
	Version   int64
	Timestamp time.Time
	Payload   json.RawMessage
	Summary   bool
}

// Options tunes Summarize.
type Options struct {
	// MaxBytes bounds the encoded summary.
	MaxBytes int
	// MaxMilestones caps the milestone list before size trimming.
	MaxMilestones int
	// FoldLatest keeps a last-writer-wins merge of all object payloads
	// in Summary.Latest. Used for plan history.
	FoldLatest bool
}

// Range is an inclusive span of record versions.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Period is the wall-clock span of the covered records.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Trend describes one numeric field across the covered records.
type Trend struct {
	Count int     `json:"n"`
	First float64 `json:"first"`
	Last  float64 `json:"last"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Ratio counts how often a boolean field was true.
type Ratio struct {
	True  int     `json:"true"`
	Total int     `json:"total"`
	Ratio float64 `json:"ratio"`
}

// Milestone is a notable record kept verbatim in short form.
type Milestone struct {
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed,omitempty"`
}

// Summary is the payload of a compacted record.
type Summary struct {
	Kind       string           `json:"kind"`
	Covers     Range            `json:"covers"`
	Period     Period           `json:"period"`
	Records    int              `json:"records"`
	Trends     map[string]Trend `json:"trends,omitempty"`
	Ratios     map[string]Ratio `json:"ratios,omitempty"`
	Milestones []Milestone      `json:"milestones,omitempty"`
	Latest     map[string]any   `json:"latest,omitempty"`
	Trimmed    bool             `json:"trimmed,omitempty"`
}

// Decode parses a summary payload.
func Decode(payload []byte) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(payload, &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	if s.Kind != SummaryKind {
		return Summary{}, fmt.Errorf("decode summary: kind %q", s.Kind)
	}
	return s, nil
}

// Encode marshals s.
func (s Summary) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Summarize folds entries (oldest first) into one Summary whose
// encoding fits opts.MaxBytes. A summary entry at the head of the range
// is merged rather than discarded, so repeated compaction accumulates.
func Summarize(entries []Entry, opts Options) (Summary, []byte, error) {
	if len(entries) == 0 {
		return Summary{}, nil, ErrEmpty
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxMilestones <= 0 {
		opts.MaxMilestones = DefaultMaxMilestones
	}

	s := Summary{
		Kind:   SummaryKind,
		Trends: make(map[string]Trend),
		Ratios: make(map[string]Ratio),
	}
	if opts.FoldLatest {
		s.Latest = make(map[string]any)
	}

	for i, e := range entries {
		if e.Summary {
			prev, err := Decode(e.Payload)
			if err != nil {
				return Summary{}, nil, fmt.Errorf("entry v%d: %w", e.Version, err)
			}
			if i == 0 {
				s.Covers.From = prev.Covers.From
			}
			s.absorb(prev)
			continue
		}
		if i == 0 {
			s.Covers.From = e.Version
		}
		s.add(e)
	}
	s.Covers.To = entries[len(entries)-1].Version

	if len(s.Milestones) > opts.MaxMilestones {
		s.Milestones = slices.Clone(s.Milestones[len(s.Milestones)-opts.MaxMilestones:])
		s.Trimmed = true
	}

	data, err := s.fit(opts.MaxBytes)
	if err != nil {
		return Summary{}, nil, err
	}
	return s, data, nil
}

// Fold merges object payloads last-writer-wins into dst. A summary
// payload contributes its Latest snapshot. Non-object payloads are
// ignored.
func Fold(dst map[string]any, payload []byte, summary bool) error {
	if summary {
		s, err := Decode(payload)
		if err != nil {
			return err
		}
		maps.Copy(dst, s.Latest)
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("fold payload: %w", err)
	}
	maps.Copy(dst, obj)
	return nil
}

func (s *Summary) add(e Entry) {
	s.Records++
	s.widen(e.Timestamp, e.Timestamp)

	var obj map[string]any
	if err := json.Unmarshal(e.Payload, &obj); err != nil || obj == nil {
		return
	}
	if s.Latest != nil {
		maps.Copy(s.Latest, obj)
	}

	for k, v := range obj {
		switch x := v.(type) {
		case float64:
			s.Trends[k] = pushTrend(s.Trends[k], x)
		case bool:
			r := s.Ratios[k]
			r.Total++
			if x {
				r.True++
			}
			r.Ratio = float64(r.True) / float64(r.Total)
			s.Ratios[k] = r
		}
	}

	if m, ok := milestoneOf(obj); ok {
		m.Version = e.Version
		m.At = e.Timestamp
		s.Milestones = append(s.Milestones, m)
	}
}

// absorb merges an earlier summary into s.
func (s *Summary) absorb(prev Summary) {
	s.Records += prev.Records
	s.widen(prev.Period.Start, prev.Period.End)
	s.Trimmed = s.Trimmed || prev.Trimmed
	for k, t := range prev.Trends {
		s.Trends[k] = mergeTrend(s.Trends[k], t)
	}
	for k, r := range prev.Ratios {
		cur := s.Ratios[k]
		cur.True += r.True
		cur.Total += r.Total
		if cur.Total > 0 {
			cur.Ratio = float64(cur.True) / float64(cur.Total)
		}
		s.Ratios[k] = cur
	}
	s.Milestones = append(s.Milestones, prev.Milestones...)
	if s.Latest != nil {
		maps.Copy(s.Latest, prev.Latest)
	}
}

func (s *Summary) widen(start, end time.Time) {
	if start.IsZero() && end.IsZero() {
		return
	}
	if s.Period.Start.IsZero() || start.Before(s.Period.Start) {
		s.Period.Start = start
	}
	if end.After(s.Period.End) {
		s.Period.End = end
	}
}

// fit encodes s, trimming lists until the encoding fits max bytes.
// Milestones go first (oldest first), then the least-populated trends
// and ratios, then the folded snapshot.
func (s *Summary) fit(limit int) ([]byte, error) {
	for {
		data, err := s.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode summary: %w", err)
		}
		if len(data) <= limit {
			return data, nil
		}
		s.Trimmed = true
		switch {
		case len(s.Milestones) > 0:
			s.Milestones = s.Milestones[(len(s.Milestones)+1)/2:]
		case len(s.Trends) > 0:
			delete(s.Trends, sparsest(s.Trends, func(t Trend) int { return t.Count }))
		case len(s.Ratios) > 0:
			delete(s.Ratios, sparsest(s.Ratios, func(r Ratio) int { return r.Total }))
		case len(s.Latest) > 0:
			s.Latest = nil
		default:
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), limit)
		}
	}
}

// sparsest returns the key with the smallest count, ties broken by name
// so trimming is deterministic.
func sparsest[V any](m map[string]V, count func(V) int) string {
	keys := slices.Sorted(maps.Keys(m))
	best := keys[0]
	for _, k := range keys[1:] {
		if count(m[k]) < count(m[best]) {
			best = k
		}
	}
	return best
}

func pushTrend(t Trend, v float64) Trend {
	if t.Count == 0 {
		return Trend{Count: 1, First: v, Last: v, Min: v, Max: v, Mean: v}
	}
	t.Mean = (t.Mean*float64(t.Count) + v) / float64(t.Count+1)
	t.Count++
	t.Last = v
	t.Min = min(t.Min, v)
	t.Max = max(t.Max, v)
	return t
}

// mergeTrend combines cur with an earlier trend.
func mergeTrend(cur, earlier Trend) Trend {
	if cur.Count == 0 {
		return earlier
	}
	if earlier.Count == 0 {
		return cur
	}
	n := cur.Count + earlier.Count
	return Trend{
		Count: n,
		First: earlier.First,
		Last:  cur.Last,
		Min:   min(cur.Min, earlier.Min),
		Max:   max(cur.Max, earlier.Max),
		Mean:  (cur.Mean*float64(cur.Count) + earlier.Mean*float64(earlier.Count)) / float64(n),
	}
}

func milestoneOf(obj map[string]any) (Milestone, bool) {
	var m Milestone
	completed, hasCompleted := obj["completed"].(bool)
	m.Completed = completed
	if text, ok := obj["milestone"].(string); ok && text != "" {
		m.Text = text
		return m, true
	}
	if task, ok := obj["task"].(string); ok && task != "" {
		m.Text = task
		return m, true
	}
	if hasCompleted && completed {
		m.Text = "completed"
		return m, true
	}
	return m, false
}
