package memory

import (
	"context"
	"fmt"

	"github.com/nugget/planwright/internal/compaction"
	"github.com/nugget/planwright/internal/events"
)

// CompactionConfig controls when and how much history is compacted.
type CompactionConfig struct {
	ThresholdBytes  int64 // Compact once a key's payload total exceeds this
	RetentionWindow int   // Newest raw records that are never compacted
	MaxSummaryBytes int   // Encoded summary ceiling
}

// DefaultCompactionConfig returns sensible defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ThresholdBytes:  64 << 10,
		RetentionWindow: 20,
		MaxSummaryBytes: compaction.DefaultMaxBytes,
	}
}

// NeedsCompaction reports whether a key holding bytes should compact.
func (c CompactionConfig) NeedsCompaction(bytes int64) bool {
	return c.ThresholdBytes > 0 && bytes > c.ThresholdBytes
}

// SummarizeFunc is the compaction transform. compaction.Summarize is
// the default.
type SummarizeFunc func([]compaction.Entry, compaction.Options) (compaction.Summary, []byte, error)

// CompactResult describes one compaction attempt.
type CompactResult struct {
	Compacted   bool              `json:"compacted"`
	Replaced    int               `json:"replaced"`
	Covers      *compaction.Range `json:"covers,omitempty"`
	BytesBefore int64             `json:"bytes_before"`
	BytesAfter  int64             `json:"bytes_after"`
}

// Compact summarizes everything older than the retention window into
// one record. Compacting a key whose only compactable record is
// already a summary is a no-op.
func (s *Store) Compact(ctx context.Context, userID, key string) (CompactResult, error) {
	ks := s.state(userID, key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := s.loadLocked(ctx, userID, key, ks); err != nil {
		return CompactResult{}, fmt.Errorf("compact %s/%s: %w", userID, key, err)
	}
	return s.compactLocked(ctx, userID, key, ks)
}

// compactLocked does the work of Compact. Caller holds ks.mu and the
// cache is loaded.
func (s *Store) compactLocked(ctx context.Context, userID, key string, ks *keyState) (CompactResult, error) {
	res := CompactResult{BytesBefore: ks.bytes, BytesAfter: ks.bytes}

	cut := compactableEnd(ks.records, s.config.RetentionWindow)
	span := ks.records[:cut]
	if len(span) == 0 || (len(span) == 1 && span[0].Summary) {
		return res, nil
	}

	entries := make([]compaction.Entry, len(span))
	for i, r := range span {
		entries[i] = r.Entry()
	}
	_, data, err := s.summarize(entries, compaction.Options{
		MaxBytes:   s.config.MaxSummaryBytes,
		FoldLatest: key == KeyPlan,
	})
	if err != nil {
		return res, fmt.Errorf("summarize %s/%s: %w", userID, key, err)
	}

	first, last := span[0], span[len(span)-1]
	rec, err := s.backend.Replace(ctx, userID, key, first.Version, last.Version, data, last.Timestamp)
	if err != nil {
		return res, fmt.Errorf("replace %s/%s: %w", userID, key, err)
	}

	kept := make([]Record, 0, len(ks.records)-cut+1)
	kept = append(kept, rec)
	kept = append(kept, ks.records[cut:]...)
	ks.records = kept
	ks.bytes = totalSize(kept)
	s.compactions.Add(1)

	res.Compacted = true
	res.Replaced = len(span)
	res.Covers = rec.Covers
	res.BytesAfter = ks.bytes

	s.logger.Info("compacted memory",
		"user_id", userID,
		"key", key,
		"from", rec.Covers.From,
		"to", rec.Covers.To,
		"replaced", res.Replaced,
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
	)
	s.bus.Publish(events.Event{
		Source: events.SourceMemory,
		Kind:   events.KindCompacted,
		Data: map[string]any{
			"user_id":      userID,
			"key":          key,
			"from":         rec.Covers.From,
			"to":           rec.Covers.To,
			"bytes_before": res.BytesBefore,
			"bytes_after":  res.BytesAfter,
		},
	})
	return res, nil
}

// compactableEnd returns the exclusive end of the compactable prefix:
// everything before the newest keep raw records.
func compactableEnd(recs []Record, keep int) int {
	cut := len(recs)
	for raw := 0; cut > 0 && raw < keep; {
		cut--
		if !recs[cut].Summary {
			raw++
		}
	}
	return cut
}
