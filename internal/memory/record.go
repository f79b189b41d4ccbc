// Package memory provides the durable, versioned history behind every
// user: progress entries, plans, and evaluations. Records are
// append-only per (user, key); compaction swaps an old range for a
// single summary record so each key stays under a size ceiling.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nugget/planwright/internal/compaction"
)

// Well-known keys.
const (
	KeyPlan            = "plan"
	KeyProgress        = "progress"
	KeyProgressMetrics = "progress_metrics"
	KeyEvaluation      = "evaluation"
	KeyResources       = "resources"
	KeyNudges          = "nudges"
)

// Record is one version of a (user, key) history.
type Record struct {
	UserID    string            `json:"user_id"`
	Key       string            `json:"key"`
	Version   int64             `json:"version"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Summary   bool              `json:"summary,omitempty"`
	Covers    *compaction.Range `json:"covers,omitempty"`
}

// Size is the payload size counted against the compaction threshold.
func (r Record) Size() int64 { return int64(len(r.Payload)) }

// Entry is the record as seen by the compactor.
func (r Record) Entry() compaction.Entry {
	return compaction.Entry{Version: r.Version, Timestamp: r.Timestamp, Payload: r.Payload, Summary: r.Summary}
}

// PlanState is the folded view of the plan key.
type PlanState struct {
	UserID  string         `json:"user_id"`
	Version int64          `json:"version"`
	Updated time.Time      `json:"updated"`
	Plan    map[string]any `json:"plan"`
}

// Backend is the durable storage boundary. Implementations must assign
// strictly increasing versions per (user, key) and make Replace atomic.
type Backend interface {
	// Get returns records with version > since, oldest first.
	Get(ctx context.Context, userID, key string, since int64) ([]Record, error)
	// Put appends payload at the next version and returns the stored record.
	Put(ctx context.Context, userID, key string, payload json.RawMessage, at time.Time) (Record, error)
	// Keys lists the keys holding records for a user.
	Keys(ctx context.Context, userID string) ([]string, error)
	// DeleteRange removes versions from..to inclusive. Versions it
	// removes are never assigned again.
	DeleteRange(ctx context.Context, userID, key string, from, to int64) error
	// Replace writes summary into version to and then deletes versions
	// from..to-1, in one transaction.
	Replace(ctx context.Context, userID, key string, from, to int64, summary json.RawMessage, at time.Time) (Record, error)
	Close() error
}

// Counter is implemented by backends that can report global totals.
type Counter interface {
	Counts(ctx context.Context) (BackendCounts, error)
}

// BackendCounts are durable totals across all users.
type BackendCounts struct {
	Users   int   `json:"users"`
	Keys    int   `json:"keys"`
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}
