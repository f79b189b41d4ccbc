package specialist

import (
	"context"
	"log/slog"

	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/search"
	"github.com/nugget/planwright/internal/usage"
)

// NewFallbackTable returns deterministic handlers for every kind. It
// needs no external services; mgr may be nil.
func NewFallbackTable(mgr *search.Manager, logger *slog.Logger) Table {
	if logger == nil {
		logger = slog.Default()
	}
	return Table{
		KindPlan:     planHandler(),
		KindOptimize: optimizeHandler(),
		KindProgress: progressHandler(),
		KindResource: resourceHandler(mgr, logger),
		KindMotivate: motivateHandler(),
		KindEvaluate: evaluateHandler(),
	}
}

// LiveConfig selects the model used by each model-backed kind.
type LiveConfig struct {
	Model      string
	KindModels map[string]string

	// Available reports whether the model provider is reachable. While
	// it returns false the live kinds answer with their deterministic
	// draft without calling the model. Nil means always available.
	Available func() bool

	// Usage receives the token usage of every model call. Optional.
	Usage UsageRecorder
}

// UsageRecorder stores the token usage of model calls.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

func (c LiveConfig) modelFor(k Kind) string {
	if m := c.KindModels[string(k)]; m != "" {
		return m
	}
	return c.Model
}

// NewLiveTable returns the fallback table with plan, optimize and
// motivate backed by client.
func NewLiveTable(client llm.Client, cfg LiveConfig, mgr *search.Manager, logger *slog.Logger) Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := NewFallbackTable(mgr, logger)
	t[KindPlan] = livePlan(client, cfg, logger)
	t[KindOptimize] = liveOptimize(client, cfg, logger)
	t[KindMotivate] = liveMotivate(client, cfg, logger)
	return t
}
