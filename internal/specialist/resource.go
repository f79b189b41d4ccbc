package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/search"
)

// ResourceInput is the request payload of the resource specialist.
type ResourceInput struct {
	Topic string `json:"topic"`
	Level string `json:"level,omitempty"` // beginner, advanced
	Goal  string `json:"goal,omitempty"`  // exam_preparation, project_based
	Count int    `json:"count,omitempty"`
}

// Resources is the resource specialist's output.
type Resources struct {
	Topic    string          `json:"topic"`
	Query    string          `json:"query"`
	Results  []search.Result `json:"results"`
	Fallback bool            `json:"fallback,omitempty"`
}

// ResourceQuery builds the search query for the input.
func ResourceQuery(in ResourceInput) string {
	switch {
	case in.Goal == "exam_preparation":
		return in.Topic + " practice questions"
	case in.Goal == "project_based":
		return in.Topic + " project tutorial"
	case in.Level == "beginner":
		return in.Topic + " for beginners"
	case in.Level == "advanced":
		return "advanced " + in.Topic
	default:
		return in.Topic + " tutorial"
	}
}

// StaticResources returns reference links that need no lookup.
func StaticResources(topic string) []search.Result {
	return []search.Result{
		{
			Rank:    1,
			Title:   "Wikipedia - " + topic,
			URL:     "https://en.wikipedia.org/wiki/" + url.PathEscape(strings.ReplaceAll(topic, " ", "_")),
			Snippet: "General reference",
		},
		{
			Rank:    2,
			Title:   "Khan Academy - " + topic,
			URL:     "https://www.khanacademy.org/search?page_search_query=" + url.QueryEscape(topic),
			Snippet: "Video lessons",
		},
	}
}

// resourceHandler queries mgr and falls back to static links when no
// provider is configured or the lookup fails. A nil mgr always uses the
// fallback.
func resourceHandler(mgr *search.Manager, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return typed(KindResource, func(ctx context.Context, _ string, in ResourceInput) (Resources, error) {
		in.Topic = strings.TrimSpace(in.Topic)
		if in.Topic == "" {
			return Resources{}, fmt.Errorf("resource request: %w: topic is required", fault.ErrInvalid)
		}
		out := Resources{Topic: in.Topic, Query: ResourceQuery(in)}

		if mgr.Configured() {
			results, err := mgr.Search(ctx, out.Query, search.Options{Count: in.Count})
			switch {
			case err == nil && len(results) > 0:
				out.Results = results
				return out, nil
			case ctx.Err() != nil:
				return Resources{}, fmt.Errorf("resource search: %w", ctx.Err())
			case err != nil:
				logger.Warn("resource search failed, using static resources",
					"query", out.Query, "error", err)
			}
		}

		out.Results = StaticResources(in.Topic)
		out.Fallback = true
		return out, nil
	})
}
