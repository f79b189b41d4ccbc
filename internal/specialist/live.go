package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/planwright/internal/llm"
	"github.com/nugget/planwright/internal/usage"
)

// Prompts for the model-backed kinds. The model refines a
// deterministic draft and must answer with the same JSON shape.
const (
	planPrompt = `You are a planning specialist. You receive a user profile and a draft plan.
Improve the task names and objectives so they fit the user's goal. Keep the
same number of weeks and days and the same JSON shape. Reply with the plan
JSON object only.`

	optimizePrompt = `You are a plan optimizer. You receive a plan, progress metrics, and a
draft optimization. Adjust the draft so the plan better fits the metrics.
Keep the strategy field. Reply with the optimization JSON object only.`

	motivatePrompt = `You are a motivation coach. You receive progress metrics and a draft
nudge. Rewrite the message so it is specific and encouraging, at most two
sentences. Keep the type field. Reply with the nudge JSON object only.`
)

// live wraps a deterministic function with a model refinement step.
// Transport errors propagate so the invoker can retry them; output the
// model gets wrong is replaced by the deterministic draft.
type live[In, Out any] struct {
	kind     Kind
	client   llm.Client
	model    string
	prompt   string
	draft    func(In) (Out, error)
	validate func(draft, got Out) error
	ready    func() bool
	usage    UsageRecorder
	logger   *slog.Logger
}

func (h *live[In, Out]) Handle(ctx context.Context, req Request) (Response, error) {
	in, err := decodeInput[In](h.kind, req.Payload)
	if err != nil {
		return Response{}, err
	}
	draft, err := h.draft(in)
	if err != nil {
		return Response{}, err
	}
	if h.ready != nil && !h.ready() {
		h.logger.Debug("model provider unavailable, using deterministic draft", "kind", h.kind)
		return encodeResponse(h.kind, SourceDeterministic, draft)
	}

	body, err := json.Marshal(struct {
		Request In  `json:"request"`
		Draft   Out `json:"draft"`
	}{in, draft})
	if err != nil {
		return Response{}, fmt.Errorf("encode %s prompt: %w", h.kind, err)
	}

	resp, err := h.client.Chat(ctx, h.model, []llm.Message{
		llm.System(h.prompt),
		llm.User(string(body)),
	}, llm.Options{JSON: true, Temperature: 0.3})
	if err != nil {
		return Response{}, fmt.Errorf("%s model call: %w", h.kind, err)
	}

	got, err := parseModelJSON[Out](resp.Message.Content)
	if err == nil {
		err = h.validate(draft, got)
	}
	h.recordUsage(ctx, req.UserID, resp, err == nil)
	if err != nil {
		h.logger.Warn("model output rejected, using deterministic draft",
			"kind", h.kind, "model", resp.Model, "error", err)
		return encodeResponse(h.kind, SourceDeterministic, draft)
	}

	h.logger.Debug("model output accepted",
		"kind", h.kind, "model", resp.Model,
		"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return encodeResponse(h.kind, SourceModel, got)
}

func (h *live[In, Out]) recordUsage(ctx context.Context, userID string, resp *llm.ChatResponse, accepted bool) {
	if h.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = h.model
	}
	err := h.usage.Record(context.WithoutCancel(ctx), usage.Record{
		UserID:       userID,
		Kind:         string(h.kind),
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Accepted:     accepted,
	})
	if err != nil {
		h.logger.Warn("usage record failed", "kind", h.kind, "error", err)
	}
}

// parseModelJSON decodes the first JSON object in s, tolerating code
// fences or prose around it.
func parseModelJSON[T any](s string) (T, error) {
	var v T
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return v, fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return v, fmt.Errorf("parse model output: %w", err)
	}
	return v, nil
}

func livePlan(client llm.Client, cfg LiveConfig, logger *slog.Logger) Handler {
	return &live[Profile, Plan]{
		kind: KindPlan, client: client, model: cfg.modelFor(KindPlan), prompt: planPrompt,
		draft: TemplatePlan,
		validate: func(draft, got Plan) error {
			if len(got.Schedule) != len(draft.Schedule) {
				return fmt.Errorf("schedule has %d weeks, want %d", len(got.Schedule), len(draft.Schedule))
			}
			for _, w := range got.Schedule {
				for _, d := range w.Days {
					for _, t := range d.Tasks {
						if t.Task == "" || t.DurationMinutes <= 0 {
							return fmt.Errorf("week %d %s: malformed task", w.Number, d.Name)
						}
					}
				}
			}
			return nil
		},
		ready:  cfg.Available,
		usage:  cfg.Usage,
		logger: logger,
	}
}

func liveOptimize(client llm.Client, cfg LiveConfig, logger *slog.Logger) Handler {
	return &live[OptimizeInput, Optimization]{
		kind: KindOptimize, client: client, model: cfg.modelFor(KindOptimize), prompt: optimizePrompt,
		draft: Optimize,
		validate: func(draft, got Optimization) error {
			if got.Strategy != draft.Strategy {
				return fmt.Errorf("strategy %q, want %q", got.Strategy, draft.Strategy)
			}
			if got.Plan.Empty() {
				return fmt.Errorf("optimized plan is empty")
			}
			if got.Plan.Revision != draft.Plan.Revision {
				return fmt.Errorf("revision %d, want %d", got.Plan.Revision, draft.Plan.Revision)
			}
			return nil
		},
		ready:  cfg.Available,
		usage:  cfg.Usage,
		logger: logger,
	}
}

func liveMotivate(client llm.Client, cfg LiveConfig, logger *slog.Logger) Handler {
	return &live[MotivateInput, Nudge]{
		kind: KindMotivate, client: client, model: cfg.modelFor(KindMotivate), prompt: motivatePrompt,
		draft: func(in MotivateInput) (Nudge, error) { return ComposeNudge(in), nil },
		validate: func(draft, got Nudge) error {
			if strings.TrimSpace(got.Message) == "" {
				return fmt.Errorf("empty message")
			}
			if got.Type != draft.Type {
				return fmt.Errorf("type %q, want %q", got.Type, draft.Type)
			}
			return nil
		},
		ready:  cfg.Available,
		usage:  cfg.Usage,
		logger: logger,
	}
}
