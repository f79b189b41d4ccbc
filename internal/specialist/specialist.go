// Package specialist dispatches the six planning capabilities (plan,
// optimize, progress, resource, motivate, evaluate) behind one call
// shape. Each kind is a [Handler] in a [Table]; the [Invoker] wraps
// dispatch with concurrency limits, timeouts, retries and exactly one
// observability record per call.
package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/nugget/planwright/internal/fault"
)

// Kind names a specialist capability.
type Kind string

// Specialist kinds.
const (
	KindPlan     Kind = "plan"
	KindOptimize Kind = "optimize"
	KindProgress Kind = "progress"
	KindResource Kind = "resource"
	KindMotivate Kind = "motivate"
	KindEvaluate Kind = "evaluate"
)

// Kinds lists every specialist kind in a stable order.
var Kinds = []Kind{KindPlan, KindOptimize, KindProgress, KindResource, KindMotivate, KindEvaluate}

// ParseKind validates s as a specialist kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Retryable reports whether calls of this kind may be repeated. The
// resource kind performs an external lookup and is never retried.
func (k Kind) Retryable() bool {
	return k != KindResource
}

// Source says where a response came from.
type Source string

// Response sources.
const (
	SourceDeterministic Source = "deterministic"
	SourceModel         Source = "model"
)

// Request is the input to one specialist call. Payload is the
// kind-specific input object.
type Request struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest encodes in as the payload of a request for userID.
func NewRequest(userID string, in any) (Request, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Request{}, fmt.Errorf("encode request: %w: %w", fault.ErrInvalid, err)
	}
	return Request{UserID: userID, Payload: data}, nil
}

// Response is a specialist's structured output.
type Response struct {
	Kind    Kind            `json:"kind"`
	Source  Source          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the response payload into v.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s response: %w", r.Kind, err)
	}
	return nil
}

// Handler is the boundary every specialist implements.
type Handler interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Table maps each kind to its handler. Dispatch is a map lookup.
type Table map[Kind]Handler

// typed adapts a function over concrete input and output types into a
// Handler. An empty payload decodes as the zero input.
func typed[In, Out any](kind Kind, fn func(ctx context.Context, userID string, in In) (Out, error)) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		in, err := decodeInput[In](kind, req.Payload)
		if err != nil {
			return Response{}, err
		}
		out, err := fn(ctx, req.UserID, in)
		if err != nil {
			return Response{}, err
		}
		return encodeResponse(kind, SourceDeterministic, out)
	})
}

func decodeInput[In any](kind Kind, payload json.RawMessage) (In, error) {
	var in In
	if len(payload) == 0 || string(payload) == "null" {
		return in, nil
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return in, fmt.Errorf("%s request: %w: %w", kind, fault.ErrInvalid, err)
	}
	return in, nil
}

func encodeResponse(kind Kind, source Source, out any) (Response, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s response: %w", kind, err)
	}
	return Response{Kind: kind, Source: source, Payload: data}, nil
}

// Digest returns the sha256 hex digest of the canonical form of a
// request. Object keys are sorted so equivalent payloads digest alike.
func Digest(kind Kind, req Request) string {
	canonical := struct {
		Kind    Kind   `json:"kind"`
		UserID  string `json:"user_id"`
		Payload any    `json:"payload"`
	}{Kind: kind, UserID: req.UserID}

	if len(req.Payload) > 0 {
		var v any
		if err := json.Unmarshal(req.Payload, &v); err == nil {
			canonical.Payload = v
		} else {
			canonical.Payload = string(req.Payload)
		}
	}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
