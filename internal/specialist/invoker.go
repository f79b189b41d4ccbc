package specialist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/observe"
)

// Recorder receives one result per invocation.
type Recorder interface {
	RecordInvocation(observe.InvocationResult)
}

// Config tunes an [Invoker].
type Config struct {
	// MaxConcurrent caps calls in flight across all kinds.
	MaxConcurrent int
	// RateLimit is the sustained upstream calls per second. Zero
	// disables limiting.
	RateLimit float64
	// Timeout bounds one attempt. KindTimeouts overrides it per kind.
	Timeout      time.Duration
	KindTimeouts map[Kind]time.Duration
	// RetryCount is the number of extra attempts after the first.
	RetryCount int
	// BackoffBase is the first retry delay; later delays grow
	// exponentially with jitter.
	BackoffBase time.Duration
}

// Invoker calls specialists through the handler table.
type Invoker struct {
	handlers Table
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewInvoker creates an invoker. A nil recorder discards results.
func NewInvoker(handlers Table, cfg Config, recorder Recorder, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	iv := &Invoker{
		handlers: handlers,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("planwright/specialist"),
		now:      time.Now,
	}
	if cfg.RateLimit > 0 {
		iv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return iv
}

// Kinds reports which kinds have a handler.
func (iv *Invoker) Kinds() []Kind {
	var out []Kind
	for _, k := range Kinds {
		if _, ok := iv.handlers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (iv *Invoker) timeout(kind Kind) time.Duration {
	if d := iv.cfg.KindTimeouts[kind]; d > 0 {
		return d
	}
	return iv.cfg.Timeout
}

// Invoke runs one specialist call. Timeouts and transient errors are
// retried for retryable kinds; when they persist the returned error
// wraps [fault.ErrFailed]. Other errors are returned as they are.
// Exactly one result is recorded regardless of outcome.
func (iv *Invoker) Invoke(ctx context.Context, kind Kind, sessionID string, req Request) (Response, error) {
	start := iv.now()
	res := observe.InvocationResult{
		Kind:          string(kind),
		SessionID:     sessionID,
		RequestDigest: Digest(kind, req),
	}

	ctx, span := iv.tracer.Start(ctx, "specialist.Invoke",
		trace.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("session_id", sessionID),
			attribute.String("request_digest", res.RequestDigest),
		))
	defer span.End()

	resp, attempts, err := iv.invoke(ctx, kind, req)

	res.Attempts = attempts
	res.Latency = iv.now().Sub(start)
	res.At = iv.now()
	switch {
	case err != nil:
		res.Outcome = observe.OutcomeFailed
		res.ErrorKind = string(fault.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case attempts > 1:
		res.Outcome = observe.OutcomeRetried
	default:
		res.Outcome = observe.OutcomeSuccess
	}
	span.SetAttributes(
		attribute.Int("attempts", attempts),
		attribute.String("outcome", string(res.Outcome)),
	)
	if iv.recorder != nil {
		iv.recorder.RecordInvocation(res)
	}

	if err != nil {
		iv.logger.Warn("specialist call failed",
			"kind", kind, "session_id", sessionID, "attempts", attempts,
			"error_kind", res.ErrorKind, "error", err)
	} else {
		iv.logger.Debug("specialist call complete",
			"kind", kind, "session_id", sessionID, "attempts", attempts,
			"source", resp.Source, "latency", res.Latency)
	}
	return resp, err
}

func (iv *Invoker) invoke(ctx context.Context, kind Kind, req Request) (Response, int, error) {
	h, ok := iv.handlers[kind]
	if !ok {
		return Response{}, 0, fmt.Errorf("specialist %q: %w: unknown kind", kind, fault.ErrInvalid)
	}

	if err := iv.sem.Acquire(ctx, 1); err != nil {
		return Response{}, 0, fmt.Errorf("specialist %s: waiting for slot: %w", kind, err)
	}
	defer iv.sem.Release(1)

	attempts := 0
	timeout := iv.timeout(kind)
	op := func() (Response, error) {
		attempts++
		if iv.limiter != nil {
			if err := iv.limiter.Wait(ctx); err != nil {
				return Response{}, backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
			}
		}

		actx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := h.Handle(actx, req)
		cancel()
		if err == nil {
			resp.Kind = kind
			return resp, nil
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", fault.ErrTimeout, timeout, err)
		}
		if !kind.Retryable() || !fault.Retryable(err) || ctx.Err() != nil {
			return Response{}, backoff.Permanent(err)
		}
		return Response{}, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(iv.newBackOff()),
		backoff.WithMaxTries(uint(iv.cfg.RetryCount+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			iv.logger.Debug("retrying specialist call",
				"kind", kind, "attempt", attempts, "next", next, "error", err)
		}),
	)
	if err != nil {
		if fault.Retryable(err) && ctx.Err() == nil {
			err = fmt.Errorf("specialist %s: %w after %d attempts: %w", kind, fault.ErrFailed, attempts, err)
		} else {
			err = fmt.Errorf("specialist %s: %w", kind, err)
		}
		return Response{}, attempts, err
	}
	return resp, attempts, nil
}

func (iv *Invoker) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = iv.cfg.BackoffBase
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 30 * b.InitialInterval
	return b
}
