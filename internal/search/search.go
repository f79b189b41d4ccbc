// Package search provides the pluggable web search boundary used by the
// resource specialist.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes a single [Manager.Search] method.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"

	"github.com/nugget/planwright/internal/fault"
)

// ErrNotConfigured is returned when no provider can serve a query.
var ErrNotConfigured = errors.New("search: no provider configured")

// Result is a single search result. Rank is 1-based in provider order.
type Result struct {
	Rank    int    `json:"rank"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// DefaultCount is used when Options.Count is zero.
const DefaultCount = 5

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Pinger is implemented by providers that expose a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider. If the primary
// fails with a retryable error, the remaining providers are tried in
// name order.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("search: %w: query is required", fault.ErrInvalid)
	}
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, m.primary)
	}

	results, err := p.Search(ctx, query, opts)
	if err == nil || !fault.Retryable(err) {
		return rank(results), err
	}

	errs := []error{err}
	for _, name := range m.Providers() {
		if name == m.primary {
			continue
		}
		results, ferr := m.providers[name].Search(ctx, query, opts)
		if ferr == nil {
			return rank(results), nil
		}
		errs = append(errs, ferr)
	}
	return nil, errors.Join(errs...)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, provider)
	}
	results, err := p.Search(ctx, query, opts)
	return rank(results), err
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Probes returns the health checks of registered providers that have
// one, keyed by provider name.
func (m *Manager) Probes() map[string]func(context.Context) error {
	probes := make(map[string]func(context.Context) error)
	if m == nil {
		return probes
	}
	for name, p := range m.providers {
		if pinger, ok := p.(Pinger); ok {
			probes[name] = pinger.Ping
		}
	}
	return probes
}

// Configured reports whether at least one provider is registered. Safe
// on a nil receiver.
func (m *Manager) Configured() bool {
	return m != nil && len(m.providers) > 0
}

func rank(results []Result) []Result {
	results = slices.Clone(results)
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// httpError classifies a non-200 provider response.
func httpError(provider string, status int, body string) error {
	base := fault.ErrInvalid
	if status == http.StatusTooManyRequests || status >= 500 {
		base = fault.ErrTransient
	}
	return fmt.Errorf("%s: HTTP %d: %w: %s", provider, status, base, body)
}

func requestError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: request failed: %w", provider, ctx.Err())
	}
	return fmt.Errorf("%s: request failed: %w: %w", provider, fault.ErrTransient, err)
}
