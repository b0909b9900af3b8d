package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
)

// defaultAliases rewrites legacy model names to their current backend
// identifiers before routing.
var defaultAliases = map[string]string{
	"claude-sonnet-4":     "claude-sonnet-4-20250514",
	"claude-opus-4":       "claude-opus-4-20250514",
	"claude-sonnet-3.5":   "claude-3-5-sonnet-20241022",
	"claude-haiku-3.5":    "claude-3-5-haiku-20241022",
	"gpt-4":               "gpt-4o",
	"gpt-4-turbo-preview": "gpt-4o",
	"gpt-4-32k":           "gpt-4o",
	"gpt-3.5-turbo":       "gpt-4o-mini",
	"gpt-3.5-turbo-16k":   "gpt-4o-mini",
}

// Router resolves a model identifier to the provider that serves it.
// Aliases are applied first, then prefix rules in registration order,
// then the default provider. A model that matches nothing is a
// provider error.
//
// Router is safe for concurrent use once configured; Register, Alias,
// and SetDefault are meant for setup and must not race with Resolve.
type Router struct {
	mu       sync.RWMutex
	aliases  map[string]string
	routes   []route
	fallback Provider
}

type route struct {
	prefix string
	strip  bool
	target Provider
}

// NewRouter creates a Router preloaded with the legacy model aliases.
func NewRouter() *Router {
	aliases := make(map[string]string, len(defaultAliases))
	for from, to := range defaultAliases {
		aliases[from] = to
	}
	return &Router{aliases: aliases}
}

// Alias rewrites model name from to to before prefix matching.
func (r *Router) Alias(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[from] = to
}

// Register adds a prefix rule. When strip is true the prefix is removed
// from the model name before the request reaches the adapter, which is
// how routing tags like "ollama:" work.
func (r *Router) Register(prefix string, strip bool, target Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, strip: strip, target: target})
}

// SetDefault installs the provider used when no prefix rule matches.
func (r *Router) SetDefault(target Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = target
}

// Resolve returns the provider for model along with the effective model
// name the adapter should send to its backend.
func (r *Router) Resolve(model string) (Provider, string, error) {
	if model == "" {
		return nil, "", api.NewInvalidRequestError("model", "model is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if mapped, ok := r.aliases[model]; ok {
		model = mapped
	}

	for _, rt := range r.routes {
		if !strings.HasPrefix(model, rt.prefix) {
			continue
		}
		effective := model
		if rt.strip {
			effective = strings.TrimPrefix(model, rt.prefix)
		}
		return rt.target, effective, nil
	}

	if r.fallback != nil {
		return r.fallback, model, nil
	}
	return nil, "", api.NewProviderError(fmt.Sprintf("no provider configured for model %q", model))
}

// Close closes every registered provider once, even when one provider
// backs several routes.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Provider]bool)
	var errs []error
	for _, rt := range r.routes {
		if rt.target == nil || seen[rt.target] {
			continue
		}
		seen[rt.target] = true
		if err := rt.target.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.fallback != nil && !seen[r.fallback] {
		if err := r.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
