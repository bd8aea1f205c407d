// Package provider fetches listing content. Providers are selected by host
// through a Registry; hosts without a dedicated provider fall back to a
// generic HTTP provider when they are redirect targets.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/urlnorm"
)

var (
	ErrNoProvider = errors.New("provider: no provider for host")
	ErrNoHosts    = errors.New("provider: at least one host is required")
)

// Provider fetches the content of a listing URL and reports a redirect
// target when the page is only a pointer to the realtor's own listing.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, url string) (*domain.FetchResult, error)
}

// Registry maps hosts (without "www.") to providers. Lookups only take a read
// lock around the map access.
type Registry struct {
	mu       sync.RWMutex
	byHost   map[string]Provider
	fallback Provider
	logger   *slog.Logger
}

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry. fallback serves redirect targets on
// hosts nobody registered.
func NewRegistry(fallback Provider, opts ...Option) *Registry {
	if fallback == nil {
		panic("provider: fallback must not be nil")
	}
	r := &Registry{byHost: make(map[string]Provider), fallback: fallback}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Register binds p to the given hosts. A later registration for the same host
// replaces the earlier one.
func (r *Registry) Register(p Provider, hosts ...string) error {
	if p == nil {
		return fmt.Errorf("provider: provider must not be nil")
	}
	if len(hosts) == 0 {
		return ErrNoHosts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hosts {
		h = normalizeHost(h)
		if prev, ok := r.byHost[h]; ok && prev != p {
			r.log().Debug("provider replaced", "host", h, "old", prev.Name(), "new", p.Name())
		}
		r.byHost[h] = p
	}
	return nil
}

// Select returns the provider registered for the URL's host.
func (r *Registry) Select(rawURL string) (Provider, error) {
	u, err := urlnorm.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	host := urlnorm.Host(u)
	r.mu.RLock()
	p, ok := r.byHost[host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, host)
	}
	return p, nil
}

// Fallback returns the generic provider.
func (r *Registry) Fallback() Provider { return r.fallback }

// Supports reports whether host (without "www.") has a dedicated provider.
func (r *Registry) Supports(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byHost[normalizeHost(host)]
	return ok
}

// Hosts returns the registered hosts in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
