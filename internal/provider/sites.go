package provider

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/urlnorm"
)

// boligsidenRedirectBase resolves an aggregator listing id to the realtor's page.
const boligsidenRedirectBase = "https://www.boligsiden.dk/viderestilling/"

// realtors maps supported realtor hosts to the name stored as the listing's realtor.
var realtors = map[string]string{
	"home.dk":           "home",
	"nybolig.dk":        "Nybolig",
	"edc.dk":            "EDC",
	"danbolig.dk":       "danbolig",
	"estate.dk":         "Estate",
	"realmaeglerne.dk":  "RealMæglerne",
	"lejebolig.dk":      "Lejebolig",
	"boligportal.dk":    "BoligPortal",
	"lokalbolig.dk":     "Lokalbolig",
	"boligone.dk":       "BoligOne",
	"1848.dk":           "1848",
	"dinmaegler.dk":     "Din Mægler",
	"lilholts.dk":       "Lilholts",
	"coldwellbanker.dk": "Coldwell Banker",
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
}

// =============================================================================
// SiteProvider
// =============================================================================

// SiteProvider fetches a realtor's own listing page. It never reports a redirect.
type SiteProvider struct {
	name    string
	fetcher Fetcher
}

// NewSiteProvider returns a provider named name that fetches with f.
func NewSiteProvider(name string, f Fetcher) *SiteProvider {
	if f == nil {
		panic("provider: fetcher must not be nil")
	}
	return &SiteProvider{name: name, fetcher: f}
}

func (p *SiteProvider) Name() string { return p.name }

func (p *SiteProvider) Fetch(ctx context.Context, rawURL string) (*domain.FetchResult, error) {
	page, err := p.fetcher.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return &domain.FetchResult{Content: string(page.Body)}, nil
}

// =============================================================================
// BoligsidenProvider
// =============================================================================

// BoligsidenProvider fetches aggregator pages and resolves the "udbud" id to
// the realtor's listing, which becomes the redirect target.
type BoligsidenProvider struct {
	fetcher      Fetcher
	resolver     Resolver
	redirectBase string
	logger       *slog.Logger
}

// NewBoligsidenProvider returns the aggregator provider.
func NewBoligsidenProvider(f Fetcher, r Resolver, logger *slog.Logger) *BoligsidenProvider {
	if f == nil || r == nil {
		panic("provider: fetcher and resolver must not be nil")
	}
	return &BoligsidenProvider{fetcher: f, resolver: r, redirectBase: boligsidenRedirectBase, logger: logger}
}

func (p *BoligsidenProvider) Name() string { return "Boligsiden" }

func (p *BoligsidenProvider) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Fetch returns the aggregator page. A failed redirect resolution is logged and
// leaves RedirectURL empty; only cancellation aborts the fetch.
func (p *BoligsidenProvider) Fetch(ctx context.Context, rawURL string) (*domain.FetchResult, error) {
	page, err := p.fetcher.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	res := &domain.FetchResult{Content: string(page.Body)}

	u, err := url.Parse(rawURL)
	if err != nil {
		return res, nil
	}
	id := u.Query().Get("udbud")
	if id == "" {
		return res, nil
	}
	target, err := p.resolver.Resolve(ctx, p.redirectBase+url.PathEscape(id))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log().Warn("boligsiden redirect not resolved", "url", rawURL, "udbud", id, "error", err)
		return res, nil
	}
	if tu, err := urlnorm.Parse(target); err != nil || urlnorm.Host(tu) == urlnorm.AggregatorHost {
		p.log().Warn("boligsiden redirect stayed on aggregator", "url", rawURL, "target", target)
		return res, nil
	}
	res.RedirectURL = target
	return res, nil
}

// =============================================================================
// Default registry
// =============================================================================

// NewDefaultRegistry registers the aggregator, every supported realtor and a
// generic fallback. Hosts in renderedHosts use rendered when it is non-nil.
func NewDefaultRegistry(httpFetcher *HTTPFetcher, rendered Fetcher, renderedHosts []string, opts ...Option) *Registry {
	if httpFetcher == nil {
		panic("provider: http fetcher must not be nil")
	}
	r := NewRegistry(NewSiteProvider("generic", httpFetcher), opts...)

	useRendered := make(map[string]bool, len(renderedHosts))
	if rendered != nil {
		for _, h := range renderedHosts {
			useRendered[normalizeHost(h)] = true
		}
	}

	r.Register(NewBoligsidenProvider(httpFetcher, httpFetcher, r.logger), urlnorm.AggregatorHost)
	for host, name := range realtors {
		var f Fetcher = httpFetcher
		if useRendered[host] {
			f = rendered
		}
		r.Register(NewSiteProvider(name, f), host)
	}
	for host := range useRendered {
		if _, known := realtors[host]; !known && host != urlnorm.AggregatorHost {
			r.Register(NewSiteProvider(host, rendered), host)
		}
	}
	return r
}
