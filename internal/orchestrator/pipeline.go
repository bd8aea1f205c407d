package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/urlnorm"
)

// additionalInfoSeparator joins the primary and secondary listing texts.
const additionalInfoSeparator = "\n\n--- Additional Information ---\n\n"

// run is one pipeline execution. rec mirrors the stored record as far as this
// run has written it.
type run struct {
	o   *Orchestrator
	rec domain.ListingRecord

	content       domain.FetchedContent
	realtor       string
	primaryText   string
	secondaryText string
	imageURL      string
	combined      string
	result        *domain.AnalysisResult
}

func (o *Orchestrator) runPipeline(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	rec, err := o.repo.ClaimForRun(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return ErrNotRunnable
		}
		return err
	}
	o.log().Info("pipeline started", "listing_id", id, "url", rec.URL)

	r := &run{o: o, rec: *rec}
	stages := []struct {
		status domain.AnalysisStatus
		work   func(context.Context) error
	}{
		{domain.StatusFetchingHTML, r.fetch},
		{domain.StatusParsingData, r.parse},
		{domain.StatusPreparingAnalysis, r.prepare},
		{domain.StatusGeneratingInsights, r.generate},
		{domain.StatusFinalizing, r.finalize},
	}
	for _, st := range stages {
		if err := r.advance(ctx, st.status); err != nil {
			return o.stop(ctx, r, err)
		}
		if err := st.work(ctx); err != nil {
			return o.stop(ctx, r, err)
		}
	}
	if err := r.advance(ctx, domain.StatusCompleted); err != nil {
		return o.stop(ctx, r, err)
	}
	o.log().Info("pipeline completed", "listing_id", id)
	return nil
}

// stop records the failure that ended the run and returns it.
func (o *Orchestrator) stop(ctx context.Context, r *run, err error) error {
	f := classify(ctx, err)
	o.log().Warn("pipeline stopped", "listing_id", r.rec.ID, "stage", r.rec.Status, "kind", f.Kind, "error", err)
	o.writeFailure(ctx, r.rec.ID, f)
	return f
}

// advance writes the next status. The transition is checked in memory first
// and then applied as a compare-and-set on the stored status.
func (r *run) advance(ctx context.Context, next domain.AnalysisStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	moved, err := domain.Advance(r.rec, next)
	if err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	if err := r.o.repo.UpdateStatus(ctx, r.rec.ID, r.rec.Status, next); err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	r.rec = moved
	r.o.log().Debug("stage started", "listing_id", r.rec.ID, "status", next)
	return nil
}

// =============================================================================
// Stages
// =============================================================================

func (r *run) fetch(ctx context.Context) error {
	primary, err := r.o.providers.Select(r.rec.URL)
	if err != nil {
		primary = r.o.providers.Fallback()
	}
	res, err := primary.Fetch(ctx, r.rec.URL)
	if err != nil {
		return fail(domain.FailureFetch, msgFetch, fmt.Errorf("%s: %w", primary.Name(), err))
	}
	r.content = domain.FetchedContent{Primary: res.Content}
	r.realtor = primary.Name()

	if res.RedirectURL != "" {
		r.fetchRedirect(ctx, res.RedirectURL)
	}
	if err := r.o.repo.SaveFetchedContent(ctx, r.rec.ID, r.content); err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	r.rec.HTMLPrimary = r.content.Primary
	r.rec.RedirectURL = r.content.RedirectURL
	r.rec.HTMLRedirect = r.content.Redirect
	return nil
}

// fetchRedirect fetches the realtor page the aggregator points at. Its failure
// leaves the run with the primary content only.
func (r *run) fetchRedirect(ctx context.Context, target string) {
	p, err := r.o.providers.Select(target)
	dedicated := err == nil
	if !dedicated {
		p = r.o.providers.Fallback()
	}
	res, err := p.Fetch(ctx, target)
	if err != nil {
		r.o.log().Warn("redirect fetch failed, continuing with primary content",
			"listing_id", r.rec.ID, "redirect_url", target, "provider", p.Name(), "error", err)
		return
	}
	r.content.RedirectURL = target
	r.content.Redirect = res.Content
	if dedicated {
		r.realtor = p.Name()
	} else if u, err := urlnorm.Parse(target); err == nil {
		r.realtor = urlnorm.Host(u)
	}
}

func (r *run) parse(ctx context.Context) error {
	text, err := r.o.extractor.Text([]byte(r.rec.HTMLPrimary), r.rec.URL)
	if err != nil {
		return fail(domain.FailureParse, msgParse, err)
	}
	r.primaryText = text
	r.imageURL = r.o.extractor.ImageURL([]byte(r.rec.HTMLPrimary), r.rec.URL)

	if r.rec.HTMLRedirect == "" {
		return nil
	}
	secondary, err := r.o.extractor.Text([]byte(r.rec.HTMLRedirect), r.rec.RedirectURL)
	if err != nil {
		r.o.log().Warn("redirect content unreadable, skipping", "listing_id", r.rec.ID, "error", err)
		return nil
	}
	r.secondaryText = secondary
	if img := r.o.extractor.ImageURL([]byte(r.rec.HTMLRedirect), r.rec.RedirectURL); img != "" && r.imageURL == "" {
		r.imageURL = img
	}
	return nil
}

func (r *run) prepare(ctx context.Context) error {
	combined := combineTexts(r.primaryText, r.secondaryText)
	if r.o.tokenizer != nil {
		truncated, err := r.o.tokenizer.Truncate(combined, r.o.maxInputTokens)
		if err != nil {
			return fail(domain.FailureParse, msgPrepare, err)
		}
		if len(truncated) < len(combined) {
			r.o.log().Info("listing text truncated", "listing_id", r.rec.ID,
				"max_tokens", r.o.maxInputTokens, "bytes_before", len(combined), "bytes_after", len(truncated))
		}
		combined = truncated
	}
	if err := r.o.repo.SaveExtractedText(ctx, r.rec.ID, combined); err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	r.combined = combined
	return nil
}

// combineTexts appends secondary to primary unless it is empty or an exact
// duplicate.
func combineTexts(primary, secondary string) string {
	s := strings.TrimSpace(secondary)
	if s == "" || s == strings.TrimSpace(primary) {
		return primary
	}
	return primary + additionalInfoSeparator + secondary
}

func (r *run) generate(ctx context.Context) error {
	res, err := r.o.analyzer.Analyze(ctx, r.combined)
	if err != nil {
		return err
	}
	r.result = res
	if err := r.saveResult(ctx); err != nil {
		return err
	}
	meta := domain.ListingMetadata{Realtor: r.realtor, ImageURL: r.imageURL}
	if err := r.o.repo.UpdateListingMetadata(ctx, r.rec.ID, meta); err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	return nil
}

func (r *run) finalize(ctx context.Context) error {
	r.result.Normalize()
	return r.saveResult(ctx)
}

func (r *run) saveResult(ctx context.Context) error {
	raw, err := json.Marshal(r.result)
	if err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	if err := r.o.repo.SaveAnalysisResult(ctx, r.rec.ID, raw); err != nil {
		return fail(domain.FailurePersistence, msgPersistence, err)
	}
	return nil
}
