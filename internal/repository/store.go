// Package repository persists listing records with sqlx over SQLite, libSQL or
// Postgres. Every status write is a compare-and-set on the stored status.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"boliganalyse/internal/domain"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const listingColumns = `id, url, normalized_url, redirect_url, html_primary, html_redirect,
	extracted_text, status, analysis_result, error_message, realtor, image_url, created_at, updated_at`

var _ domain.ListingRepository = (*Store)(nil)

type listingRow struct {
	ID             string         `db:"id"`
	URL            string         `db:"url"`
	NormalizedURL  string         `db:"normalized_url"`
	RedirectURL    sql.NullString `db:"redirect_url"`
	HTMLPrimary    sql.NullString `db:"html_primary"`
	HTMLRedirect   sql.NullString `db:"html_redirect"`
	ExtractedText  sql.NullString `db:"extracted_text"`
	Status         string         `db:"status"`
	AnalysisResult sql.NullString `db:"analysis_result"`
	ErrorMessage   sql.NullString `db:"error_message"`
	Realtor        sql.NullString `db:"realtor"`
	ImageURL       sql.NullString `db:"image_url"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r listingRow) record() domain.ListingRecord {
	rec := domain.ListingRecord{
		ID:            r.ID,
		URL:           r.URL,
		NormalizedURL: r.NormalizedURL,
		RedirectURL:   r.RedirectURL.String,
		HTMLPrimary:   r.HTMLPrimary.String,
		HTMLRedirect:  r.HTMLRedirect.String,
		ExtractedText: r.ExtractedText.String,
		Status:        domain.AnalysisStatus(r.Status),
		Realtor:       r.Realtor.String,
		ImageURL:      r.ImageURL.String,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
	if r.AnalysisResult.Valid && r.AnalysisResult.String != "" {
		rec.AnalysisResult = json.RawMessage(r.AnalysisResult.String)
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		rec.ErrorMessage = &msg
	}
	return rec
}

// Store implements domain.ListingRepository.
type Store struct {
	db      *sqlx.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	newID   func() string
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates the store and initializes the schema.
func NewStore(ctx context.Context, db *sqlx.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	s := &Store{db: db, nowFunc: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("repository migrate: %w", err)
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// migrate creates the listings table if it doesn't exist. The DDL is portable
// across SQLite and Postgres.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			normalized_url TEXT NOT NULL UNIQUE,
			redirect_url TEXT,
			html_primary TEXT,
			html_redirect TEXT,
			extracted_text TEXT,
			status TEXT NOT NULL,
			analysis_result TEXT,
			error_message TEXT,
			realtor TEXT,
			image_url TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS listings_status_updated_idx ON listings (status, updated_at)`)
	return err
}

func (s *Store) now() string {
	return s.nowFunc().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// =============================================================================
// Reads
// =============================================================================

func (s *Store) findOne(ctx context.Context, where string, arg any) (*domain.ListingRecord, error) {
	var row listingRow
	q := s.db.Rebind("SELECT " + listingColumns + " FROM listings WHERE " + where + " = ?")
	if err := s.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrListingNotFound
		}
		return nil, fmt.Errorf("repository: find listing: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*domain.ListingRecord, error) {
	return s.findOne(ctx, "id", id)
}

func (s *Store) FindByNormalizedURL(ctx context.Context, normalizedURL string) (*domain.ListingRecord, error) {
	return s.findOne(ctx, "normalized_url", normalizedURL)
}

// ListStale returns records in one of statuses last updated before cutoff,
// oldest first.
func (s *Store) ListStale(ctx context.Context, statuses []domain.AnalysisStatus, cutoff time.Time) ([]domain.ListingRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	q, args, err := sqlx.In("SELECT "+listingColumns+" FROM listings WHERE status IN (?) AND updated_at < ? ORDER BY updated_at",
		names, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("repository: build stale query: %w", err)
	}
	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("repository: list stale: %w", err)
	}
	out := make([]domain.ListingRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// =============================================================================
// Writes
// =============================================================================

// CreateListing inserts a pending record. A concurrent or earlier insert for
// the same normalized URL wins and its record is returned.
func (s *Store) CreateListing(ctx context.Context, url, normalizedURL string) (*domain.ListingRecord, error) {
	now := s.now()
	q := s.db.Rebind(`INSERT INTO listings (id, url, normalized_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (normalized_url) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, s.newID(), url, normalizedURL, string(domain.StatusPending), now, now)
	if err != nil {
		return nil, fmt.Errorf("repository: create listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log().Debug("listing already exists", "normalized_url", normalizedURL)
	}
	return s.FindByNormalizedURL(ctx, normalizedURL)
}

func (s *Store) ClaimForRun(ctx context.Context, id string) (*domain.ListingRecord, error) {
	if err := s.UpdateStatus(ctx, id, domain.StatusPending, domain.StatusQueued); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, id)
}

// UpdateStatus moves a record forward. It clears any error message.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.AnalysisStatus) error {
	if !to.Valid() || !from.Valid() {
		return fmt.Errorf("%w: %s -> %s", domain.ErrUnknownStatus, from, to)
	}
	if to.IsErrorClass() {
		return fmt.Errorf("repository: use SetErrorStatus for %s", to)
	}
	if _, err := domain.Advance(domain.ListingRecord{ID: id, Status: from}, to); err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE listings SET status = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(to), s.now(), id, string(from))
	if err != nil {
		return fmt.Errorf("repository: update status: %w", err)
	}
	return s.checkCAS(ctx, res, id)
}

// SetErrorStatus writes an error-class status unless the record is already
// terminal.
func (s *Store) SetErrorStatus(ctx context.Context, id string, status domain.AnalysisStatus, message string) error {
	if !status.IsErrorClass() {
		return fmt.Errorf("%w: %s", domain.ErrNotErrorClass, status)
	}
	if message == "" {
		message = string(status)
	}
	terminal := make([]string, len(domain.TerminalStatuses))
	for i, st := range domain.TerminalStatuses {
		terminal[i] = string(st)
	}
	q, args, err := sqlx.In(`UPDATE listings SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?)`, string(status), message, s.now(), id, terminal)
	if err != nil {
		return fmt.Errorf("repository: build error update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("repository: set error status: %w", err)
	}
	return s.checkCAS(ctx, res, id)
}

// FailPending writes an error-class status for a record nobody has claimed.
func (s *Store) FailPending(ctx context.Context, id string, status domain.AnalysisStatus, message string) error {
	if !status.IsErrorClass() {
		return fmt.Errorf("%w: %s", domain.ErrNotErrorClass, status)
	}
	if message == "" {
		message = string(status)
	}
	q := s.db.Rebind(`UPDATE listings SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(status), message, s.now(), id, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("repository: fail pending: %w", err)
	}
	return s.checkCAS(ctx, res, id)
}

func (s *Store) SaveFetchedContent(ctx context.Context, id string, c domain.FetchedContent) error {
	return s.update(ctx, id, "html_primary = ?, redirect_url = ?, html_redirect = ?",
		c.Primary, nullIfEmpty(c.RedirectURL), nullIfEmpty(c.Redirect))
}

func (s *Store) SaveExtractedText(ctx context.Context, id string, text string) error {
	return s.update(ctx, id, "extracted_text = ?", text)
}

func (s *Store) SaveAnalysisResult(ctx context.Context, id string, result json.RawMessage) error {
	if !json.Valid(result) {
		return fmt.Errorf("repository: analysis result is not valid JSON")
	}
	return s.update(ctx, id, "analysis_result = ?", string(result))
}

func (s *Store) UpdateListingMetadata(ctx context.Context, id string, meta domain.ListingMetadata) error {
	return s.update(ctx, id, "realtor = ?, image_url = ?", nullIfEmpty(meta.Realtor), nullIfEmpty(meta.ImageURL))
}

// update applies a non-status column update and bumps updated_at.
func (s *Store) update(ctx context.Context, id, set string, args ...any) error {
	q := s.db.Rebind("UPDATE listings SET " + set + ", updated_at = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, append(args, s.now(), id)...)
	if err != nil {
		return fmt.Errorf("repository: update listing: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrListingNotFound
	}
	return nil
}

// checkCAS turns a zero-row conditional update into ErrListingNotFound or
// ErrStatusConflict.
func (s *Store) checkCAS(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrStatusConflict
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
