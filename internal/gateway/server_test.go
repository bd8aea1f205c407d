package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/orchestrator"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeService struct {
	mu        sync.Mutex
	start     func(rawURL string) (*domain.ListingRecord, error)
	enqueued  []string
	enqueueFn func(id string) error
	views     map[string][]orchestrator.StatusView // successive GetStatus answers
	cancelErr error
	cancelled []string
}

func (f *fakeService) StartAnalysis(_ context.Context, rawURL string) (*domain.ListingRecord, error) {
	return f.start(rawURL)
}

func (f *fakeService) Enqueue(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, id)
	if f.enqueueFn != nil {
		return f.enqueueFn(id)
	}
	return nil
}

func (f *fakeService) GetStatus(_ context.Context, id string) (*orchestrator.StatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.views[id]
	if !ok || len(seq) == 0 {
		return nil, domain.ErrListingNotFound
	}
	v := seq[0]
	if len(seq) > 1 {
		f.views[id] = seq[1:]
	}
	return &v, nil
}

func (f *fakeService) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.views[id]; !ok {
		return domain.ErrListingNotFound
	}
	return nil
}

func recordWith(status domain.AnalysisStatus) func(string) (*domain.ListingRecord, error) {
	return func(raw string) (*domain.ListingRecord, error) {
		return &domain.ListingRecord{ID: "lst-1", URL: raw, Status: status}, nil
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// =============================================================================
// Auth and health
// =============================================================================

func TestServer_WhenAuthTokenSet_ShouldRequireBearerExceptHealth(t *testing.T) {
	svc := &fakeService{views: map[string][]orchestrator.StatusView{"lst-1": {{ListingID: "lst-1"}}}}
	h := NewServer(domain.ServerConfig{AuthToken: "hemmelig"}, svc).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/analyze/lst-1", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: want 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/analyze/lst-1", "", "Authorization", "Bearer forkert"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: want 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/analyze/lst-1", "", "Authorization", "Bearer hemmelig"); rec.Code != http.StatusOK {
		t.Errorf("right token: want 200, got %d", rec.Code)
	}
}

func TestBearerAuth_WhenTokenEmpty_ShouldPassThrough(t *testing.T) {
	called := false
	h := BearerAuth("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("expected next handler to be called")
	}
}

func TestBearerAuth_WhenNotBearerScheme_ShouldReturn401(t *testing.T) {
	h := BearerAuth("tok")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("next must not be called")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dG9r")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want 401, got %d", rec.Code)
	}
}

func TestNewServer_WhenNilService_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewServer(domain.ServerConfig{}, nil)
}

// =============================================================================
// POST /analyze
// =============================================================================

func TestAnalyze_WhenNewListing_ShouldEnqueueAndReturn202(t *testing.T) {
	svc := &fakeService{start: recordWith(domain.StatusPending)}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	rec := do(t, h, http.MethodPost, "/analyze", `{"url":"https://www.home.dk/sag/123"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", rec.Code, rec.Body)
	}
	got := decode[analyzeResponse](t, rec)
	if got.ListingID != "lst-1" || got.Status != domain.StatusPending || got.Message != "Analysis started" {
		t.Errorf("unexpected response %+v", got)
	}
	if len(svc.enqueued) != 1 || svc.enqueued[0] != "lst-1" {
		t.Errorf("expected lst-1 enqueued, got %v", svc.enqueued)
	}
}

func TestAnalyze_WhenAlreadySubmitted_ShouldNotEnqueue(t *testing.T) {
	svc := &fakeService{start: recordWith(domain.StatusCompleted)}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	rec := do(t, h, http.MethodPost, "/analyze", `{"url":"https://www.home.dk/sag/123"}`)
	got := decode[analyzeResponse](t, rec)
	if rec.Code != http.StatusAccepted || got.Status != domain.StatusCompleted || got.Message != "Analysis already submitted" {
		t.Errorf("unexpected response %d %+v", rec.Code, got)
	}
	if len(svc.enqueued) != 0 {
		t.Errorf("expected no enqueue, got %v", svc.enqueued)
	}
}

func TestAnalyze_WhenRunAlreadyQueued_ShouldStillReturn202(t *testing.T) {
	svc := &fakeService{
		start:     recordWith(domain.StatusPending),
		enqueueFn: func(string) error { return orchestrator.ErrNotRunnable },
	}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	rec := do(t, h, http.MethodPost, "/analyze", `{"url":"https://www.home.dk/sag/123"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("want 202, got %d", rec.Code)
	}
}

func TestAnalyze_WhenBadInput_ShouldReturn400(t *testing.T) {
	svc := &fakeService{start: func(string) (*domain.ListingRecord, error) {
		return nil, orchestrator.ErrInvalidInput
	}}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	for name, body := range map[string]string{
		"not json":    `url=x`,
		"missing url": `{}`,
		"blank url":   `{"url":"   "}`,
		"invalid url": `{"url":"ikke en url"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/analyze", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", name, rec.Code)
		}
	}
}

func TestAnalyze_WhenUnsupportedDomain_ShouldReturn202WithInvalidURL(t *testing.T) {
	svc := &fakeService{start: recordWith(domain.StatusInvalidURL)}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	got := decode[analyzeResponse](t, do(t, h, http.MethodPost, "/analyze", `{"url":"https://example.com/x"}`))
	if got.Status != domain.StatusInvalidURL || len(svc.enqueued) != 0 {
		t.Errorf("unexpected response %+v (enqueued %v)", got, svc.enqueued)
	}
}

func TestAnalyze_WhenRepositoryFails_ShouldReturn500(t *testing.T) {
	svc := &fakeService{start: func(string) (*domain.ListingRecord, error) {
		return nil, errors.New("db down")
	}}
	rec := do(t, NewServer(domain.ServerConfig{}, svc).Handler(), http.MethodPost, "/analyze", `{"url":"https://www.home.dk/sag/1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("want 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db down") {
		t.Error("internal error text must not leak")
	}
}

// =============================================================================
// GET / DELETE /analyze/{id}
// =============================================================================

func TestStatus_ShouldReturnViewOr404(t *testing.T) {
	msg := "fetch_failure: listing page could not be fetched"
	svc := &fakeService{views: map[string][]orchestrator.StatusView{
		"lst-1": {{ListingID: "lst-1", Status: domain.StatusError, Error: &msg, URL: "https://www.home.dk/sag/1"}},
	}}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	rec := do(t, h, http.MethodGet, "/analyze/lst-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "error" || body["error"] != msg || body["result"] != nil {
		t.Errorf("unexpected body %v", body)
	}
	if rec := do(t, h, http.MethodGet, "/analyze/ukendt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: want 404, got %d", rec.Code)
	}
}

func TestCancel_ShouldMapOutcomes(t *testing.T) {
	svc := &fakeService{views: map[string][]orchestrator.StatusView{"lst-1": {{ListingID: "lst-1"}}}}
	h := NewServer(domain.ServerConfig{}, svc).Handler()

	if rec := do(t, h, http.MethodDelete, "/analyze/lst-1", ""); rec.Code != http.StatusAccepted {
		t.Errorf("cancel: want 202, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/analyze/ukendt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: want 404, got %d", rec.Code)
	}
	svc.cancelErr = orchestrator.ErrNotCancellable
	if rec := do(t, h, http.MethodDelete, "/analyze/lst-1", ""); rec.Code != http.StatusConflict {
		t.Errorf("finished: want 409, got %d", rec.Code)
	}
}

func TestAnalyze_WhenWrongMethod_ShouldReturn405(t *testing.T) {
	h := NewServer(domain.ServerConfig{}, &fakeService{}).Handler()
	if rec := do(t, h, http.MethodGet, "/analyze", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("want 405, got %d", rec.Code)
	}
}

// =============================================================================
// Run
// =============================================================================

// fakeListener never accepts; Accept blocks until Close.
type fakeListener struct {
	once   sync.Once
	closed chan struct{}
}

func newFakeListener() *fakeListener { return &fakeListener{closed: make(chan struct{})} }

func (f *fakeListener) Accept() (net.Conn, error) {
	<-f.closed
	return nil, net.ErrClosed
}

func (f *fakeListener) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func TestRun_WhenListenFails_ShouldReturnError(t *testing.T) {
	orig := netListen
	defer func() { netListen = orig }()
	netListen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }

	srv := NewServer(domain.ServerConfig{Addr: ":1"}, &fakeService{})
	if err := srv.Run(make(chan struct{})); err == nil {
		t.Fatal("expected listen error")
	}
	if srv.ListenErr() == nil {
		t.Error("expected ListenErr to be recorded")
	}
}

func TestRun_WhenShutdownClosed_ShouldServeThenReturnNil(t *testing.T) {
	orig := netListen
	defer func() { netListen = orig }()
	netListen = func(string, string) (net.Listener, error) { return newFakeListener(), nil }

	srv := NewServer(domain.ServerConfig{}, &fakeService{})
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Run(shutdown) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Addr() != "127.0.0.1:8080" {
		t.Errorf("unexpected addr %q", srv.Addr())
	}
	close(shutdown)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestRun_WhenShutdownFails_ShouldReturnError(t *testing.T) {
	origListen, origShutdown := netListen, serverShutdown
	defer func() { netListen, serverShutdown = origListen, origShutdown }()
	fl := newFakeListener()
	defer fl.Close()
	netListen = func(string, string) (net.Listener, error) { return fl, nil }
	serverShutdown = func(*http.Server, context.Context) error { return errors.New("stuck") }

	srv := NewServer(domain.ServerConfig{}, &fakeService{})
	shutdown := make(chan struct{})
	close(shutdown)
	if err := srv.Run(shutdown); err == nil || err.Error() != "stuck" {
		t.Errorf("expected shutdown error, got %v", err)
	}
}
