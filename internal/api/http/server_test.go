package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"filesearch/internal/domain"
	"filesearch/internal/transport"
)

// scriptedAdapter replays a fixed event script on every Open. With block
// set, the script waits until the handle is cancelled.
type scriptedAdapter struct {
	script []domain.StreamEvent
	block  bool

	mu    sync.Mutex
	opens int
}

type scriptedHandle struct {
	mu        sync.Mutex
	cancelled bool
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (h *scriptedHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.stop) })
}

func (h *scriptedHandle) Done() <-chan struct{} { return h.done }

func (a *scriptedAdapter) Mode() string { return "scripted" }

func (a *scriptedAdapter) Open(_ context.Context, _ domain.SearchRequest, sink transport.Sink) (transport.Handle, error) {
	a.mu.Lock()
	a.opens++
	a.mu.Unlock()

	h := &scriptedHandle{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if a.block {
			<-h.stop
			return
		}
		for _, event := range a.script {
			h.mu.Lock()
			if h.cancelled {
				h.mu.Unlock()
				return
			}
			sink(event)
			h.mu.Unlock()
		}
	}()
	return h, nil
}

func (a *scriptedAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

func twoServerScript() []domain.StreamEvent {
	return []domain.StreamEvent{
		domain.DataEvent([]domain.ResultRecord{{Server: "s1", FilePath: "/tmp/a.txt", MatchCount: 2}}),
		domain.DataEvent([]domain.ResultRecord{{Server: "s2", FilePath: "/tmp/b.txt", MatchCount: 1}}),
		domain.CompleteEvent(),
	}
}

type fakeDirectory struct {
	servers []string
	err     error
}

func (f *fakeDirectory) Servers(context.Context) ([]string, error) {
	return f.servers, f.err
}

func containsAll(body string, parts []string) bool {
	for _, part := range parts {
		if !strings.Contains(body, part) {
			return false
		}
	}
	return true
}

func TestHealthReportsMode(t *testing.T) {
	server := NewServer(&scriptedAdapter{})
	defer server.Close()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["mode"] != "scripted" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestServersEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		directory ServerDirectory
		status    int
		contains  string
	}{
		{"ok", &fakeDirectory{servers: []string{"alpha", "beta"}}, http.StatusOK, `["alpha","beta"]`},
		{"empty", &fakeDirectory{}, http.StatusOK, `[]`},
		{"upstream failure", &fakeDirectory{err: errors.New("boom")}, http.StatusBadGateway, `"upstream_error"`},
		{"not configured", nil, http.StatusServiceUnavailable, `"service_unavailable"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := []ServerOption{}
			if tc.directory != nil {
				opts = append(opts, WithDirectory(tc.directory))
			}
			server := NewServer(&scriptedAdapter{}, opts...)
			defer server.Close()

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.contains) {
				t.Fatalf("expected body to contain %s, got %s", tc.contains, rec.Body.String())
			}
		})
	}
}

func TestServersEndpointRejectsPost(t *testing.T) {
	server := NewServer(&scriptedAdapter{}, WithDirectory(&fakeDirectory{}))
	defer server.Close()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/servers", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSearchStreamSendsStates(t *testing.T) {
	adapter := &scriptedAdapter{script: twoServerScript()}
	server := NewServer(adapter)
	defer server.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/search/stream?servers=s1&servers=s2&rootPath=/tmp&searchTerm=foo", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !containsAll(body, []string{"event: state", `"status":"completed"`, `"filePath":"/tmp/b.txt"`, "event: done"}) {
		t.Fatalf("unexpected stream body: %s", body)
	}
	if strings.Contains(body, `"alert"`) {
		t.Fatalf("completed search must not carry an alert: %s", body)
	}
	if adapter.openCount() != 1 {
		t.Fatalf("expected one open, got %d", adapter.openCount())
	}
}

func TestSearchStreamEmptyResultCarriesAlert(t *testing.T) {
	server := NewServer(&scriptedAdapter{script: []domain.StreamEvent{domain.CompleteEvent()}})
	defer server.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/search/stream?servers=s1&rootPath=/tmp&searchTerm=foo", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !containsAll(body, []string{`"status":"failed"`, `"errorKind":"empty_result"`, searchFailedAlert}) {
		t.Fatalf("expected empty-result failure with alert, got %s", body)
	}
}

func TestSearchStreamRejectsInvalidRequest(t *testing.T) {
	adapter := &scriptedAdapter{script: twoServerScript()}
	server := NewServer(adapter)
	defer server.Close()

	for _, target := range []string{
		"/api/search/stream?rootPath=/tmp&searchTerm=foo",
		"/api/search/stream?servers=s1&searchTerm=foo",
		"/api/search/stream?servers=s1,S1&rootPath=/tmp&searchTerm=foo",
	} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"invalid_request"`) {
			t.Fatalf("%s: unexpected body %s", target, rec.Body.String())
		}
	}
	if adapter.openCount() != 0 {
		t.Fatalf("expected no transport calls, got %d", adapter.openCount())
	}
}

func TestSearchStreamSessionLimit(t *testing.T) {
	server := NewServer(&scriptedAdapter{script: twoServerScript()}, WithMaxSessions(1))
	defer server.Close()

	release, ok := server.acquireSession()
	if !ok {
		t.Fatal("expected first slot")
	}
	defer release()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search/stream?servers=s1&rootPath=/tmp&searchTerm=foo", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	server := NewServer(&scriptedAdapter{}, WithDirectory(&fakeDirectory{}), WithRateLimit(1, 1))
	defer server.Close()
	handler := server.Handler()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/servers", nil))

	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %d then %d", first.Code, second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestNormalizeRoute(t *testing.T) {
	for path, want := range map[string]string{
		"/health":            "/health",
		"/ws":                "/ws",
		"/api/servers":       "/api/servers",
		"/api/search/stream": "/api/search/stream",
		"/favicon.ico":       "/other",
	} {
		if got := normalizeRoute(path); got != want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestParseServers(t *testing.T) {
	got := parseServers([]string{"s1, s2", "", "s3"})
	want := []string{"s1", "s2", "s3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
