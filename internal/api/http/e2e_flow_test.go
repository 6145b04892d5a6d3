package apihttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"filesearch/internal/domain"
	"filesearch/internal/transport"
)

// fileServerBackend emulates the file-search backend: a server directory and
// an SSE search endpoint emitting one batch per requested server.
func fileServerBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(transport.DefaultServersPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["s1","s2"]`))
	})
	mux.HandleFunc(transport.DefaultSearchPath, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("rootPath") == "" || query.Get("searchTerm") == "" {
			http.Error(w, "missing parameters", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, server := range query["servers"] {
			if server == "broken" {
				_, _ = fmt.Fprint(w, "data: {oops\n\n")
				flusher.Flush()
				continue
			}
			_, _ = fmt.Fprintf(w, "data: [{\"server\":%q,\"filePath\":\"%s/hit-%d.txt\",\"count\":%d}]\n\n",
				server, query.Get("rootPath"), i, i+1)
			flusher.Flush()
		}
		_, _ = fmt.Fprint(w, "event: done\ndata: {\"final\":true}\n\n")
		flusher.Flush()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newE2EServer(t *testing.T, backendURL string) *httptest.Server {
	t.Helper()
	adapter, err := transport.New(transport.Config{Mode: transport.ModeStream, BaseURL: backendURL})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	directory := transport.NewDirectory(transport.DirectoryConfig{BaseURL: backendURL})
	return startWSServer(t, NewServer(adapter, WithDirectory(directory)))
}

func TestE2EServersComeFromBackendDirectory(t *testing.T) {
	backend := fileServerBackend(t)
	gateway := newE2EServer(t, backend.URL)

	resp, err := http.Get(gateway.URL + "/api/servers")
	if err != nil {
		t.Fatalf("get servers: %v", err)
	}
	defer resp.Body.Close()

	var servers []string
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(servers) != 2 || servers[0] != "s1" || servers[1] != "s2" {
		t.Fatalf("unexpected servers %v", servers)
	}
}

// TestE2EWebsocketSearchAcrossServers covers the full path: websocket
// command, SSE transport, bus, aggregator and state push.
func TestE2EWebsocketSearchAcrossServers(t *testing.T) {
	backend := fileServerBackend(t)
	gateway := newE2EServer(t, backend.URL)
	conn := dialWS(t, gateway)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{
		"type": "search", "servers": []string{"s1", "broken", "s2"}, "rootPath": "/srv", "searchTerm": "needle",
	})
	state := decodeState(t, readUntil(t, conn, "state", terminalState))

	if state.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %+v", state)
	}
	if len(state.Results) != 2 {
		t.Fatalf("expected malformed frame skipped and two results, got %+v", state.Results)
	}
	for i, want := range []string{"s1", "s2"} {
		record := state.Results[i]
		if record.Server != want || record.Position != i || !strings.HasPrefix(record.FilePath, "/srv/") {
			t.Fatalf("result %d: unexpected record %+v", i, record)
		}
	}
}

func TestE2ESearchStreamEndpoint(t *testing.T) {
	backend := fileServerBackend(t)
	gateway := newE2EServer(t, backend.URL)

	resp, err := http.Get(gateway.URL + "/api/search/stream?servers=s1&rootPath=/srv&searchTerm=needle")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Session-ID") == "" {
		t.Fatal("expected session id header")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)
	if !containsAll(body, []string{`"status":"completed"`, `"filePath":"/srv/hit-0.txt"`, "event: done"}) {
		t.Fatalf("unexpected stream body: %s", body)
	}
}

func TestE2EBackendDownFailsWithTransportError(t *testing.T) {
	backend := fileServerBackend(t)
	backendURL := backend.URL
	backend.Close()
	gateway := newE2EServer(t, backendURL)
	conn := dialWS(t, gateway)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{
		"type": "search", "servers": []string{"s1"}, "rootPath": "/srv", "searchTerm": "needle",
	})
	state := decodeState(t, readUntil(t, conn, "state", terminalState))
	if state.Status != domain.StatusFailed || state.ErrorKind != domain.ErrorKindTransport {
		t.Fatalf("expected transport failure, got %+v", state)
	}
	if state.Alert != searchFailedAlert {
		t.Fatalf("expected alert, got %q", state.Alert)
	}
}
