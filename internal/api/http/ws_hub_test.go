package apihttp

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"filesearch/internal/domain"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsState struct {
	domain.AggregateState
	Alert string `json:"alert"`
}

// dialWS upgrades an httptest.Server to a WebSocket connection.
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	resp.Body.Close()
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	var msg wsEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal ws message: %v (raw: %s)", err, data)
	}
	return msg
}

// readUntil skips messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, accept func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readWSMessage(t, conn, time.Until(deadline))
		if msg.Type == msgType && (accept == nil || accept(msg.Data)) {
			return msg.Data
		}
	}
	t.Fatalf("timed out waiting for %q message", msgType)
	return nil
}

func decodeState(t *testing.T, data json.RawMessage) wsState {
	t.Helper()
	var state wsState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v (raw: %s)", err, data)
	}
	return state
}

func terminalState(data json.RawMessage) bool {
	var peek struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &peek)
	return peek.Status == "completed" || peek.Status == "failed"
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write ws message: %v", err)
	}
}

func startWSServer(t *testing.T, server *Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		srv.Close()
	})
	return srv
}

func TestWSSessionGreeting(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{}))
	conn := dialWS(t, srv)
	defer conn.Close()

	msg := readWSMessage(t, conn, 2*time.Second)
	if msg.Type != "session" {
		t.Fatalf("expected session greeting, got %s", msg.Type)
	}
	var greeting map[string]string
	if err := json.Unmarshal(msg.Data, &greeting); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if greeting["id"] == "" || greeting["mode"] != "scripted" {
		t.Fatalf("unexpected greeting %v", greeting)
	}
}

func TestWSSearchPushesStatesUntilCompleted(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{script: twoServerScript()}))
	conn := dialWS(t, srv)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{
		"type": "search", "servers": []string{"s1", "s2"}, "rootPath": "/tmp", "searchTerm": "foo",
	})
	state := decodeState(t, readUntil(t, conn, "state", terminalState))

	if state.Status != domain.StatusCompleted || state.Loading || state.HasError {
		t.Fatalf("expected completed state, got %+v", state)
	}
	if len(state.Results) != 2 || state.Results[0].Position != 0 || state.Results[1].Position != 1 {
		t.Fatalf("unexpected results %+v", state.Results)
	}
	if state.Results[1].Server != "s2" || state.Results[1].FilePath != "/tmp/b.txt" {
		t.Fatalf("unexpected second record %+v", state.Results[1])
	}
}

func TestWSEmptyResultCarriesAlert(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{script: []domain.StreamEvent{domain.CompleteEvent()}}))
	conn := dialWS(t, srv)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{
		"type": "search", "servers": []string{"s1"}, "rootPath": "/tmp", "searchTerm": "foo",
	})
	state := decodeState(t, readUntil(t, conn, "state", terminalState))
	if state.Status != domain.StatusFailed || state.ErrorKind != domain.ErrorKindEmptyResult {
		t.Fatalf("expected empty-result failure, got %+v", state)
	}
	if state.Alert != searchFailedAlert {
		t.Fatalf("expected alert %q, got %q", searchFailedAlert, state.Alert)
	}
}

func TestWSValidationError(t *testing.T) {
	adapter := &scriptedAdapter{script: twoServerScript()}
	srv := startWSServer(t, NewServer(adapter))
	conn := dialWS(t, srv)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{"type": "search", "servers": []string{}, "rootPath": "/tmp", "searchTerm": "foo"})
	data := readUntil(t, conn, "error", nil)

	var payload errorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "invalid_request" || payload.Field != "servers" {
		t.Fatalf("unexpected error payload %+v", payload)
	}
	if adapter.openCount() != 0 {
		t.Fatalf("expected no transport calls, got %d", adapter.openCount())
	}
}

func TestWSUnknownAndMalformedMessages(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{}))
	conn := dialWS(t, srv)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{"type": "explode"})
	if data := readUntil(t, conn, "error", nil); !strings.Contains(string(data), "unknown message type") {
		t.Fatalf("unexpected error %s", data)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if data := readUntil(t, conn, "error", nil); !strings.Contains(string(data), "malformed message") {
		t.Fatalf("unexpected error %s", data)
	}
}

func TestWSCancelFreezesState(t *testing.T) {
	adapter := &scriptedAdapter{block: true}
	srv := startWSServer(t, NewServer(adapter))
	conn := dialWS(t, srv)
	defer conn.Close()

	sendJSON(t, conn, map[string]any{
		"type": "search", "servers": []string{"s1"}, "rootPath": "/tmp", "searchTerm": "foo",
	})
	readUntil(t, conn, "state", nil)
	sendJSON(t, conn, map[string]any{"type": "cancel"})

	state := decodeState(t, readUntil(t, conn, "cancelled", nil))
	if state.Status != domain.StatusLoading || len(state.Results) != 0 {
		t.Fatalf("expected state frozen at loading, got %+v", state)
	}
}

func TestWSSessionLimit(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{}, WithMaxSessions(1)))
	first := dialWS(t, srv)
	defer first.Close()
	readWSMessage(t, first, 2*time.Second)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected second session to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %v", resp)
	}
	resp.Body.Close()
}

func TestWSSessionSlotReleasedOnDisconnect(t *testing.T) {
	server := NewServer(&scriptedAdapter{}, WithMaxSessions(1))
	srv := startWSServer(t, server)

	first := dialWS(t, srv)
	readWSMessage(t, first, 2*time.Second)
	first.Close()

	deadline := time.Now().Add(5 * time.Second)
	for server.wsHub.clientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := dialWS(t, srv)
	defer second.Close()
	if msg := readWSMessage(t, second, 2*time.Second); msg.Type != "session" {
		t.Fatalf("expected session greeting, got %s", msg.Type)
	}
}

func TestWSHubCloseDisconnectsClients(t *testing.T) {
	server := NewServer(&scriptedAdapter{block: true})
	srv := startWSServer(t, server)
	conn := dialWS(t, srv)
	defer conn.Close()
	readWSMessage(t, conn, 2*time.Second)

	server.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("expected connection close, got timeout: %v", err)
		}
		return
	}
}

func TestWSUpgradeCarriesSessionHeader(t *testing.T) {
	srv := startWSServer(t, NewServer(&scriptedAdapter{}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	headerID := resp.Header.Get(sessionIDHeader)
	if headerID == "" {
		t.Fatal("expected session id on upgrade response")
	}
	var greeting map[string]string
	if err := json.Unmarshal(readUntil(t, conn, "session", nil), &greeting); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if greeting["id"] != headerID {
		t.Fatalf("greeting id %q does not match header %q", greeting["id"], headerID)
	}
}
