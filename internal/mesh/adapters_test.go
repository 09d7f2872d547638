package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftworks/weft/internal/taskqueue"
	"github.com/weftworks/weft/pkg/api"
)

func TestHTTPAdapterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if got := r.Header.Get("X-Fabric-Token"); got != "sekrit" {
			t.Errorf("custom header missing, got %q", got)
		}

		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["ping"]})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(nil)
	a.Headers = map[string]string{"X-Fabric-Token": "sekrit"}

	out, err := a.Send(context.Background(), srv.URL, map[string]any{"ping": "pong"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out["echo"] != "pong" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestHTTPAdapterNon2xxIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(nil)
	_, err := a.Send(context.Background(), srv.URL, map[string]any{})
	if !api.IsKind(err, api.KindProtocolError) {
		t.Fatalf("expected protocol_error, got %v", err)
	}
}

func TestHTTPAdapterEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(nil)
	out, err := a.Send(context.Background(), srv.URL, map[string]any{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty map, got %+v", out)
	}
}

func TestHTTPAdapterDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := a.Send(ctx, srv.URL, map[string]any{})
	if !api.IsKind(err, api.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

var testUpgrader = websocket.Upgrader{}

func TestStreamAdapterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var in map[string]any
		if err := conn.ReadJSON(&in); err != nil {
			t.Errorf("read frame: %v", err)
			return
		}
		_ = conn.WriteJSON(map[string]any{"echo": in["ping"]})
	}))
	defer srv.Close()

	a := NewStreamAdapter(nil)
	out, err := a.Send(context.Background(), srv.URL, map[string]any{"ping": "pong"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out["echo"] != "pong" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestStreamAdapterDialFailure(t *testing.T) {
	a := NewStreamAdapter(nil)
	_, err := a.Send(context.Background(), "http://127.0.0.1:1", map[string]any{})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	kind := api.KindOf(err)
	if kind != api.KindProtocolError && kind != api.KindTimeout {
		t.Fatalf("expected protocol_error or timeout, got %v", err)
	}
}

func TestWsURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://host:1234/path", "ws://host:1234/path"},
		{"https://host/path", "wss://host/path"},
		{"ws://host/path", "ws://host/path"},
	}
	for _, c := range cases {
		if got := wsURL(c.in); got != c.want {
			t.Fatalf("wsURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestQueueAdapterEnqueuesAndAcks(t *testing.T) {
	q := taskqueue.NewMemoryQueue(8)
	a := NewQueueAdapter(q)

	ack, err := a.Send(context.Background(), "ledger", map[string]any{"entry": "debit"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ack["queued"] != true {
		t.Fatalf("expected queued ack, got %+v", ack)
	}
	if id, _ := ack["message_id"].(string); id == "" {
		t.Fatalf("ack missing message_id: %+v", ack)
	}

	m, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if m.Service != "ledger" {
		t.Fatalf("expected service key ledger, got %q", m.Service)
	}
	if m.Payload["entry"] != "debit" {
		t.Fatalf("unexpected payload: %+v", m.Payload)
	}
}

func TestClassifyTransportError(t *testing.T) {
	if kind := api.KindOf(classifyTransportError(context.DeadlineExceeded, "x")); kind != api.KindTimeout {
		t.Fatalf("deadline: expected timeout, got %s", kind)
	}
	if kind := api.KindOf(classifyTransportError(context.Canceled, "x")); kind != api.KindTimeout {
		t.Fatalf("cancel: expected timeout, got %s", kind)
	}
	if kind := api.KindOf(classifyTransportError(errors.New("conn refused"), "x")); kind != api.KindProtocolError {
		t.Fatalf("generic: expected protocol_error, got %s", kind)
	}
}
