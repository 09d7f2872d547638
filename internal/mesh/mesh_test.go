package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/pkg/api"
)

func newTestMesh(t *testing.T, cfg api.MeshConfig, opts ...Option) *Mesh {
	t.Helper()
	m := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func echoAdapter() api.Adapter {
	return api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		return map[string]any{"endpoint": endpoint, "echo": msg["ping"]}, nil
	})
}

func TestRegisterValidation(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})

	if err := m.Register(api.ServiceDescriptor{}); !api.IsKind(err, api.KindInvalidInput) {
		t.Fatalf("empty name: expected invalid_input, got %v", err)
	}
	if err := m.Register(api.ServiceDescriptor{Name: "x", Protocol: "carrier-pigeon"}); !api.IsKind(err, api.KindInvalidInput) {
		t.Fatalf("unknown protocol: expected invalid_input, got %v", err)
	}

	if err := m.Register(api.ServiceDescriptor{Name: "ledger"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(api.ServiceDescriptor{Name: "ledger"}); !api.IsKind(err, api.KindInvalidInput) {
		t.Fatalf("duplicate: expected invalid_input, got %v", err)
	}
}

func TestSendUnknownService(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})
	_, err := m.Send(context.Background(), "ghost", nil, api.SendOptions{})
	if !api.IsKind(err, api.KindUnknownService) {
		t.Fatalf("expected unknown_service, got %v", err)
	}
}

func TestSendThroughAdapter(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})
	m.RegisterAdapter("test", echoAdapter())

	if err := m.Register(api.ServiceDescriptor{
		Name:      "ledger",
		Protocol:  "test",
		BaseURL:   "test://ledger",
		Endpoints: map[string]string{"post": "/entries"},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := m.Send(context.Background(), "ledger", map[string]any{"ping": "pong"}, api.SendOptions{Endpoint: "post"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out["echo"] != "pong" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out["endpoint"] != "test://ledger/entries" {
		t.Fatalf("endpoint not resolved: %+v", out)
	}
	if got := m.Breaker("ledger"); got != api.BreakerClosed {
		t.Fatalf("breaker should stay closed, got %s", got)
	}
}

func TestSendOpensCircuit(t *testing.T) {
	var calls atomic.Int64
	failing := api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, api.Errorf(api.KindProtocolError, "down")
	})

	m := newTestMesh(t, api.MeshConfig{
		Breaker: api.BreakerConfig{ErrorThreshold: 0.5, WindowSize: 4, ResetTimeout: time.Hour, HalfOpenSuccesses: 1},
	})
	m.RegisterAdapter("test", failing)
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := m.Send(ctx, "ledger", nil, api.SendOptions{}); !api.IsKind(err, api.KindProtocolError) {
			t.Fatalf("send %d: expected protocol_error, got %v", i, err)
		}
	}
	if got := m.Breaker("ledger"); got != api.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", got)
	}

	before := calls.Load()
	if _, err := m.Send(ctx, "ledger", nil, api.SendOptions{}); !api.IsKind(err, api.KindCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("open circuit must not reach the adapter")
	}
}

func TestSendRetriesUpToMaxRetries(t *testing.T) {
	var calls atomic.Int64
	flaky := api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, api.Errorf(api.KindProtocolError, "down")
		}
		return map[string]any{"ok": true}, nil
	})

	m := newTestMesh(t, api.MeshConfig{MaxRetries: 2})
	m.RegisterAdapter("test", flaky)
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := m.Send(context.Background(), "ledger", nil, api.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected result: %+v", out)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if got := m.Breaker("ledger"); got != api.BreakerClosed {
		t.Fatalf("breaker should stay closed, got %s", got)
	}
}

func TestRetryStopsWhenCircuitOpens(t *testing.T) {
	var calls atomic.Int64
	failing := api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, api.Errorf(api.KindProtocolError, "down")
	})

	m := newTestMesh(t, api.MeshConfig{
		MaxRetries: 5,
		Breaker:    api.BreakerConfig{ErrorThreshold: 0.5, WindowSize: 2, ResetTimeout: time.Hour, HalfOpenSuccesses: 1},
	})
	m.RegisterAdapter("test", failing)
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Each attempt is recorded on its own: the second attempt fills the
	// window and trips the breaker, the third is rejected at admission.
	_, err := m.Send(context.Background(), "ledger", nil, api.SendOptions{})
	if !api.IsKind(err, api.KindCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 adapter calls, got %d", got)
	}
	if got := m.Breaker("ledger"); got != api.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", got)
	}
}

func TestCircuitRecoversThroughHalfOpen(t *testing.T) {
	var healthy atomic.Bool
	flaky := api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		if !healthy.Load() {
			return nil, api.Errorf(api.KindProtocolError, "down")
		}
		return map[string]any{"ok": true}, nil
	})

	m := newTestMesh(t, api.MeshConfig{
		Breaker: api.BreakerConfig{ErrorThreshold: 0.5, WindowSize: 2, ResetTimeout: 40 * time.Millisecond, HalfOpenSuccesses: 1},
	})
	m.RegisterAdapter("test", flaky)
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Send(ctx, "ledger", nil, api.SendOptions{})
	}
	if got := m.Breaker("ledger"); got != api.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", got)
	}

	healthy.Store(true)
	time.Sleep(50 * time.Millisecond)

	out, err := m.Send(ctx, "ledger", nil, api.SendOptions{})
	if err != nil {
		t.Fatalf("probe send failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected probe result: %+v", out)
	}
	if got := m.Breaker("ledger"); got != api.BreakerClosed {
		t.Fatalf("expected closed breaker after recovery, got %s", got)
	}
}

func TestTransformsApplied(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})
	m.RegisterAdapter("test", echoAdapter())

	if err := m.Register(api.ServiceDescriptor{
		Name:     "ledger",
		Protocol: "test",
		Outbound: func(p map[string]any) (map[string]any, error) {
			out := map[string]any{"ping": p["raw"]}
			return out, nil
		},
		Inbound: func(p map[string]any) (map[string]any, error) {
			return map[string]any{"wrapped": p["echo"]}, nil
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := m.Send(context.Background(), "ledger", map[string]any{"raw": "pong"}, api.SendOptions{})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out["wrapped"] != "pong" {
		t.Fatalf("transforms not applied: %+v", out)
	}
}

func TestTransformFailureCountsAgainstBreaker(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{
		Breaker: api.BreakerConfig{ErrorThreshold: 0.5, WindowSize: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1},
	})
	m.RegisterAdapter("test", echoAdapter())

	if err := m.Register(api.ServiceDescriptor{
		Name:     "ledger",
		Protocol: "test",
		Outbound: func(p map[string]any) (map[string]any, error) {
			return nil, api.Errorf(api.KindInvalidInput, "bad shape")
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := m.Send(context.Background(), "ledger", nil, api.SendOptions{})
	if !api.IsKind(err, api.KindTransformError) {
		t.Fatalf("expected transform_error, got %v", err)
	}
	if got := m.Breaker("ledger"); got != api.BreakerOpen {
		t.Fatalf("transform failure must count against the breaker, got %s", got)
	}
}

func TestBroadcastOutcomesAreIndependent(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})
	m.RegisterAdapter("ok", echoAdapter())
	m.RegisterAdapter("bad", api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		return nil, api.Errorf(api.KindProtocolError, "down")
	}))

	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "ok"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(api.ServiceDescriptor{Name: "risk", Protocol: "bad"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	outcomes := m.Broadcast(context.Background(), map[string]any{"ping": "x"})
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}

	byService := map[string]api.Outcome{}
	for _, o := range outcomes {
		byService[o.Service] = o
	}
	if byService["ledger"].Err != nil {
		t.Fatalf("ledger should succeed, got %v", byService["ledger"].Err)
	}
	if !api.IsKind(byService["risk"].Err, api.KindProtocolError) {
		t.Fatalf("risk should fail with protocol_error, got %v", byService["risk"].Err)
	}
}

func TestDiscoverProbesCandidates(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	m := newTestMesh(t, api.MeshConfig{
		DefaultTimeout: time.Second,
		Candidates: map[string]string{
			"svc-ledger": up.URL,
			"svc-risk":   down.URL,
			"other":      up.URL,
		},
	})

	names, err := m.Discover(context.Background(), "svc-*")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(names) != 1 || names[0] != "svc-ledger" {
		t.Fatalf("expected [svc-ledger], got %v", names)
	}

	if _, err := m.Discover(context.Background(), "["); !api.IsKind(err, api.KindInvalidInput) {
		t.Fatalf("bad pattern: expected invalid_input, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	m := newTestMesh(t, api.MeshConfig{})
	m.RegisterAdapter("test", echoAdapter())
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !m.Deregister("ledger") {
		t.Fatal("Deregister reported unknown service")
	}
	if m.Deregister("ledger") {
		t.Fatal("second Deregister should report false")
	}
	if _, err := m.Send(context.Background(), "ledger", nil, api.SendOptions{}); !api.IsKind(err, api.KindUnknownService) {
		t.Fatalf("expected unknown_service after Deregister, got %v", err)
	}
}

func TestLifecycleEventsOnBus(t *testing.T) {
	b := bus.New(api.BusConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	got := make(chan api.Event, 8)
	if _, err := b.Subscribe("mesh.*", func(ctx context.Context, ds []api.Delivery) error {
		for _, d := range ds {
			got <- d.Event
		}
		return nil
	}, api.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m := newTestMesh(t, api.MeshConfig{
		Breaker: api.BreakerConfig{ErrorThreshold: 0.5, WindowSize: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1},
	}, WithBus(b))
	m.RegisterAdapter("bad", api.AdapterFunc(func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
		return nil, api.Errorf(api.KindProtocolError, "down")
	}))
	if err := m.Register(api.ServiceDescriptor{Name: "ledger", Protocol: "bad"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, _ = m.Send(context.Background(), "ledger", nil, api.SendOptions{})

	wantTypes := map[string]bool{
		api.TopicMeshMessageFailed: false,
		api.TopicMeshCircuitOpened: false,
	}
	deadline := time.After(2 * time.Second)
	for {
		allSeen := true
		for _, seen := range wantTypes {
			if !seen {
				allSeen = false
			}
		}
		if allSeen {
			return
		}
		select {
		case ev := <-got:
			if _, ok := wantTypes[ev.Type]; ok {
				wantTypes[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", wantTypes)
		}
	}
}

func TestResolveEndpoint(t *testing.T) {
	desc := api.ServiceDescriptor{
		Name:      "ledger",
		BaseURL:   "http://ledger:8080",
		Endpoints: map[string]string{"post": "/v1/entries"},
	}

	if got := resolveEndpoint(desc, "post"); got != "http://ledger:8080/v1/entries" {
		t.Fatalf("mapped endpoint: got %q", got)
	}
	if got := resolveEndpoint(desc, "/raw"); got != "http://ledger:8080/raw" {
		t.Fatalf("verbatim endpoint: got %q", got)
	}
	if got := resolveEndpoint(desc, ""); got != "http://ledger:8080" {
		t.Fatalf("base url: got %q", got)
	}

	queueDesc := api.ServiceDescriptor{Name: "ledger"}
	if got := resolveEndpoint(queueDesc, ""); got != "ledger" {
		t.Fatalf("queue fallback: got %q", got)
	}
}

func TestClosedMeshRejectsRegister(t *testing.T) {
	m := New(api.MeshConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Register(api.ServiceDescriptor{Name: "x"}); !api.IsKind(err, api.KindClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
