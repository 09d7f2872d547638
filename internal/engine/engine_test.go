package engine

import (
	"context"
	"testing"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

func newTestEngine(t *testing.T, cfg api.EngineConfig, opts ...Option) *Engine {
	t.Helper()
	e := New(cfg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func noopAction(name string) api.Action {
	return api.ActionFunc{
		ActionName: name,
		Fn: func(ctx context.Context, req api.ActionRequest) (map[string]any, error) {
			return map[string]any{"step": req.StepID}, nil
		},
	}
}

func TestRegisterTemplateRejectsDuplicate(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	tpl := api.Template{Name: "t", Steps: []api.Step{step("a")}}

	if err := e.RegisterTemplate(tpl); err != nil {
		t.Fatalf("RegisterTemplate failed: %v", err)
	}
	if err := e.RegisterTemplate(tpl); !api.IsKind(err, api.KindInvalidInput) {
		t.Fatalf("duplicate: expected invalid_input, got %v", err)
	}
}

func TestCreateUnknownTemplate(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	if _, err := e.Create("ghost", api.CreateOptions{}); !api.IsKind(err, api.KindUnknownTemplate) {
		t.Fatalf("expected unknown_template, got %v", err)
	}
}

func TestCreateMergesParams(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	if err := e.RegisterTemplate(api.Template{
		Name:   "t",
		Steps:  []api.Step{step("a")},
		Params: map[string]any{"region": "eu", "tier": "standard"},
	}); err != nil {
		t.Fatalf("RegisterTemplate failed: %v", err)
	}

	id, err := e.Create("t", api.CreateOptions{Params: map[string]any{"tier": "gold"}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	snap, err := e.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != api.StatusCreated {
		t.Fatalf("expected CREATED, got %s", snap.Status)
	}
	if snap.Params["region"] != "eu" || snap.Params["tier"] != "gold" {
		t.Fatalf("params not layered: %+v", snap.Params)
	}
}

func TestCreateEnforcesInstanceCapacity(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{MaxConcurrentInstances: 1})
	e.RegisterAction(noopAction("noop"))
	if err := e.RegisterTemplate(api.Template{Name: "t", Steps: []api.Step{step("a")}}); err != nil {
		t.Fatalf("RegisterTemplate failed: %v", err)
	}

	if _, err := e.Create("t", api.CreateOptions{}); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := e.Create("t", api.CreateOptions{}); !api.IsKind(err, api.KindCapacityExceeded) {
		t.Fatalf("expected capacity_exceeded, got %v", err)
	}
}

func TestGetUnknownInstance(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	if _, err := e.Get("ghost"); !api.IsKind(err, api.KindUnknownInstance) {
		t.Fatalf("expected unknown_instance, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	e.RegisterAction(noopAction("noop"))
	if err := e.RegisterTemplate(api.Template{Name: "t", Steps: []api.Step{step("a")}}); err != nil {
		t.Fatalf("RegisterTemplate failed: %v", err)
	}

	created, err := e.Create("t", api.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	finished, err := e.Create("t", api.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.Execute(context.Background(), finished); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	all := e.List("")
	if len(all) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(all))
	}

	completed := e.List(api.StatusCompleted)
	if len(completed) != 1 || completed[0].ID != finished {
		t.Fatalf("status filter broken: %+v", completed)
	}
	pending := e.List(api.StatusCreated)
	if len(pending) != 1 || pending[0].ID != created {
		t.Fatalf("status filter broken: %+v", pending)
	}
}

func TestPauseResumeStateGates(t *testing.T) {
	e := newTestEngine(t, api.EngineConfig{})
	e.RegisterAction(noopAction("noop"))
	if err := e.RegisterTemplate(api.Template{Name: "t", Steps: []api.Step{step("a")}}); err != nil {
		t.Fatalf("RegisterTemplate failed: %v", err)
	}
	id, err := e.Create("t", api.CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Not running yet: neither transition applies.
	if e.Pause(id) {
		t.Fatal("Pause on a created instance should report false")
	}
	if e.Resume(id) {
		t.Fatal("Resume on a created instance should report false")
	}
	if e.Pause("ghost") || e.Resume("ghost") || e.Cancel("ghost") {
		t.Fatal("transitions on unknown instances should report false")
	}

	if _, err := e.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if e.Cancel(id) {
		t.Fatal("Cancel on a terminal instance should report false")
	}
}
