package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/weftworks/weft/pkg/api"
)

// scheduleTick is how often schedules are evaluated. Cron expressions
// have minute resolution; ticking faster with per-minute dedupe keeps
// firings close to the minute boundary.
const scheduleTick = 20 * time.Second

// schedule fires Create+Execute for a template on a cron cadence.
type schedule struct {
	name     string
	expr     string
	template string
	params   map[string]any

	stop chan struct{}
	done chan struct{}
}

// AddSchedule implements api.Engine.
func (e *Engine) AddSchedule(name, cronExpr, templateName string, params map[string]any) error {
	if name == "" {
		return api.Errorf(api.KindInvalidInput, "schedule name is required")
	}
	if !gronx.New().IsValid(cronExpr) {
		return api.Errorf(api.KindInvalidInput, "schedule %s has invalid cron expression %q", name, cronExpr)
	}

	e.mu.RLock()
	_, ok := e.templates[templateName]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return api.Errorf(api.KindClosed, "engine is closed")
	}
	if !ok {
		return api.Errorf(api.KindUnknownTemplate, "template %s is not registered", templateName)
	}

	s := &schedule{
		name:     name,
		expr:     cronExpr,
		template: templateName,
		params:   params,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	e.schedMu.Lock()
	if _, dup := e.schedules[name]; dup {
		e.schedMu.Unlock()
		return api.Errorf(api.KindInvalidInput, "schedule %s already exists", name)
	}
	e.schedules[name] = s
	e.schedMu.Unlock()

	e.wg.Add(1)
	go e.scheduleLoop(s)
	return nil
}

// RemoveSchedule implements api.Engine.
func (e *Engine) RemoveSchedule(name string) bool {
	e.schedMu.Lock()
	s, ok := e.schedules[name]
	if ok {
		delete(e.schedules, name)
	}
	e.schedMu.Unlock()
	if !ok {
		return false
	}
	close(s.stop)
	<-s.done
	return true
}

func (e *Engine) stopSchedules() {
	e.schedMu.Lock()
	scheds := make([]*schedule, 0, len(e.schedules))
	for _, s := range e.schedules {
		scheds = append(scheds, s)
	}
	e.schedules = make(map[string]*schedule)
	e.schedMu.Unlock()

	for _, s := range scheds {
		close(s.stop)
		<-s.done
	}
}

func (e *Engine) scheduleLoop(s *schedule) {
	defer e.wg.Done()
	defer close(s.done)

	g := gronx.New()
	ticker := time.NewTicker(scheduleTick)
	defer ticker.Stop()

	var lastFired string // minute key, dedupes within a minute

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			minute := now.Format("2006-01-02T15:04")
			if minute == lastFired {
				continue
			}
			due, err := g.IsDue(s.expr, now)
			if err != nil || !due {
				continue
			}
			lastFired = minute
			e.fireSchedule(s)
		case <-s.stop:
			return
		case <-e.shutdown:
			return
		}
	}
}

func (e *Engine) fireSchedule(s *schedule) {
	id, err := e.Create(s.template, api.CreateOptions{Params: s.params})
	if err != nil {
		e.log.Error("scheduled workflow creation failed",
			slog.String("schedule", s.name),
			slog.String("template", s.template),
			slog.Any("error", err),
		)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Execute(context.Background(), id); err != nil {
			e.log.Error("scheduled workflow execution failed",
				slog.String("schedule", s.name),
				slog.String("instance_id", id),
				slog.Any("error", err),
			)
		}
	}()
}
