package weft

import (
	"fmt"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// TemplateBuilder provides a fluent API for defining workflow templates:
//
//	tpl := weft.NewTemplate("settle-trade").
//	    Step("validate", "validate-order").
//	    StepAfter("reserve", "reserve-funds", "validate").
//	    StepAfter("book", "book-trade", "validate", "reserve").
//	    Retry(weft.Retries(3).BaseDelay(time.Second).Policy()).
//	    Template()
//
//	if err := eng.RegisterTemplate(tpl); err != nil {
//	    log.Fatal(err)
//	}
type TemplateBuilder struct {
	tpl api.Template
}

// NewTemplate creates a new template builder with the given name.
func NewTemplate(name string) *TemplateBuilder {
	return &TemplateBuilder{
		tpl: api.Template{
			Name:  name,
			Steps: make([]api.Step, 0),
		},
	}
}

// Name returns the template name.
func (b *TemplateBuilder) Name() string {
	return b.tpl.Name
}

// Template returns the built Template. Typically the last call in the
// chain, handed to Engine.RegisterTemplate.
func (b *TemplateBuilder) Template() Template {
	return b.tpl
}

// Step appends a step with no dependencies.
func (b *TemplateBuilder) Step(id, action string) *TemplateBuilder {
	return b.StepAfter(id, action)
}

// StepAfter appends a step that runs after the named dependencies.
func (b *TemplateBuilder) StepAfter(id, action string, dependsOn ...string) *TemplateBuilder {
	if id == "" {
		panic("weft: step id must not be empty")
	}
	if action == "" {
		panic(fmt.Sprintf("weft: step %q has no action", id))
	}

	b.tpl.Steps = append(b.tpl.Steps, api.Step{
		ID:        id,
		Action:    action,
		DependsOn: dependsOn,
	})
	return b
}

// StepWith appends a fully specified step, for params and checkpoint
// flags the shorthand forms don't cover.
func (b *TemplateBuilder) StepWith(step Step) *TemplateBuilder {
	if step.ID == "" {
		panic("weft: step id must not be empty")
	}
	b.tpl.Steps = append(b.tpl.Steps, step)
	return b
}

// Checkpoint appends a checkpointed step: its result survives an
// instance-level retry, so the step is not re-executed.
func (b *TemplateBuilder) Checkpoint(id, action string, dependsOn ...string) *TemplateBuilder {
	b.StepAfter(id, action, dependsOn...)
	b.tpl.Steps[len(b.tpl.Steps)-1].Checkpoint = true
	return b
}

// Params sets the template-level default parameters.
func (b *TemplateBuilder) Params(params map[string]any) *TemplateBuilder {
	b.tpl.Params = params
	return b
}

// Hook installs a lifecycle hook for the given phase.
func (b *TemplateBuilder) Hook(phase Phase, h Hook) *TemplateBuilder {
	if b.tpl.Hooks == nil {
		b.tpl.Hooks = make(map[Phase]Hook)
	}
	b.tpl.Hooks[phase] = h
	return b
}

// FailFast controls what happens after a step fails: true (the default)
// skips all remaining steps, false lets independent branches finish.
func (b *TemplateBuilder) FailFast(v bool) *TemplateBuilder {
	b.tpl.FailFast = &v
	return b
}

// Retry sets the template's instance-level retry policy.
func (b *TemplateBuilder) Retry(p RetryPolicy) *TemplateBuilder {
	r := p
	b.tpl.Retry = &r
	return b
}

// Timeout bounds each step's execution.
func (b *TemplateBuilder) Timeout(d time.Duration) *TemplateBuilder {
	b.tpl.Timeout = d
	return b
}

// Register registers the built template with the given engine.
func (b *TemplateBuilder) Register(eng Engine) error {
	return eng.RegisterTemplate(b.tpl)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *TemplateBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
