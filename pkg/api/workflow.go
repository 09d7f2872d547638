package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(InstanceSnapshot{})
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusCreated   InstanceStatus = "CREATED"
	StatusRunning   InstanceStatus = "RUNNING"
	StatusPaused    InstanceStatus = "PAUSED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFailed    InstanceStatus = "FAILED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the state of a single step within an instance.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Step is one node of a template's DAG.
type Step struct {
	// ID is unique within the template.
	ID string

	// Action names the registered Action that executes this step.
	Action string

	// Params are step-level parameters. They override template
	// parameters of the same name when the action runs.
	Params map[string]any

	// DependsOn lists step IDs that must complete before this one runs.
	DependsOn []string

	// Checkpoint marks the step idempotent-and-checkpointed: its result
	// survives an instance-level retry, so the step is not re-executed.
	Checkpoint bool
}

// Phase keys a lifecycle hook on a template.
type Phase string

const (
	PhaseOnStart    Phase = "on_start"
	PhaseOnComplete Phase = "on_complete"
	PhaseOnError    Phase = "on_error"
)

// Hook runs at a lifecycle phase of an instance. Hook errors are logged
// and reported to observers but never change the instance's outcome.
type Hook func(ctx context.Context, snap InstanceSnapshot)

// RetryPolicy controls instance-level retry. A failed instance is
// restarted from the beginning (checkpointed steps keep their results)
// after BaseDelay × 2^attempt, jittered by the engine's configured factor.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Template is a named workflow definition: a DAG of steps plus hooks and
// default parameters. Templates are validated at registration; instances
// are created from them by parameter binding.
type Template struct {
	Name  string
	Steps []Step

	// Params are template-level defaults, overridden per instance and
	// per step.
	Params map[string]any

	Hooks map[Phase]Hook

	// FailFast, when nil, defaults to true: the first failed step skips
	// all remaining pending steps and fails the instance. When false,
	// independent branches keep running and the instance fails at the end.
	FailFast *bool

	// Retry overrides the engine's retry configuration for this template.
	Retry *RetryPolicy

	// Timeout bounds each step's execution. Zero means the engine default.
	Timeout time.Duration
}

// ActionRequest is what an Action receives for one step execution.
type ActionRequest struct {
	WorkflowID string
	StepID     string

	// Params are the merged parameters: template defaults, then instance
	// bindings, then step params, later wins.
	Params map[string]any

	// Results maps completed predecessor step IDs to their results.
	Results map[string]map[string]any
}

// Action executes workflow steps. Implementations are registered on the
// engine under their Name; templates refer to actions by that string.
type Action interface {
	Name() string
	Execute(ctx context.Context, req ActionRequest) (map[string]any, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context, req ActionRequest) (map[string]any, error)
}

func (a ActionFunc) Name() string { return a.ActionName }

func (a ActionFunc) Execute(ctx context.Context, req ActionRequest) (map[string]any, error) {
	return a.Fn(ctx, req)
}

// StepState is the per-step record inside an instance snapshot.
type StepState struct {
	ID       string
	Status   StepStatus
	Result   map[string]any
	Error    string
	Started  time.Time
	Ended    time.Time
	Attempts int
}

// InstanceSnapshot is a deep-copied, observer-safe view of a workflow
// instance. Mutating a snapshot has no effect on the running instance.
type InstanceSnapshot struct {
	ID       string
	Template string
	Status   InstanceStatus
	Params   map[string]any
	Steps    map[string]StepState
	Error    string
	Retries  int
	Started  time.Time
	Ended    time.Time
}

// CreateOptions configures instance creation.
type CreateOptions struct {
	// Params are the instance's parameter bindings, overriding template
	// defaults.
	Params map[string]any

	// Timeout overrides the template/engine step timeout.
	Timeout time.Duration
}

// Engine is the workflow engine surface. Implementations live in
// internal/engine; construct one through the root package.
type Engine interface {
	// RegisterTemplate validates and stores a template. Validation
	// covers step-id uniqueness, known dependencies, acyclicity and the
	// configured step-count maximum.
	RegisterTemplate(tpl Template) error

	// RegisterAction installs a step action. Registering a second action
	// under the same name replaces the first.
	RegisterAction(a Action)

	// Create binds parameters to a template and returns the instance ID.
	Create(templateName string, opts CreateOptions) (string, error)

	// Execute runs the instance to a terminal state, including any
	// instance-level retries, and returns the final snapshot.
	Execute(ctx context.Context, instanceID string) (InstanceSnapshot, error)

	// Pause stops the executor from starting new waves. Resume lets it
	// continue. Cancel is terminal and unwinds via on_error hooks.
	// All three report false when the instance is not in a state that
	// admits the transition.
	Pause(instanceID string) bool
	Resume(instanceID string) bool
	Cancel(instanceID string) bool

	// Get returns a snapshot of the instance.
	Get(instanceID string) (InstanceSnapshot, error)

	// List returns snapshots of all instances, optionally filtered by
	// status ("" means all).
	List(status InstanceStatus) []InstanceSnapshot

	// AddSchedule fires Create+Execute for a template on a cron cadence.
	// The expression is validated at registration; minute resolution.
	AddSchedule(name, cronExpr, templateName string, params map[string]any) error

	// RemoveSchedule stops and removes a schedule by name.
	RemoveSchedule(name string) bool

	// Close stops schedules and retry timers and waits for running
	// instances to observe cancellation.
	Close(ctx context.Context) error
}
