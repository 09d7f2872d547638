package weft

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// Built-in step actions and adapters for user-defined ones.

// FuncAction wraps a plain function as a named Action.
func FuncAction(name string, fn func(ctx context.Context, req ActionRequest) (map[string]any, error)) Action {
	return api.ActionFunc{ActionName: name, Fn: fn}
}

// TypedAction wraps a function with typed input and output as an Action.
// The merged step parameters are decoded into I and the output O is
// encoded back to a result map, both via JSON field mapping.
func TypedAction[I, O any](name string, fn func(ctx context.Context, in I) (O, error)) Action {
	return api.ActionFunc{
		ActionName: name,
		Fn: func(ctx context.Context, req ActionRequest) (map[string]any, error) {
			var in I
			if err := remarshal(req.Params, &in); err != nil {
				return nil, api.Wrap(api.KindInvalidInput, err, "decode params for action %s", name)
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			var result map[string]any
			if err := remarshal(out, &result); err != nil {
				return nil, api.Wrap(api.KindHandlerError, err, "encode result of action %s", name)
			}
			return result, nil
		},
	}
}

func remarshal(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

// SleepAction returns an action that sleeps for the "duration" parameter
// (a Go duration string, e.g. "250ms"), honoring step cancellation.
// Mostly useful in tests and demos.
func SleepAction(name string) Action {
	return api.ActionFunc{
		ActionName: name,
		Fn: func(ctx context.Context, req ActionRequest) (map[string]any, error) {
			raw, _ := req.Params["duration"].(string)
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, api.Errorf(api.KindInvalidInput, "sleep action needs a duration parameter, got %q", raw)
			}
			select {
			case <-time.After(d):
				return map[string]any{"slept": d.String()}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// MeshSendActionName is the name the mesh-send action registers under.
// NewFabric installs it automatically.
const MeshSendActionName = "mesh.send"

// MeshSendAction returns the action that lets workflow steps call out
// through the mesh. Parameters:
//
//	service  string          target service name (required)
//	endpoint string          logical endpoint name (optional)
//	message  map[string]any  message body (optional; defaults to empty)
//	timeout  string          Go duration overriding the mesh default (optional)
//
// The service's response map becomes the step result.
func MeshSendAction(m Mesh) Action {
	return api.ActionFunc{
		ActionName: MeshSendActionName,
		Fn: func(ctx context.Context, req ActionRequest) (map[string]any, error) {
			service, _ := req.Params["service"].(string)
			if service == "" {
				return nil, api.Errorf(api.KindInvalidInput, "mesh.send needs a service parameter")
			}

			msg, _ := req.Params["message"].(map[string]any)
			if msg == nil {
				msg = map[string]any{}
			}

			opts := api.SendOptions{}
			if ep, ok := req.Params["endpoint"].(string); ok {
				opts.Endpoint = ep
			}
			if raw, ok := req.Params["timeout"].(string); ok && raw != "" {
				d, err := time.ParseDuration(raw)
				if err != nil {
					return nil, api.Errorf(api.KindInvalidInput, "mesh.send timeout %q: not a duration", raw)
				}
				opts.Timeout = d
			}

			return m.Send(ctx, service, msg, opts)
		},
	}
}
