// Package stage implements the uniform request/response envelope
// contract that every pipeline participant (candidate, validation,
// ranking, selection, enrichment, output) is harnessed under. It
// mirrors the teacher's events.ServiceHandler/marble.Handler shape:
// a handler subscribed to a request topic that publishes to a paired
// completed/failed topic.
package stage

import (
	"context"

	"github.com/r3e-network/tripsaga/pkg/bus"
	"github.com/r3e-network/tripsaga/pkg/logger"
)

// Request is the envelope every stage receives.
type Request struct {
	SagaID     string
	WorkflowID string
	StepID     string
	Inputs     map[string]any
	StepConfig map[string]any
}

// Result is what a Handler returns on success: a payload whose keys
// match the step's declared outputs.
type Result struct {
	Payload map[string]any
}

// Handler is a stage participant's business logic. Its internals are
// opaque to the core (spec.md §1); the harness only needs the
// request/response shape.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry binds stage Handlers to their topic name and wires them
// onto the bus: one subscription per stage on "<name>.request",
// publishing to "<name>.completed" or "<name>.failed".
type Registry struct {
	log *logger.Logger
	bus *bus.Bus
}

// NewRegistry constructs a Registry bound to bus b.
func NewRegistry(b *bus.Bus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("stage")
	}
	return &Registry{log: log, bus: b}
}

// Register subscribes handler to name+".request" and wires its
// response back onto name+".completed"/".failed". The stage MUST NOT
// block indefinitely; the step timeout enforced by the workflow engine
// is the sole ceiling (spec.md §4.4), so handlers should respect ctx
// cancellation.
func (r *Registry) Register(name string, h Handler) func() {
	return r.bus.Subscribe(name+".request", func(ctx context.Context, env *bus.Envelope) error {
		req := Request{
			SagaID:     env.SagaID,
			StepID:     stringField(env.Payload, "step_id"),
			WorkflowID: stringField(env.Payload, "workflow_id"),
		}
		if in, ok := env.Payload["inputs"].(map[string]any); ok {
			req.Inputs = in
		}
		if cfg, ok := env.Payload["step_config"].(map[string]any); ok {
			req.StepConfig = cfg
		}

		result, err := h.Handle(ctx, req)
		if err != nil {
			r.bus.Publish(ctx, name+".failed", &bus.Envelope{
				SagaID: env.SagaID,
				Payload: map[string]any{
					"step_id": req.StepID,
					"error":   err.Error(),
				},
			})
			return nil
		}

		payload := make(map[string]any, len(result.Payload)+1)
		for k, v := range result.Payload {
			payload[k] = v
		}
		payload["step_id"] = req.StepID
		r.bus.Publish(ctx, name+".completed", &bus.Envelope{
			SagaID:  env.SagaID,
			Payload: payload,
		})
		return nil
	})
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
