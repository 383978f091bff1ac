package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3e-network/tripsaga/pkg/bus"
)

func TestRegisterPublishesCompleted(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	r := NewRegistry(b, nil)
	unregister := r.Register("echo", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Payload: map[string]any{"echoed": req.Inputs["in"]}}, nil
	}))
	defer unregister()

	done := make(chan map[string]any, 1)
	b.Subscribe("echo.completed", func(ctx context.Context, env *bus.Envelope) error {
		done <- env.Payload
		return nil
	})

	b.Publish(context.Background(), "echo.request", &bus.Envelope{
		SagaID: "saga-1",
		Payload: map[string]any{
			"step_id": "s1",
			"inputs":  map[string]any{"in": "hello"},
		},
	})

	select {
	case payload := <-done:
		if payload["echoed"] != "hello" {
			t.Errorf("echoed = %v, want hello", payload["echoed"])
		}
		if payload["step_id"] != "s1" {
			t.Errorf("step_id = %v, want s1", payload["step_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echo.completed")
	}
}

func TestRegisterPublishesFailedOnError(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	r := NewRegistry(b, nil)
	defer r.Register("boom", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, errors.New("kaboom")
	}))()

	failed := make(chan map[string]any, 1)
	b.Subscribe("boom.failed", func(ctx context.Context, env *bus.Envelope) error {
		failed <- env.Payload
		return nil
	})

	b.Publish(context.Background(), "boom.request", &bus.Envelope{
		SagaID:  "saga-1",
		Payload: map[string]any{"step_id": "s1"},
	})

	select {
	case payload := <-failed:
		if payload["error"] != "kaboom" {
			t.Errorf("error = %v, want kaboom", payload["error"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for boom.failed")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	r := NewRegistry(b, nil)
	calls := make(chan struct{}, 4)
	unregister := r.Register("once", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		calls <- struct{}{}
		return Result{}, nil
	}))
	unregister()

	b.Publish(context.Background(), "once.request", &bus.Envelope{SagaID: "saga-1", Payload: map[string]any{"step_id": "s1"}})
	time.Sleep(50 * time.Millisecond)

	select {
	case <-calls:
		t.Fatal("handler ran after unregister")
	default:
	}
}
