package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := New(DefaultConfig())

	received := make(chan *Envelope, 1)
	b.Subscribe("workflow-step-completed", func(ctx context.Context, env *Envelope) error {
		received <- env
		return nil
	})

	b.Publish(context.Background(), "workflow-step-completed", &Envelope{
		SagaID:  "saga-1",
		Payload: map[string]any{"step_id": "initialize"},
	})

	select {
	case env := <-received:
		if env.Payload["step_id"] != "initialize" {
			t.Errorf("unexpected payload: %#v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestFIFOPerSaga(t *testing.T) {
	b := New(DefaultConfig())

	var mu sync.Mutex
	var order []int

	b.Subscribe("t", func(ctx context.Context, env *Envelope) error {
		mu.Lock()
		order = append(order, int(env.Sequence))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		b.Publish(context.Background(), "t", &Envelope{SagaID: "saga-1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 50 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("expected 50 deliveries, got %d", len(order))
	}
	for i, seq := range order {
		if seq != i+1 {
			t.Fatalf("out of order delivery at index %d: got sequence %d", i, seq)
		}
	}
}

func TestPublishSyncRunsBeforeReturning(t *testing.T) {
	b := New(DefaultConfig())

	var ran bool
	b.Subscribe("strong-write", func(ctx context.Context, env *Envelope) error {
		ran = true
		return nil
	})

	b.PublishSync(context.Background(), "strong-write", &Envelope{SagaID: "saga-1"})

	if !ran {
		t.Fatal("expected handler to have run before PublishSync returned")
	}
}

func TestHandlerErrorDoesNotBlockOtherHandlers(t *testing.T) {
	b := New(DefaultConfig())

	var second bool
	b.Subscribe("topic", func(ctx context.Context, env *Envelope) error {
		return errAlwaysFails
	})
	b.Subscribe("topic", func(ctx context.Context, env *Envelope) error {
		second = true
		return nil
	})

	b.PublishSync(context.Background(), "topic", &Envelope{SagaID: "saga-1"})

	if !second {
		t.Fatal("expected second handler to run despite first handler's error")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(DefaultConfig())

	var second bool
	b.Subscribe("topic", func(ctx context.Context, env *Envelope) error {
		panic("boom")
	})
	b.Subscribe("topic", func(ctx context.Context, env *Envelope) error {
		second = true
		return nil
	})

	b.PublishSync(context.Background(), "topic", &Envelope{SagaID: "saga-1"})

	if !second {
		t.Fatal("expected second handler to run despite first handler's panic")
	}
}

func TestCloseSagaReleasesLane(t *testing.T) {
	b := New(DefaultConfig())
	b.Subscribe("t", func(ctx context.Context, env *Envelope) error { return nil })
	b.Publish(context.Background(), "t", &Envelope{SagaID: "saga-1"})

	time.Sleep(20 * time.Millisecond)
	if b.Stats().ActiveLanes != 1 {
		t.Fatalf("expected 1 active lane, got %d", b.Stats().ActiveLanes)
	}

	b.CloseSaga("saga-1")
	if b.Stats().ActiveLanes != 0 {
		t.Fatalf("expected lane to be released after CloseSaga")
	}

	// Idempotent.
	b.CloseSaga("saga-1")
}

var errAlwaysFails = &testError{"handler always fails"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
