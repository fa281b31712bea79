package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
)

func testRegistry(t *testing.T) (*Registry, *bus.MemBus) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = b.Close() })
	return NewRegistry(RegistryConfig{Publisher: b}), b
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, err := r.Create(ctx, "ws-1", []string{"fetch", "analyze", "report"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ID == "" {
		t.Error("created job should have an id")
	}
	if job.Status != StatusPending {
		t.Errorf("got status %v, want %v", job.Status, StatusPending)
	}
	if job.CurrentStep != 0 {
		t.Errorf("got current step %d, want 0", job.CurrentStep)
	}

	got, err := r.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Topic != "ws-1" || len(got.Steps) != 3 {
		t.Errorf("snapshot mismatch: %+v", got)
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "", []string{"a"}, ""); err == nil {
		t.Error("empty topic should be rejected")
	}
	if _, err := r.Create(ctx, "t", nil, ""); err == nil {
		t.Error("empty steps should be rejected")
	}
	if _, err := r.Create(ctx, "t", []string{"a", ""}, ""); err == nil {
		t.Error("empty step name should be rejected")
	}
}

func TestRegistry_IdempotencyKey(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	first, err := r.Create(ctx, "ws-1", []string{"fetch"}, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = r.Create(ctx, "ws-1", []string{"fetch"}, "key-1")
	var dup *DuplicateJobError
	if !errors.As(err, &dup) {
		t.Fatalf("got err %v, want *DuplicateJobError", err)
	}
	if dup.ExistingID != first.ID {
		t.Errorf("got existing id %q, want %q", dup.ExistingID, first.ID)
	}

	// A different key is a fresh job.
	if _, err := r.Create(ctx, "ws-1", []string{"fetch"}, "key-2"); err != nil {
		t.Fatalf("create with fresh key: %v", err)
	}
}

func TestRegistry_AdvanceToSuccess(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch", "analyze"}, "")

	mid, err := r.Advance(ctx, job.ID, "fetch", StepOutcome{})
	if err != nil {
		t.Fatalf("advance fetch: %v", err)
	}
	if mid.Status != StatusRunning {
		t.Errorf("got status %v, want %v", mid.Status, StatusRunning)
	}
	if mid.CurrentStep != 1 {
		t.Errorf("got current step %d, want 1", mid.CurrentStep)
	}

	done, err := r.Advance(ctx, job.ID, "analyze", StepOutcome{
		Output: map[string]any{"summary": "ok"},
	})
	if err != nil {
		t.Fatalf("advance analyze: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Errorf("got status %v, want %v", done.Status, StatusSucceeded)
	}
	if done.Result["summary"] != "ok" {
		t.Errorf("result not recorded: %+v", done.Result)
	}
}

func TestRegistry_OutOfOrderStep(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch", "analyze", "report"}, "")

	_, err := r.Advance(ctx, job.ID, "analyze", StepOutcome{})
	var oo *OutOfOrderStepError
	if !errors.As(err, &oo) {
		t.Fatalf("got err %v, want *OutOfOrderStepError", err)
	}
	if oo.Expected != "fetch" || oo.Got != "analyze" {
		t.Errorf("got expected=%q got=%q", oo.Expected, oo.Got)
	}

	// State must be unchanged.
	got, _ := r.Get(ctx, job.ID)
	if got.CurrentStep != 0 {
		t.Errorf("current step moved to %d, want 0", got.CurrentStep)
	}
	if got.Status != StatusPending {
		t.Errorf("status moved to %v, want %v", got.Status, StatusPending)
	}
}

func TestRegistry_AdvanceFailure(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch", "analyze"}, "")

	failed, err := r.Advance(ctx, job.ID, "fetch", StepOutcome{
		Failed: true,
		Error:  "upstream timeout",
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("got status %v, want %v", failed.Status, StatusFailed)
	}
	if failed.Error != "upstream timeout" {
		t.Errorf("got error %q", failed.Error)
	}

	// Terminal records are frozen.
	_, err = r.Advance(ctx, job.ID, "analyze", StepOutcome{})
	var term *JobTerminalError
	if !errors.As(err, &term) {
		t.Fatalf("got err %v, want *JobTerminalError", err)
	}
}

func TestRegistry_CancelIdempotent(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch"}, "")

	first, err := r.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first.Status != StatusCancelled {
		t.Errorf("got status %v, want %v", first.Status, StatusCancelled)
	}

	second, err := r.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("second cancel should not error: %v", err)
	}
	if second.Status != StatusCancelled {
		t.Errorf("second cancel changed status to %v", second.Status)
	}
}

func TestRegistry_CancelDoesNotOverrideTerminal(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch"}, "")
	_, _ = r.Advance(ctx, job.ID, "fetch", StepOutcome{})

	got, err := r.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("cancel overrode terminal status: %v", got.Status)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	var nf *NotFoundError
	if _, err := r.Get(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("Get: got %v, want *NotFoundError", err)
	}
	if _, err := r.Advance(ctx, "nope", "x", StepOutcome{}); !errors.As(err, &nf) {
		t.Errorf("Advance: got %v, want *NotFoundError", err)
	}
	if _, err := r.Cancel(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("Cancel: got %v, want *NotFoundError", err)
	}
}

func TestRegistry_PublishesTransitions(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	sub, err := b.Subscribe("ws-1", bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch"}, "")
	_, _ = r.Advance(ctx, job.ID, "fetch", StepOutcome{})

	want := []event.Kind{event.KindJobCreated, event.KindJobStepFinished, event.KindJobFinished}
	for _, kind := range want {
		select {
		case e := <-sub.Events():
			if e.Kind != kind {
				t.Errorf("got kind %v, want %v", e.Kind, kind)
			}
			if e.JobID != job.ID {
				t.Errorf("got job id %q, want %q", e.JobID, job.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestRegistry_WaitReturnsOnTransition(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch"}, "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = r.Advance(context.Background(), job.ID, "fetch", StepOutcome{})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	got, err := r.Wait(waitCtx, job.ID, job.UpdatedAt)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("got status %v, want %v", got.Status, StatusSucceeded)
	}
}

func TestRegistry_WaitTimeoutReturnsSnapshot(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"fetch"}, "")

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	got, err := r.Wait(waitCtx, job.ID, job.UpdatedAt)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("got status %v, want %v", got.Status, StatusPending)
	}
}

func TestRegistry_MonotonicProgression(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	job, _ := r.Create(ctx, "ws-1", []string{"a", "b", "c"}, "")

	last := 0
	for _, step := range []string{"a", "b", "c"} {
		got, err := r.Advance(ctx, job.ID, step, StepOutcome{})
		if err != nil {
			t.Fatalf("advance %q: %v", step, err)
		}
		if got.CurrentStep < last {
			t.Fatalf("current step regressed: %d -> %d", last, got.CurrentStep)
		}
		last = got.CurrentStep

		// Repeating a completed step must always fail and leave state alone.
		if _, err := r.Advance(ctx, job.ID, step, StepOutcome{}); err == nil {
			t.Fatalf("repeated advance of %q should fail", step)
		}
		after, _ := r.Get(ctx, job.ID)
		if after.CurrentStep != last {
			t.Fatalf("failed advance mutated state: %d", after.CurrentStep)
		}
	}
}
