package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := ran.Load(); got != 5 {
		t.Fatalf("tasks ran = %d, want 5", got)
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	block := make(chan struct{})
	defer close(block)
	_ = pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	})

	// Worker busy, queue empty: the next submit must be refused, not block.
	deadline := time.Now().Add(time.Second)
	for {
		err := pool.Submit(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("saturated pool kept accepting tasks")
		}
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	_ = pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	})

	var ran atomic.Bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Store(true)
			return nil
		})
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for time.Now().Before(deadline) && !ran.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if !ran.Load() {
		t.Fatal("worker did not survive panicking task")
	}
}

func TestCloseDoesNotStrandQueuedTasks(t *testing.T) {
	pool, err := NewPool(1, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	gate := make(chan struct{})
	var ran atomic.Int32
	_ = pool.Submit(context.Background(), func(context.Context) error {
		<-gate
		ran.Add(1)
		return nil
	})
	for i := 0; i < 3; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// Close while three tasks are still queued behind the blocked worker;
	// they must drain, not hang Shutdown until its deadline.
	pool.Close()
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := ran.Load(); got != 4 {
		t.Fatalf("tasks ran = %d, want 4", got)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("submit after close succeeded")
	}
}
