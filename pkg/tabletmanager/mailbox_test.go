package tabletmanager

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMailboxDeliversInFIFOOrderPerDestination(t *testing.T) {
	m := NewMailbox()
	defer m.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		m.Enqueue("master", "cellA", "test", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			return nil
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries did not complete before deadline")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("delivery order = %v, want [1 2 3]", order)
	}
}

func TestMailboxRetriesUntilSuccess(t *testing.T) {
	m := NewMailbox()
	defer m.Stop()

	var attempts int
	var mu sync.Mutex
	done := make(chan struct{})

	m.Enqueue("master", "cellB", "test", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errBoom
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never succeeded after retries")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestMailboxIndependentDestinationsDoNotBlockEachOther(t *testing.T) {
	m := NewMailbox()
	defer m.Stop()

	blockA := make(chan struct{})
	doneB := make(chan struct{})

	m.Enqueue("master", "cellA", "block", func(ctx context.Context) error {
		<-blockA
		return nil
	})
	m.Enqueue("master", "cellB", "quick", func(ctx context.Context) error {
		close(doneB)
		return nil
	})

	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("cellB delivery blocked by unrelated cellA delivery")
	}
	close(blockA)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := retryBackoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != retryBackoffMax {
		t.Fatalf("nextBackoff repeated = %v, want cap %v", d, retryBackoffMax)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
