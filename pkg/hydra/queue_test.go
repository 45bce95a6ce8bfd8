package hydra

import (
	"testing"

	"github.com/zhigibig/hydra/pkg/automaton"
)

func TestDraftQueueSubmitAndDrain(t *testing.T) {
	q := NewDraftQueue(2)
	d1 := &Draft{Payload: []byte("a"), Promise: make(chan DraftResult, 1)}
	d2 := &Draft{Payload: []byte("b"), Promise: make(chan DraftResult, 1)}
	d3 := &Draft{Payload: []byte("c"), Promise: make(chan DraftResult, 1)}

	if !q.Submit(d1) {
		t.Fatal("Submit(d1) = false, want true")
	}
	if !q.Submit(d2) {
		t.Fatal("Submit(d2) = false, want true")
	}
	if q.Submit(d3) {
		t.Fatal("Submit(d3) = true, want false (queue full at capacity 2)")
	}

	drained := q.Drain(10)
	if len(drained) != 2 {
		t.Fatalf("len(drained) = %d, want 2", len(drained))
	}
	if string(drained[0].Payload) != "a" || string(drained[1].Payload) != "b" {
		t.Error("Drain() did not preserve FIFO order")
	}
}

func TestDraftResolveDoesNotBlockWithoutListener(t *testing.T) {
	d := &Draft{Promise: make(chan DraftResult)} // unbuffered, nobody reading
	d.Resolve(DraftResult{Err: ErrUnavailable})
}

func TestRecordQueuePushEvictsPastCountLimit(t *testing.T) {
	q := NewRecordQueue(2, 1<<20)
	for i := uint64(1); i <= 3; i++ {
		q.Push(i, automaton.Record{Payload: []byte("x")})
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	head, ok := q.HeadSequence()
	if !ok || head != 2 {
		t.Fatalf("HeadSequence() = (%d, %v), want (2, true)", head, ok)
	}
	tail, ok := q.TailSequence()
	if !ok || tail != 3 {
		t.Fatalf("TailSequence() = (%d, %v), want (3, true)", tail, ok)
	}
}

func TestRecordQueuePushEvictsPastByteLimit(t *testing.T) {
	q := NewRecordQueue(100, 2)
	q.Push(1, automaton.Record{Payload: []byte("xx")})
	q.Push(2, automaton.Record{Payload: []byte("yy")})
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after exceeding byte budget", q.Len())
	}
	head, _ := q.HeadSequence()
	if head != 2 {
		t.Fatalf("HeadSequence() = %d, want 2", head)
	}
}

func TestRecordQueueEvictBelow(t *testing.T) {
	q := NewRecordQueue(100, 1<<20)
	for i := uint64(1); i <= 5; i++ {
		q.Push(i, automaton.Record{Payload: []byte("x")})
	}
	q.EvictBelow(3)
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	head, _ := q.HeadSequence()
	if head != 3 {
		t.Fatalf("HeadSequence() = %d, want 3", head)
	}
}

func TestRecordQueueRangeReturnsContiguousSlice(t *testing.T) {
	q := NewRecordQueue(100, 1<<20)
	for i := uint64(1); i <= 5; i++ {
		q.Push(i, automaton.Record{Payload: []byte("x")})
	}
	recs, err := q.Range(2, 4)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
}

func TestRecordQueueRangeReturnsErrEvictedForOldRequest(t *testing.T) {
	q := NewRecordQueue(2, 1<<20)
	for i := uint64(1); i <= 5; i++ {
		q.Push(i, automaton.Record{Payload: []byte("x")})
	}
	// head is now 4 (capacity 2); requesting from 1 should be evicted.
	if _, err := q.Range(1, 5); err != ErrEvicted {
		t.Fatalf("Range() error = %v, want ErrEvicted", err)
	}
}
