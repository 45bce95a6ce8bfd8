package hydra

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/zhigibig/hydra/pkg/automaton"
)

// Draft is one not-yet-logged mutation submitted by a client. Promise is
// resolved exactly once, either with the automaton's effect bytes on
// commit or with a terminal error (ErrUnavailable, ErrReadOnly, or
// whatever the automaton's Apply returned).
type Draft struct {
	Payload      []byte
	MutationType string
	MutationID   string
	EpochID      uint64
	Promise      chan DraftResult
}

// DraftResult is delivered exactly once per Draft.
type DraftResult struct {
	Value []byte
	Err   error
}

// Resolve delivers a result to the draft's promise without blocking if
// nobody is listening.
func (d *Draft) Resolve(res DraftResult) {
	select {
	case d.Promise <- res:
	default:
	}
}

// DraftQueue is the multi-producer single-consumer intake for mutation
// drafts awaiting serialization into records. It is a thin bounded
// channel: producers (client RPC handlers) send, the single Serialize
// task on the epoch-control executor drains.
type DraftQueue struct {
	ch chan *Draft
}

// NewDraftQueue returns a draft queue bounded to capacity entries.
func NewDraftQueue(capacity int) *DraftQueue {
	return &DraftQueue{ch: make(chan *Draft, capacity)}
}

// Submit enqueues a draft, returning false without blocking if the queue
// is full (callers should resolve the draft with ErrUnavailable).
func (q *DraftQueue) Submit(d *Draft) bool {
	select {
	case q.ch <- d:
		return true
	default:
		return false
	}
}

// Drain removes up to max queued drafts without blocking.
func (q *DraftQueue) Drain(max int) []*Draft {
	drafts := make([]*Draft, 0, max)
	for len(drafts) < max {
		select {
		case d := <-q.ch:
			drafts = append(drafts, d)
		default:
			return drafts
		}
	}
	return drafts
}

// queuedRecord is one committed-but-not-yet-fully-gossiped record held in
// the leader's local FIFO, along with its serialized size for the byte
// budget.
type queuedRecord struct {
	record automaton.Record
	seq    uint64
	size   int
}

// RecordQueue is the leader's bounded FIFO of logged records awaiting
// dispatch to followers, adapted from a ring-buffer-with-offset idea:
// instead of a fixed ring, a doubly linked list anchored by the
// sequence number of its oldest retained element, since record sizes
// vary and a true ring would
// need to be sized for the worst case.
type RecordQueue struct {
	mu sync.Mutex

	maxRecords int
	maxBytes   int

	records  *list.List // of *queuedRecord, ascending sequence number
	bySeq    map[uint64]*list.Element
	totalLen int
}

// NewRecordQueue returns an empty record queue bounded by count and total
// payload bytes.
func NewRecordQueue(maxRecords, maxBytes int) *RecordQueue {
	return &RecordQueue{
		maxRecords: maxRecords,
		maxBytes:   maxBytes,
		records:    list.New(),
		bySeq:      make(map[uint64]*list.Element),
	}
}

// Push appends a freshly logged record, then sheds the oldest entries if
// the queue has grown past its count or byte budget. Shedding past the
// committed watermark is the caller's responsibility to forbid: Push
// itself only enforces the size limits described in the doc comment, it
// has no notion of what followers still need.
func (q *RecordQueue) Push(seq uint64, rec automaton.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qr := &queuedRecord{record: rec, seq: seq, size: len(rec.Payload)}
	el := q.records.PushBack(qr)
	q.bySeq[seq] = el
	q.totalLen += qr.size

	for q.records.Len() > q.maxRecords || q.totalLen > q.maxBytes {
		if q.records.Front() == nil {
			break
		}
		q.evictFront()
	}
}

func (q *RecordQueue) evictFront() {
	front := q.records.Front()
	if front == nil {
		return
	}
	qr := front.Value.(*queuedRecord)
	q.records.Remove(front)
	delete(q.bySeq, qr.seq)
	q.totalLen -= qr.size
}

// EvictBelow drops every record with sequence number strictly less than
// floor, which the caller must only invoke once it has established that
// no peer still needs them (floor == min(last_logged_sequence_number)
// across all peers).
func (q *RecordQueue) EvictBelow(floor uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		front := q.records.Front()
		if front == nil {
			break
		}
		if front.Value.(*queuedRecord).seq >= floor {
			break
		}
		q.evictFront()
	}
}

// HeadSequence returns the sequence number of the oldest retained record
// and whether the queue is non-empty.
func (q *RecordQueue) HeadSequence() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.records.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(*queuedRecord).seq, true
}

// TailSequence returns the sequence number of the newest retained record
// and whether the queue is non-empty.
func (q *RecordQueue) TailSequence() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	back := q.records.Back()
	if back == nil {
		return 0, false
	}
	return back.Value.(*queuedRecord).seq, true
}

// ErrEvicted is returned by Range when the requested starting sequence
// number has already been shed from the queue; the caller must issue a
// ForceRestart to the requesting peer instead.
var ErrEvicted = fmt.Errorf("hydra: requested sequence number has been evicted from the queue")

// Range returns the contiguous slice of records [from, to] (inclusive),
// or ErrEvicted if from is older than the queue's current head.
func (q *RecordQueue) Range(from, to uint64) ([]automaton.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if head, ok := q.headSequenceLocked(); ok && from < head {
		return nil, ErrEvicted
	}

	var out []automaton.Record
	for el := q.records.Front(); el != nil; el = el.Next() {
		qr := el.Value.(*queuedRecord)
		if qr.seq < from {
			continue
		}
		if qr.seq > to {
			break
		}
		out = append(out, qr.record)
	}
	return out, nil
}

func (q *RecordQueue) headSequenceLocked() (uint64, bool) {
	front := q.records.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(*queuedRecord).seq, true
}

// Len returns the number of records currently retained.
func (q *RecordQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records.Len()
}
