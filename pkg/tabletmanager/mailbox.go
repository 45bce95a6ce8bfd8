package tabletmanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/log"
)

const (
	retryBackoffInitial = 200 * time.Millisecond
	retryBackoffMax      = 10 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > retryBackoffMax {
		return retryBackoffMax
	}
	return d
}

// CellClient is the RPC surface a cell exposes to the tablet manager,
// distinct from the peer-to-peer replication transport in pkg/hydra:
// these calls cross from the master process to whichever cell
// currently leads the hosting tablet cell.
type CellClient interface {
	MountTablet(ctx context.Context, cellID string, req MountTabletRequest) error
	UnmountTablet(ctx context.Context, cellID string, req UnmountTabletRequest) error
	FreezeTablet(ctx context.Context, cellID string, req FreezeTabletRequest) error
	UnfreezeTablet(ctx context.Context, cellID string, req UnfreezeTabletRequest) error
	RemountTablet(ctx context.Context, cellID string, req RemountTabletRequest) error
	AddTableReplica(ctx context.Context, cellID string, req AddTableReplicaRequest) error
	RemoveTableReplica(ctx context.Context, cellID string, req RemoveTableReplicaRequest) error
	AlterTableReplica(ctx context.Context, cellID string, req AlterTableReplicaRequest) error
	LockTablet(ctx context.Context, cellID string, req LockTabletRequest) error
	UnlockTablet(ctx context.Context, cellID string, req UnlockTabletRequest) error
}

// mailKey identifies an at-least-once delivery queue, keyed by (source,
// destination): a retried message to cell A must never overtake an
// earlier one headed to cell A, but a message to cell B is independent.
type mailKey struct {
	source      string
	destination string
}

type mailEnvelope struct {
	send    func(ctx context.Context) error
	label   string
}

// Mailbox delivers cell-bound requests FIFO, per destination, retrying
// a message until it succeeds (or the mailbox is stopped) before moving
// on to the next one for that destination. This is a worker-pool
// dispatch-with-retry shape specialized to a per-destination queue
// instead of a global one, since out-of-order
// delivery across different cells is harmless but within a cell is not.
type Mailbox struct {
	mu     sync.Mutex
	queues map[mailKey]chan mailEnvelope
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewMailbox constructs an empty mailbox. The source passed to Enqueue
// identifies the sending process in the (source, destination) ordering
// key, typically "master".
func NewMailbox() *Mailbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mailbox{
		queues: make(map[mailKey]chan mailEnvelope),
		ctx:    ctx,
		cancel: cancel,
		logger: log.WithComponent("tabletmanager.mailbox"),
	}
}

// Enqueue schedules send for delivery to destination, run after every
// previously enqueued message to that same destination has succeeded.
func (m *Mailbox) Enqueue(source, destination, label string, send func(ctx context.Context) error) {
	key := mailKey{source: source, destination: destination}
	m.mu.Lock()
	ch, ok := m.queues[key]
	if !ok {
		ch = make(chan mailEnvelope, 256)
		m.queues[key] = ch
		m.wg.Add(1)
		go m.drain(key, ch)
	}
	m.mu.Unlock()
	ch <- mailEnvelope{send: send, label: label}
}

func (m *Mailbox) drain(key mailKey, ch chan mailEnvelope) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-ch:
			m.deliver(key, env)
		}
	}
}

// deliver retries env.send with truncated exponential backoff until it
// succeeds or the mailbox is stopped.
func (m *Mailbox) deliver(key mailKey, env mailEnvelope) {
	backoff := retryBackoffInitial
	for {
		err := env.send(m.ctx)
		if err == nil {
			return
		}
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn().
			Err(err).
			Str("destination", key.destination).
			Str("message", env.label).
			Dur("retry_in", backoff).
			Msg("cell delivery failed, retrying")
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// Stop cancels all in-flight deliveries and waits for the drain
// goroutines to exit. Queued-but-undelivered messages are dropped; the
// controller re-derives what still needs sending from catalog state on
// the next reconciliation pass.
func (m *Mailbox) Stop() {
	m.cancel()
	m.wg.Wait()
}
