package hydra

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/events"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

// LeaderConfig bundles the tunables for the two periodic
// committer tasks plus the distributed snapshot cadence (spec §4.8:
// "triggered ... on a timer, record-count threshold, changelog byte
// threshold, or on explicit request").
type LeaderConfig struct {
	MaxCommitBatchDelay       time.Duration
	MaxCommitBatchRecordCount int
	MaxFlushBatchRecordCount  int
	QueueMaxRecords           int
	QueueMaxBytes             int

	SnapshotInterval        time.Duration
	SnapshotRecordThreshold uint64
}

// DefaultLeaderConfig returns the tunables used when a cell config does
// not override them.
func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		MaxCommitBatchDelay:       10 * time.Millisecond,
		MaxCommitBatchRecordCount: 1000,
		MaxFlushBatchRecordCount:  1000,
		QueueMaxRecords:           100000,
		QueueMaxBytes:             64 << 20,
		SnapshotInterval:          5 * time.Minute,
		SnapshotRecordThreshold:   100000,
	}
}

// LeaderCommitter orders client mutation drafts into a total sequence,
// writes them to the local
// changelog, replicates them to followers, and advances the committed
// watermark once a voting quorum has logged a prefix.
type LeaderCommitter struct {
	cfg   LeaderConfig
	cells *cellmgr.CellManager
	log   *changelog.Store
	aut   *automaton.Decorated
	snaps *snapshotstore.Store

	drafts *DraftQueue
	queue  *RecordQueue

	peerClientFor func(cellmgr.PeerID) PeerClient

	mu sync.Mutex

	segmentID      uint64
	nextRecordID   uint64
	nextSeq        uint64
	lastRandomSeed uint64
	term           uint64

	committed automaton.Version
	committedSeq uint64

	peers map[cellmgr.PeerID]*PeerState

	readOnly           bool
	leaderSwitchStarted bool

	snapshot        *SnapshotInfo
	lastSnapshotSeq uint64
	lastSnapshotAt  time.Time

	// pendingBySeq maps a sequence number to the waiter resolved once
	// that mutation has been applied (after quorum commit).
	pendingBySeq map[uint64]*Draft

	logger zerolog.Logger

	events *events.Broker

	epochCtx    context.Context
	epochCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// SetEventBroker wires a broker this committer publishes
// invariant-violation alerts to. A nil broker is fine; publishing is
// then skipped.
func (l *LeaderCommitter) SetEventBroker(b *events.Broker) {
	l.mu.Lock()
	l.events = b
	l.mu.Unlock()
}

// SnapshotInfo tracks one in-flight distributed snapshot round. Only
// one round is tracked at a time; see DESIGN.md for the tradeoff.
type SnapshotInfo struct {
	SnapshotID     uint64
	SequenceNumber uint64
	Checksums      map[cellmgr.PeerID]uint32
	Expected       map[cellmgr.PeerID]bool
}

// NewLeaderCommitter constructs a leader committer for segmentID,
// resuming from the given next record/sequence numbers and last random
// seed (as established by recovery or a fresh cell bootstrap).
func NewLeaderCommitter(
	cfg LeaderConfig,
	cells *cellmgr.CellManager,
	store *changelog.Store,
	snaps *snapshotstore.Store,
	aut *automaton.Decorated,
	peerClientFor func(cellmgr.PeerID) PeerClient,
	term uint64,
	segmentID uint64,
	nextRecordID uint64,
	nextSeq uint64,
	lastRandomSeed uint64,
) *LeaderCommitter {
	peers := make(map[cellmgr.PeerID]*PeerState)
	for _, p := range cells.Peers() {
		ps := newPeerState()
		peers[p.ID] = &ps
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LeaderCommitter{
		cfg:            cfg,
		cells:          cells,
		log:            store,
		aut:            aut,
		snaps:          snaps,
		drafts:         NewDraftQueue(4096),
		queue:          NewRecordQueue(cfg.QueueMaxRecords, cfg.QueueMaxBytes),
		peerClientFor:  peerClientFor,
		segmentID:      segmentID,
		nextRecordID:   nextRecordID,
		nextSeq:        nextSeq,
		term:           term,
		lastRandomSeed: lastRandomSeed,
		lastSnapshotAt: time.Now(),
		peers:          peers,
		pendingBySeq:   make(map[uint64]*Draft),
		logger:         log.WithComponent("hydra.leader"),
		epochCtx:       ctx,
		epochCancel:    cancel,
		stopCh:         make(chan struct{}),
	}
}

// Submit enqueues a client draft. Without touching the log, it resolves
// the draft with ErrReadOnly if the leader is read-only or switching
// away, and with ErrUnavailable if its intake queue is full.
func (l *LeaderCommitter) Submit(d *Draft) {
	l.mu.Lock()
	if l.readOnly || l.leaderSwitchStarted {
		l.mu.Unlock()
		d.Resolve(DraftResult{Err: ErrReadOnly})
		return
	}
	l.mu.Unlock()

	if !l.drafts.Submit(d) {
		d.Resolve(DraftResult{Err: ErrUnavailable})
	}
}

// Run starts the Serialize and Flush periodic tasks; it blocks until the
// epoch context is cancelled via Stop.
func (l *LeaderCommitter) Run() {
	ticker := time.NewTicker(l.cfg.MaxCommitBatchDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.serialize()
			l.flush()
			l.maybeBuildOwnSnapshot()
			l.maybeTriggerSnapshot()
		case <-l.epochCtx.Done():
			l.drainOnStop()
			return
		}
	}
}

// serialize drains queued drafts, assigns sequence numbers/random
// seeds/timestamps, writes them to the local changelog, and enqueues
// them for replication.
func (l *LeaderCommitter) serialize() {
	l.mu.Lock()
	if l.readOnly || l.leaderSwitchStarted {
		l.mu.Unlock()
		return
	}
	drafts := l.drafts.Drain(l.cfg.MaxCommitBatchRecordCount)
	if len(drafts) == 0 {
		l.mu.Unlock()
		return
	}

	records := make([]automaton.Record, 0, len(drafts))
	logRecords := make([]changelog.Record, 0, len(drafts))
	now := time.Now()

	for _, d := range drafts {
		seed := rand.Uint64()
		rec := automaton.Record{
			Reign:          automaton.CurrentReign,
			MutationType:   d.MutationType,
			Version:        automaton.Version{SegmentID: l.segmentID, RecordID: l.nextRecordID},
			PrevRandomSeed: l.lastRandomSeed,
			RandomSeed:     seed,
			Term:           l.term,
			MutationID:     d.MutationID,
			Timestamp:      now,
			Payload:        d.Payload,
		}
		records = append(records, rec)
		logRecords = append(logRecords, changelog.Record{RecordID: l.nextRecordID, Payload: encodeRecord(rec, l.nextSeq)})

		l.pendingBySeq[l.nextSeq] = d
		l.queue.Push(l.nextSeq, rec)

		l.lastRandomSeed = seed
		l.nextRecordID++
		l.nextSeq++
	}
	segmentID := l.segmentID
	l.mu.Unlock()

	if err := l.log.Append(segmentID, logRecords); err != nil {
		l.logger.Error().Err(err).Msg("append to local changelog failed, firing LoggingFailed")
		metrics.LoggingFailuresTotal.Inc()
		l.failAllPending(ErrLoggingFailed)
		l.restartEpoch()
		return
	}

	l.selfAck()
}

// selfAck records the leader's own write as logged/committed progress
// for itself, since the leader is also a voting peer in the quorum
// computation.
func (l *LeaderCommitter) selfAck() {
	l.mu.Lock()
	self := l.cells.SelfID()
	ps := l.peers[self]
	if ps != nil {
		ps.Known = true
		if l.nextSeq > 0 {
			ps.LastLoggedSequence = l.nextSeq - 1
			ps.NextExpectedSequence = l.nextSeq
		}
	}
	l.mu.Unlock()
	l.maybeAdvanceCommit()
}

// flush issues AcceptMutations to every non-self peer carrying the
// contiguous range it is still missing.
func (l *LeaderCommitter) flush() {
	l.mu.Lock()
	term := l.term
	committed := l.committed
	committedSeq := l.committedSeq
	var snap *SnapshotRequest
	if l.snapshot != nil {
		snap = &SnapshotRequest{SnapshotID: l.snapshot.SnapshotID, SequenceNumber: l.snapshot.SequenceNumber}
	}
	tail, hasTail := l.queue.TailSequence()
	targets := make([]cellmgr.PeerID, 0, len(l.peers))
	for id := range l.peers {
		if id != l.cells.SelfID() {
			targets = append(targets, id)
		}
	}
	l.mu.Unlock()

	if !hasTail {
		return
	}

	for _, id := range targets {
		l.flushOne(id, term, committed, committedSeq, tail, snap)
	}
}

func (l *LeaderCommitter) flushOne(id cellmgr.PeerID, term uint64, committed automaton.Version, committedSeq uint64, tail uint64, snap *SnapshotRequest) {
	l.mu.Lock()
	ps := l.peers[id]
	if ps == nil {
		l.mu.Unlock()
		return
	}
	start := ps.NextExpectedSequence
	if !ps.Known {
		// A peer that has never replied is offered the oldest retained
		// record; its reply reports where it actually stands.
		start, _ = l.queue.HeadSequence()
	}
	end := start + uint64(l.cfg.MaxFlushBatchRecordCount)
	if end > tail {
		end = tail
	}
	l.mu.Unlock()

	// The RPC goes out on every flush, even with no new records: its
	// reply is how the leader learns what the peer has logged since, it
	// carries the committed watermark the peer applies up to, and it is
	// the only RPC that carries a pending snapshot request (spec §4.8
	// step 3).
	var records []automaton.Record
	if start <= end {
		var err error
		records, err = l.queue.Range(start, end)
		if err == ErrEvicted {
			l.forceRestart(id, term)
			return
		}
		if err != nil {
			return
		}
	}

	client := l.peerClientFor(id)
	if client == nil {
		return
	}

	resp, err := client.AcceptMutations(&AcceptMutationsRequest{
		Term:             term,
		StartSequence:    start,
		Records:          records,
		CommittedVersion: committed,
		CommittedSeq:     committedSeq,
		Snapshot:         snap,
	})
	if err != nil {
		l.logger.Debug().Err(err).Str("peer", string(id)).Msg("AcceptMutations RPC failed, will retry next flush")
		return
	}
	if resp.RequiresForceRestart {
		l.forceRestart(id, term)
		return
	}

	l.mu.Lock()
	if resp.LastLoggedSequence > ps.LastLoggedSequence || !ps.Known {
		ps.LastLoggedSequence = resp.LastLoggedSequence
	}
	ps.NextExpectedSequence = resp.NextExpectedSequence
	ps.Known = true
	if resp.SnapshotAck != nil && l.snapshot != nil && resp.SnapshotAck.SnapshotID == l.snapshot.SnapshotID {
		l.snapshot.Checksums[id] = resp.SnapshotAck.Checksum
	}
	l.mu.Unlock()

	l.maybeAdvanceCommit()
	l.maybeFinalizeSnapshot()
}

func (l *LeaderCommitter) forceRestart(id cellmgr.PeerID, term uint64) {
	client := l.peerClientFor(id)
	if client != nil {
		_, _ = client.ForceRestart(&ForceRestartRequest{Term: term})
	}
	l.mu.Lock()
	ps := newPeerState()
	l.peers[id] = &ps
	l.mu.Unlock()
}

// maybeAdvanceCommit implements the commit rule: sort voting
// peers' last_logged_sequence_number descending, take the value at index
// quorum_count-1, and advance the committed watermark if it grew.
func (l *LeaderCommitter) maybeAdvanceCommit() {
	l.mu.Lock()
	voting := l.cells.VotingPeers()
	quorum := l.cells.QuorumCount()

	logged := make([]uint64, 0, len(voting))
	for _, p := range voting {
		ps := l.peers[p.ID]
		if ps == nil || !ps.Known {
			logged = append(logged, 0)
			continue
		}
		logged = append(logged, ps.LastLoggedSequence)
	}
	sort.Sort(sort.Reverse(sortableU64(logged)))

	if quorum <= 0 || quorum > len(logged) {
		l.mu.Unlock()
		return
	}
	candidate := logged[quorum-1]

	if candidate <= l.committedSeq {
		l.mu.Unlock()
		return
	}

	from := l.committedSeq + 1
	type seqRecord struct {
		seq uint64
		rec automaton.Record
	}
	toApply := make([]seqRecord, 0, candidate-l.committedSeq)
	for seq := from; seq <= candidate; seq++ {
		rec, err := l.queue.Range(seq, seq)
		if err != nil || len(rec) == 0 {
			break
		}
		toApply = append(toApply, seqRecord{seq: seq, rec: rec[0]})
	}
	l.committedSeq = candidate
	if len(toApply) > 0 {
		l.committed = toApply[len(toApply)-1].rec.Version
	}

	// minimum last-logged across ALL peers (not just voting) bounds safe
	// eviction: never shed a record a non-voting peer still needs either.
	minLogged := candidate
	for _, ps := range l.peers {
		if !ps.Known {
			minLogged = 0
			continue
		}
		if ps.LastLoggedSequence < minLogged {
			minLogged = ps.LastLoggedSequence
		}
	}
	l.mu.Unlock()

	for _, sr := range toApply {
		effectErr := l.aut.ApplyMutation(sr.rec)
		if effectErr != nil {
			l.logger.Error().Err(effectErr).Msg("apply committed mutation failed")
		} else {
			metrics.MutationsAppliedTotal.Inc()
		}
		l.resolveApplied(sr.seq, effectErr)
	}
	metrics.CommittedSequenceNumber.Set(float64(candidate))

	l.queue.EvictBelow(minLogged)
}

// resolveApplied delivers the commit result to the draft that produced
// seq, if this peer originated it (followers never populate
// pendingBySeq).
func (l *LeaderCommitter) resolveApplied(seq uint64, err error) {
	l.mu.Lock()
	d, ok := l.pendingBySeq[seq]
	if ok {
		delete(l.pendingBySeq, seq)
	}
	l.mu.Unlock()
	if ok {
		d.Resolve(DraftResult{Err: err})
	}
}

// maybeTriggerSnapshot checks the configured cadence (timer or
// record-count threshold since the last round) and starts a new
// distributed snapshot round if due and none is already in flight.
func (l *LeaderCommitter) maybeTriggerSnapshot() {
	l.mu.Lock()
	if l.snapshot != nil {
		l.mu.Unlock()
		return
	}
	committedSeq := l.committedSeq
	due := committedSeq > 0 && (time.Since(l.lastSnapshotAt) >= l.cfg.SnapshotInterval ||
		committedSeq-l.lastSnapshotSeq >= l.cfg.SnapshotRecordThreshold)
	l.mu.Unlock()

	if !due {
		return
	}
	if err := l.TriggerSnapshot(); err != nil {
		l.logger.Error().Err(err).Msg("failed to trigger distributed snapshot")
	}
}

// TriggerSnapshot begins a new distributed snapshot round at the
// leader's current last-logged sequence number: rotating the local
// segment so subsequent mutations land in the new segment, and recording
// which peers are expected to reply with a checksum. The leader's own
// snapshot (spec §4.8 step 2) is built once its automaton has actually
// applied through the target sequence number; see maybeBuildOwnSnapshot.
func (l *LeaderCommitter) TriggerSnapshot() error {
	l.mu.Lock()
	targetSeq := l.nextSeq - 1
	newSegment := l.segmentID + 1
	expected := make(map[cellmgr.PeerID]bool)
	for id := range l.peers {
		expected[id] = true
	}
	l.mu.Unlock()

	if err := l.log.Create(newSegment); err != nil {
		return fmt.Errorf("hydra: rotate changelog: %w", err)
	}

	l.mu.Lock()
	l.segmentID = newSegment
	l.nextRecordID = 0
	l.lastSnapshotSeq = targetSeq
	l.lastSnapshotAt = time.Now()
	l.snapshot = &SnapshotInfo{
		SnapshotID:     newSegment,
		SequenceNumber: targetSeq,
		Checksums:      make(map[cellmgr.PeerID]uint32),
		Expected:       expected,
	}
	l.mu.Unlock()

	l.maybeBuildOwnSnapshot()
	return nil
}

// maybeBuildOwnSnapshot is the leader-side analogue of a follower
// building its snapshot upon reaching the requested sequence number
// (spec §4.8 step 3): once the leader's own automaton has applied
// through the in-flight round's target sequence number, it builds and
// records its own checksum exactly like any other peer's SnapshotAck.
func (l *LeaderCommitter) maybeBuildOwnSnapshot() {
	l.mu.Lock()
	snap := l.snapshot
	self := l.cells.SelfID()
	if snap == nil {
		l.mu.Unlock()
		return
	}
	if _, already := snap.Checksums[self]; already {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if l.aut.SequenceNumber() < snap.SequenceNumber {
		return
	}

	checksum, err := buildLocalSnapshot(l.aut, l.snaps, snap.SnapshotID)
	if err != nil {
		l.logger.Error().Err(err).Uint64("snapshot_id", snap.SnapshotID).Msg("failed to build leader's own snapshot")
		return
	}

	l.mu.Lock()
	if l.snapshot != nil && l.snapshot.SnapshotID == snap.SnapshotID {
		l.snapshot.Checksums[self] = checksum
	}
	l.mu.Unlock()

	l.maybeFinalizeSnapshot()
}

func (l *LeaderCommitter) maybeFinalizeSnapshot() {
	l.mu.Lock()
	snap := l.snapshot
	if snap == nil {
		l.mu.Unlock()
		return
	}
	for id := range snap.Expected {
		if _, ok := snap.Checksums[id]; !ok {
			l.mu.Unlock()
			return
		}
	}
	var first uint32
	agree := true
	for i, sum := range snap.Checksums {
		_ = i
		if first == 0 {
			first = sum
		} else if sum != first {
			agree = false
		}
	}
	l.snapshot = nil
	broker := l.events
	l.mu.Unlock()

	if !agree {
		l.logger.Warn().Uint64("snapshot_id", snap.SnapshotID).Msg("distributed snapshot checksum disagreement")
		metrics.SnapshotChecksumMismatchTotal.Inc()
		if broker != nil {
			broker.Publish(&events.Event{
				Type:    events.EventInvariantAlert,
				Message: fmt.Sprintf("distributed snapshot %d checksum disagreement across peers", snap.SnapshotID),
				Metadata: map[string]string{
					"snapshot_id": fmt.Sprintf("%d", snap.SnapshotID),
				},
			})
		}
	}
}

// SetReadOnly sets the sticky read-only flag; once set it is never
// cleared within this epoch.
func (l *LeaderCommitter) SetReadOnly() {
	l.mu.Lock()
	l.readOnly = true
	l.mu.Unlock()
}

// BeginLeaderSwitch sets the sticky leader-switch flag, rejecting any
// further drafts even before the epoch context is cancelled.
func (l *LeaderCommitter) BeginLeaderSwitch() {
	l.mu.Lock()
	l.leaderSwitchStarted = true
	l.mu.Unlock()
}

// Stop cancels the epoch context; Run then resolves every draft still
// waiting in the intake queue with ErrUnavailable and returns. Drafts
// already serialized into records are not resolved by Stop, and the
// changelog is left open.
func (l *LeaderCommitter) Stop() {
	l.stopOnce.Do(func() {
		l.epochCancel()
		close(l.stopCh)
	})
}

func (l *LeaderCommitter) drainOnStop() {
	l.failAllPending(ErrUnavailable)
}

func (l *LeaderCommitter) failAllPending(err error) {
	for _, d := range l.drafts.Drain(1 << 20) {
		d.Resolve(DraftResult{Err: err})
	}
}

func (l *LeaderCommitter) restartEpoch() {
	l.BeginLeaderSwitch()
	l.Stop()
}

// CommittedState returns the leader's current committed (version,
// sequence) pair.
func (l *LeaderCommitter) CommittedState() (automaton.Version, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed, l.committedSeq
}

type sortableU64 []uint64

func (s sortableU64) Len() int           { return len(s) }
func (s sortableU64) Less(i, j int) bool { return s[i] < s[j] }
func (s sortableU64) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
