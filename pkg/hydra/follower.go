package hydra

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

// FollowerConfig bundles the follower-side tunables.
type FollowerConfig struct {
	MaxLoggedMutationsPerRequest int
}

// DefaultFollowerConfig returns the tunables used when a cell config does
// not override them.
func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{MaxLoggedMutationsPerRequest: 1000}
}

// pendingRecord is one record in either the accepted-but-not-logged or
// the logged-but-not-applied FIFO.
type pendingRecord struct {
	rec automaton.Record
	seq uint64
}

// FollowerCommitter accepts batched records from the leader in
// expected-sequence order, writes them to its
// own changelog, and applies committed mutations via the decorated
// automaton.
type FollowerCommitter struct {
	cfg FollowerConfig
	log *changelog.Store
	aut *automaton.Decorated

	mu sync.Mutex

	currentSegment uint64
	preRegistered  map[uint64]uint64 // segment_id -> next segment_id pre-opened

	accepted *list.List // of pendingRecord, FIFO awaiting log_mutations
	logged   *list.List // of pendingRecord, FIFO awaiting commit_mutations

	loggedSequenceNumber         uint64
	acceptedSequenceNumber       uint64
	selfCommittedSequenceNumber  uint64

	builtSnapshotID       uint64
	builtSnapshotChecksum uint32

	loggingInFlight bool

	logger zerolog.Logger

	epochCtx    context.Context
	epochCancel context.CancelFunc
}

// NewFollowerCommitter constructs a follower committer resuming from the
// given reachable state (as established by recovery).
func NewFollowerCommitter(cfg FollowerConfig, store *changelog.Store, aut *automaton.Decorated, currentSegment uint64, reachableSeq uint64) *FollowerCommitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &FollowerCommitter{
		cfg:                          cfg,
		log:                          store,
		aut:                          aut,
		currentSegment:               currentSegment,
		preRegistered:                make(map[uint64]uint64),
		accepted:                     list.New(),
		logged:                       list.New(),
		loggedSequenceNumber:         reachableSeq,
		acceptedSequenceNumber:       reachableSeq,
		selfCommittedSequenceNumber:  reachableSeq,
		logger:                       log.WithComponent("hydra.follower"),
		epochCtx:                     ctx,
		epochCancel:                  cancel,
	}
}

// ExpectedSequenceNumber returns the next sequence number this follower
// has not yet accepted, used to decide how much of an incoming
// AcceptMutations batch to keep.
func (f *FollowerCommitter) ExpectedSequenceNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acceptedSequenceNumber + 1
}

// AcceptMutations drops any prefix
// already accepted, rejects (silently) if a gap is requested, otherwise
// appends to the accepted FIFO and kicks off logging.
func (f *FollowerCommitter) AcceptMutations(startSeq uint64, records []automaton.Record) (accepted bool) {
	f.mu.Lock()
	expected := f.acceptedSequenceNumber + 1
	if expected > startSeq {
		skip := int(expected - startSeq)
		if skip > len(records) {
			skip = len(records)
		}
		records = records[skip:]
		startSeq = expected
	} else if expected < startSeq {
		f.mu.Unlock()
		return false
	}

	for i, rec := range records {
		seq := startSeq + uint64(i)
		if seq != f.acceptedSequenceNumber+1 {
			f.mu.Unlock()
			panic(fmt.Sprintf("hydra: accepted sequence monotonicity violated: have %d, got %d", f.acceptedSequenceNumber, seq))
		}
		f.accepted.PushBack(pendingRecord{rec: rec, seq: seq})
		f.acceptedSequenceNumber = seq
	}
	f.mu.Unlock()

	if len(records) > 0 {
		go f.logMutations()
	}
	return true
}

// logMutations drains up to MaxLoggedMutationsPerRequest accepted
// records, rotating the changelog when a record's segment differs from
// the current one, and appends them. At most one logging task runs at a
// time.
func (f *FollowerCommitter) logMutations() {
	f.mu.Lock()
	if f.loggingInFlight {
		f.mu.Unlock()
		return
	}
	f.loggingInFlight = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.loggingInFlight = false
		f.mu.Unlock()
	}()

	for {
		f.mu.Lock()
		batch := make([]pendingRecord, 0, f.cfg.MaxLoggedMutationsPerRequest)
		for f.accepted.Len() > 0 && len(batch) < f.cfg.MaxLoggedMutationsPerRequest {
			el := f.accepted.Front()
			batch = append(batch, el.Value.(pendingRecord))
			f.accepted.Remove(el)
		}
		f.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		if err := f.writeBatch(batch); err != nil {
			f.logger.Error().Err(err).Msg("follower logging failed")
			metrics.LoggingFailuresTotal.Inc()
			return
		}
	}
}

func (f *FollowerCommitter) writeBatch(batch []pendingRecord) error {
	// Group contiguous records by segment so a mid-batch rotation issues
	// one Append per segment instead of one per record.
	i := 0
	for i < len(batch) {
		seg := batch[i].rec.Version.SegmentID
		j := i
		for j < len(batch) && batch[j].rec.Version.SegmentID == seg {
			j++
		}
		if err := f.rotateIfNeeded(seg, batch[i].rec.Version.RecordID); err != nil {
			return err
		}

		logRecords := make([]changelog.Record, 0, j-i)
		for _, pr := range batch[i:j] {
			logRecords = append(logRecords, changelog.Record{
				RecordID: pr.rec.Version.RecordID,
				Payload:  encodeRecord(pr.rec, pr.seq),
			})
		}
		if err := f.log.Append(seg, logRecords); err != nil {
			return fmt.Errorf("hydra: follower append: %w", err)
		}

		f.mu.Lock()
		for _, pr := range batch[i:j] {
			f.logged.PushBack(pr)
			f.loggedSequenceNumber = pr.seq
		}
		f.mu.Unlock()

		i = j
	}

	f.applyCommittedPrefix()
	return nil
}

// rotateIfNeeded opens or creates segmentID if it differs from the
// currently active segment. A mid-segment rotation is only legal at
// record id 0.
func (f *FollowerCommitter) rotateIfNeeded(segmentID uint64, firstRecordID uint64) error {
	f.mu.Lock()
	current := f.currentSegment
	next, preOpened := f.preRegistered[current]
	f.mu.Unlock()

	if segmentID == current {
		return nil
	}
	if firstRecordID != 0 {
		return fmt.Errorf("hydra: mid-segment rotation requires record_id 0, got %d", firstRecordID)
	}

	if preOpened && next == segmentID {
		// Already created by PreRegisterSegment; nothing further to do.
	} else if err := f.log.Create(segmentID); err != nil && err != changelog.ErrSegmentExists {
		return fmt.Errorf("hydra: rotate to segment %d: %w", segmentID, err)
	}

	f.mu.Lock()
	f.currentSegment = segmentID
	delete(f.preRegistered, current)
	f.mu.Unlock()
	return nil
}

// PreRegisterSegment lets the distributed snapshot protocol (or
// recovery) open segmentID+1 ahead of time so the eventual rotation in
// writeBatch does not need to perform disk I/O inline.
func (f *FollowerCommitter) PreRegisterSegment(current, next uint64) error {
	if err := f.log.Create(next); err != nil && err != changelog.ErrSegmentExists {
		return err
	}
	f.mu.Lock()
	f.preRegistered[current] = next
	f.mu.Unlock()
	return nil
}

// CommitMutations advances the
// self-committed watermark monotonically and applies every logged record
// at or below it.
func (f *FollowerCommitter) CommitMutations(leaderCommittedSeq uint64) {
	f.mu.Lock()
	if leaderCommittedSeq > f.selfCommittedSequenceNumber {
		f.selfCommittedSequenceNumber = leaderCommittedSeq
	}
	f.mu.Unlock()
	f.applyCommittedPrefix()
}

func (f *FollowerCommitter) applyCommittedPrefix() {
	f.mu.Lock()
	watermark := f.selfCommittedSequenceNumber
	var toApply []pendingRecord
	for f.logged.Len() > 0 {
		el := f.logged.Front()
		pr := el.Value.(pendingRecord)
		if pr.seq > watermark {
			break
		}
		toApply = append(toApply, pr)
		f.logged.Remove(el)
	}
	f.mu.Unlock()

	for _, pr := range toApply {
		if err := f.aut.ApplyMutation(pr.rec); err != nil {
			f.logger.Error().Err(err).Uint64("sequence_number", pr.seq).Msg("follower apply failed")
			continue
		}
		metrics.MutationsAppliedTotal.Inc()
	}
}

// MaybeBuildSnapshot implements the follower side of spec §4.8 step 3:
// once this peer has applied through req's requested sequence number, it
// builds its own snapshot under req.SnapshotID and returns a SnapshotAck
// carrying the checksum. It returns (nil, nil) if req is nil or the
// target sequence number has not been reached yet (the leader keeps
// piggybacking the same request on every AcceptMutations until it has).
// A snapshot already built for req.SnapshotID is not rebuilt; its cached
// checksum is returned again so a retried RPC still gets an ack.
func (f *FollowerCommitter) MaybeBuildSnapshot(snaps *snapshotstore.Store, req *SnapshotRequest) (*SnapshotAck, error) {
	if req == nil {
		return nil, nil
	}

	f.mu.Lock()
	if f.builtSnapshotID == req.SnapshotID {
		ack := &SnapshotAck{SnapshotID: req.SnapshotID, Checksum: f.builtSnapshotChecksum}
		f.mu.Unlock()
		return ack, nil
	}
	f.mu.Unlock()

	if f.aut.SequenceNumber() < req.SequenceNumber {
		return nil, nil
	}

	checksum, err := buildLocalSnapshot(f.aut, snaps, req.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("hydra: follower: build snapshot %d: %w", req.SnapshotID, err)
	}

	f.mu.Lock()
	f.builtSnapshotID = req.SnapshotID
	f.builtSnapshotChecksum = checksum
	f.mu.Unlock()

	return &SnapshotAck{SnapshotID: req.SnapshotID, Checksum: checksum}, nil
}

// LoggedSequenceNumber returns the highest sequence number durably
// logged on this peer.
func (f *FollowerCommitter) LoggedSequenceNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedSequenceNumber
}

// Stop cancels the follower's epoch context.
func (f *FollowerCommitter) Stop() {
	f.epochCancel()
}
