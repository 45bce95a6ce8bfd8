// Package automaton implements the user automaton interface and the
// decorated automaton that wraps it with version/sequence tracking,
// a rolling state hash, and the user/system lock pair used to coordinate
// mutation application against snapshot build/load.
//
// The automaton itself is external to the core: pkg/tablet's catalog
// mutations are the concrete Automaton implementation exercised here,
// the same raft.FSM-delegates-to-a-storage-layer relationship used
// elsewhere (an FSM's Apply dispatches onto storage, never implementing
// storage itself).
package automaton

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Automaton is the user state machine wrapped by the decorated automaton.
// Implementations must be fully deterministic within Apply: no
// wall-clock reads, no OS randomness, no iteration over unordered maps
// without a stable sort.
type Automaton interface {
	// Apply applies one mutation payload to the automaton's state and
	// returns bytes folded into the rolling state hash (typically a
	// serialization of the mutation's observable effect).
	Apply(payload []byte) ([]byte, error)
	// Save streams the automaton's full state to w.
	Save(w io.Writer) error
	// Load replaces the automaton's state by reading from r.
	Load(r io.Reader) error
	// Clear resets the automaton to its zero state, used before Load.
	Clear()
}

// MutationContext is installed for the duration of one apply_mutation
// call and exposes the only sources of "time" and "randomness" an
// Automaton.Apply implementation may legally consult.
type MutationContext struct {
	RandomSeed uint64
	Timestamp  time.Time
	MutationID string
}

// Version identifies a position in the changelog: (segment_id, record_id).
type Version struct {
	SegmentID uint64
	RecordID  uint64
}

// CurrentReign tags the automaton payload schema carried by records
// written by this build; replayed records with an older reign are still
// applied (the payload codecs are backward compatible), the tag exists
// so a reader can tell which schema produced a given record.
const CurrentReign uint16 = 1

// Record is one logged mutation as seen by the decorated automaton.
type Record struct {
	Reign          uint16
	MutationType   string
	Version        Version
	PrevRandomSeed uint64
	RandomSeed     uint64
	Term           uint64
	MutationID     string
	Timestamp      time.Time
	Payload        []byte
}

// SnapshotParams describes a snapshot produced by BuildSnapshot.
type SnapshotParams struct {
	LastSegmentID  uint64
	SequenceNumber uint64
	RandomSeed     uint64
	StateHash      uint64
	Timestamp      time.Time
}

// ErrRandomSeedMismatch is returned by ApplyMutation when a record's
// prev_random_seed does not match the automaton's current random_seed,
// meaning the changelog was replayed out of order or is corrupt.
type ErrRandomSeedMismatch struct {
	Expected uint64
	Got      uint64
}

func (e *ErrRandomSeedMismatch) Error() string {
	return fmt.Sprintf("automaton: prev_random_seed mismatch: automaton has %d, record expects %d", e.Expected, e.Got)
}

// ErrLocked is returned when an operation conflicts with an active user
// or system lock.
var ErrLocked = fmt.Errorf("automaton: locked")

// Decorated wraps an Automaton with the bookkeeping state and lock pair
// it needs for deterministic replay. All exported methods are safe for concurrent
// use except ApplyMutation/ApplyMutations, which the caller must run on
// a single "automaton" executor and never reorder or run concurrently
// with each other.
type Decorated struct {
	mu sync.Mutex

	automaton Automaton

	version          Version
	sequenceNumber   uint64
	randomSeed       uint64
	stateHash        uint64
	lastMutationTerm uint64
	timestamp        time.Time

	// epochCtx is cancelled when the current epoch ends; ApplyMutation
	// observes it to refuse stale work promptly.
	epochCtx context.Context

	userLocked   bool
	systemLocked bool

	mutationCtx *MutationContext
}

// New wraps automaton in a decorated automaton at the zero state.
func New(a Automaton) *Decorated {
	return &Decorated{automaton: a}
}

// SetEpochContext installs the context scoping the current epoch; future
// ApplyMutation calls observe ctx.Err() to refuse work after the epoch
// ends.
func (d *Decorated) SetEpochContext(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epochCtx = ctx
}

// LockUser takes the user lock. It fails with ErrLocked while the user
// or the system lock is already held. ApplyMutation does not consult the
// user lock. Returns a release function that must be called on every
// exit path.
func (d *Decorated) LockUser() (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userLocked || d.systemLocked {
		return nil, ErrLocked
	}
	d.userLocked = true
	return func() {
		d.mu.Lock()
		d.userLocked = false
		d.mu.Unlock()
	}, nil
}

// LockSystem blocks everything (used for snapshot build/load): while it
// is held, ApplyMutation and LockUser fail with ErrLocked. It fails
// itself while the user or the system lock is already held. Returns a
// release function that must be called on every exit path.
func (d *Decorated) LockSystem() (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.systemLocked || d.userLocked {
		return nil, ErrLocked
	}
	d.systemLocked = true
	return func() {
		d.mu.Lock()
		d.systemLocked = false
		d.mu.Unlock()
	}, nil
}

// ApplyMutation verifies prev_random_seed, advances version/sequence
// number/random_seed, installs a mutation context for the duration of
// the call, invokes the wrapped automaton, and folds the returned effect
// bytes into the rolling state hash.
func (d *Decorated) ApplyMutation(rec Record) error {
	d.mu.Lock()
	if d.systemLocked {
		d.mu.Unlock()
		return ErrLocked
	}
	if d.epochCtx != nil {
		if err := d.epochCtx.Err(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if rec.PrevRandomSeed != d.randomSeed {
		expected := d.randomSeed
		d.mu.Unlock()
		return &ErrRandomSeedMismatch{Expected: expected, Got: rec.PrevRandomSeed}
	}

	d.mutationCtx = &MutationContext{
		RandomSeed: rec.RandomSeed,
		Timestamp:  rec.Timestamp,
		MutationID: rec.MutationID,
	}
	d.mu.Unlock()

	effect, err := d.automaton.Apply(rec.Payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutationCtx = nil
	if err != nil {
		return err
	}

	d.randomSeed = rec.RandomSeed
	d.sequenceNumber++
	d.version = rec.Version
	d.lastMutationTerm = rec.Term
	d.timestamp = rec.Timestamp
	d.stateHash = foldHash(d.stateHash, effect)

	return nil
}

// ApplyMutations applies a batch sequentially, preserving order, and
// stops at the first error.
func (d *Decorated) ApplyMutations(batch []Record) error {
	for _, rec := range batch {
		if err := d.ApplyMutation(rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot clears the automaton, invokes automaton.Load, and then
// installs the given version, sequence number, random seed, timestamp
// and state hash. wantStateHash is stored as given: it is not compared
// with anything computed from the loaded state, and lastSegmentID is not
// stored. The caller must hold the system lock.
func (d *Decorated) LoadSnapshot(
	lastSegmentID uint64,
	version Version,
	sequenceNumber uint64,
	randomSeed uint64,
	wantStateHash uint64,
	timestamp time.Time,
	r io.Reader,
) error {
	d.mu.Lock()
	if !d.systemLocked {
		d.mu.Unlock()
		return fmt.Errorf("automaton: LoadSnapshot requires the system lock to be held")
	}
	d.mu.Unlock()

	d.automaton.Clear()
	if err := d.automaton.Load(r); err != nil {
		return fmt.Errorf("automaton: load: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
	d.sequenceNumber = sequenceNumber
	d.randomSeed = randomSeed
	d.timestamp = timestamp
	d.stateHash = wantStateHash

	return nil
}

// BuildSnapshot writes the automaton's current applied state to w and
// returns that state's metadata. The caller must hold the system lock for the
// duration of the scan/fork; this implementation snapshots by direct
// scan (no fork/suspend support), which requires the lock to be held
// across the call.
func (d *Decorated) BuildSnapshot(w io.Writer) (SnapshotParams, error) {
	d.mu.Lock()
	if !d.systemLocked {
		d.mu.Unlock()
		return SnapshotParams{}, fmt.Errorf("automaton: BuildSnapshot requires the system lock to be held")
	}
	params := SnapshotParams{
		LastSegmentID:  d.version.SegmentID,
		SequenceNumber: d.sequenceNumber,
		RandomSeed:     d.randomSeed,
		StateHash:      d.stateHash,
		Timestamp:      d.timestamp,
	}
	d.mu.Unlock()

	if err := d.automaton.Save(w); err != nil {
		return SnapshotParams{}, fmt.Errorf("automaton: save: %w", err)
	}
	return params, nil
}

// Version returns the current applied version.
func (d *Decorated) Version() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SequenceNumber returns the number of mutations applied so far.
func (d *Decorated) SequenceNumber() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequenceNumber
}

// StateHash returns the current rolling state hash.
func (d *Decorated) StateHash() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateHash
}

// ReachableState reports the version/sequence/hash triple a peer at this
// point in the log can be said to have reached; used by recovery and
// state-hash gossip to detect divergence.
type ReachableState struct {
	Version        Version
	SequenceNumber uint64
	StateHash      uint64
}

// ReachableState returns the current reachable state.
func (d *Decorated) ReachableState() ReachableState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ReachableState{
		Version:        d.version,
		SequenceNumber: d.sequenceNumber,
		StateHash:      d.stateHash,
	}
}

// MutationContext returns the context active during the current
// apply_mutation call, or nil outside of one.
func (d *Decorated) MutationContext() *MutationContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mutationCtx
}

// foldHash mixes effect bytes into the rolling state hash using xxhash,
// seeded with the previous hash so divergence anywhere in the applied
// prefix changes every subsequent value.
func foldHash(prev uint64, effect []byte) uint64 {
	h := xxhash.New()
	var seed [8]byte
	for i := 0; i < 8; i++ {
		seed[i] = byte(prev >> (8 * i))
	}
	h.Write(seed[:])
	h.Write(effect)
	return h.Sum64()
}
