package hydra

import (
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/changelog"
)

// sumAutomaton is a minimal deterministic Automaton for exercising the
// follower committer without pulling in the tablet catalog.
type sumAutomaton struct {
	total int64
}

func (s *sumAutomaton) Apply(payload []byte) ([]byte, error) {
	var delta int64
	if err := json.Unmarshal(payload, &delta); err != nil {
		return nil, err
	}
	s.total += delta
	return json.Marshal(s.total)
}

func (s *sumAutomaton) Save(w io.Writer) error { return json.NewEncoder(w).Encode(s.total) }
func (s *sumAutomaton) Load(r io.Reader) error  { return json.NewDecoder(r).Decode(&s.total) }
func (s *sumAutomaton) Clear()                 { s.total = 0 }

func newTestChangelogStore(t *testing.T) *changelog.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "hydra-follower-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := newTestChangelogStoreAt(t, dir)
	if err != nil {
		t.Fatalf("changelog.Open() error = %v", err)
	}
	return store
}

func newTestChangelogStoreAt(t *testing.T, dir string) (*changelog.Store, error) {
	t.Helper()
	store, err := changelog.Open(dir)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { store.Close() })
	return store, nil
}

func recordPayload(t *testing.T, delta int64) []byte {
	t.Helper()
	b, err := json.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFollowerAcceptLogCommitAppliesInOrder(t *testing.T) {
	store := newTestChangelogStore(t)
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	f := NewFollowerCommitter(DefaultFollowerConfig(), store, aut, 1, 0)

	records := []automaton.Record{
		{Version: automaton.Version{SegmentID: 1, RecordID: 0}, RandomSeed: 1, Payload: recordPayload(t, 10)},
		{Version: automaton.Version{SegmentID: 1, RecordID: 1}, PrevRandomSeed: 1, RandomSeed: 2, Payload: recordPayload(t, 5)},
	}
	if ok := f.AcceptMutations(1, records); !ok {
		t.Fatal("AcceptMutations() = false, want true")
	}

	waitFor(t, func() bool { return f.LoggedSequenceNumber() == 2 })

	f.CommitMutations(2)
	waitFor(t, func() bool { return aut.SequenceNumber() == 2 })
}

func TestFollowerAcceptMutationsSkipsAlreadyAcceptedPrefix(t *testing.T) {
	store := newTestChangelogStore(t)
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	f := NewFollowerCommitter(DefaultFollowerConfig(), store, aut, 1, 0)

	first := []automaton.Record{
		{Version: automaton.Version{SegmentID: 1, RecordID: 0}, RandomSeed: 1, Payload: recordPayload(t, 1)},
	}
	if ok := f.AcceptMutations(1, first); !ok {
		t.Fatal("first AcceptMutations() = false")
	}
	waitFor(t, func() bool { return f.LoggedSequenceNumber() == 1 })

	// Re-send overlapping batch starting at 1 (already accepted) plus a
	// genuinely new record at 2; only the new one should be kept.
	replay := []automaton.Record{
		{Version: automaton.Version{SegmentID: 1, RecordID: 0}, RandomSeed: 1, Payload: recordPayload(t, 1)},
		{Version: automaton.Version{SegmentID: 1, RecordID: 1}, PrevRandomSeed: 1, RandomSeed: 2, Payload: recordPayload(t, 2)},
	}
	if ok := f.AcceptMutations(1, replay); !ok {
		t.Fatal("replay AcceptMutations() = false")
	}
	waitFor(t, func() bool { return f.LoggedSequenceNumber() == 2 })
}

func TestFollowerAcceptMutationsRejectsGap(t *testing.T) {
	store := newTestChangelogStore(t)
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	f := NewFollowerCommitter(DefaultFollowerConfig(), store, aut, 1, 0)

	gapped := []automaton.Record{
		{Version: automaton.Version{SegmentID: 1, RecordID: 5}, RandomSeed: 9, Payload: recordPayload(t, 1)},
	}
	if ok := f.AcceptMutations(6, gapped); ok {
		t.Fatal("AcceptMutations() with a gap = true, want false")
	}
}

func TestFollowerExpectedSequenceNumber(t *testing.T) {
	store := newTestChangelogStore(t)
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	f := NewFollowerCommitter(DefaultFollowerConfig(), store, aut, 1, 7)

	if got := f.ExpectedSequenceNumber(); got != 8 {
		t.Fatalf("ExpectedSequenceNumber() = %d, want 8", got)
	}
}
