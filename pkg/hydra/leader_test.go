package hydra

import (
	"os"
	"testing"
	"time"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

// followerPeerClient adapts a local FollowerCommitter to the PeerClient
// interface, so the leader's own replication loop can be exercised
// without any real network transport.
type followerPeerClient struct {
	follower *FollowerCommitter
	snaps    *snapshotstore.Store
}

func (p *followerPeerClient) AcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error) {
	p.follower.AcceptMutations(req.StartSequence, req.Records)
	p.follower.CommitMutations(req.CommittedSeq)

	var ack *SnapshotAck
	if req.Snapshot != nil && p.snaps != nil {
		a, err := p.follower.MaybeBuildSnapshot(p.snaps, req.Snapshot)
		if err == nil {
			ack = a
		}
	}

	return &AcceptMutationsResponse{
		Term:                 req.Term,
		NextExpectedSequence: p.follower.ExpectedSequenceNumber(),
		LastLoggedSequence:   p.follower.LoggedSequenceNumber(),
		SnapshotAck:          ack,
	}, nil
}

func (p *followerPeerClient) PingFollower(*PingFollowerRequest) (*PingFollowerResponse, error) {
	return &PingFollowerResponse{}, nil
}
func (p *followerPeerClient) GetSnapshotInfo(*GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error) {
	return &GetSnapshotInfoResponse{}, nil
}
func (p *followerPeerClient) ReadSnapshot(*ReadSnapshotRequest) (*ReadSnapshotResponse, error) {
	return &ReadSnapshotResponse{}, nil
}
func (p *followerPeerClient) GetChangeLogInfo(*GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error) {
	return &GetChangeLogInfoResponse{}, nil
}
func (p *followerPeerClient) ReadChangeLog(*ReadChangeLogRequest) (*ReadChangeLogResponse, error) {
	return &ReadChangeLogResponse{}, nil
}
func (p *followerPeerClient) ForceRestart(*ForceRestartRequest) (*ForceRestartResponse, error) {
	return &ForceRestartResponse{}, nil
}

func newTestSnapshotStore(t *testing.T) *snapshotstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "hydra-leader-snaps-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	snaps, err := snapshotstore.Open(dir)
	if err != nil {
		t.Fatalf("snapshotstore.Open() error = %v", err)
	}
	return snaps
}

func newThreeVoterCell(t *testing.T) *cellmgr.CellManager {
	t.Helper()
	cells, err := cellmgr.New(cellmgr.Config{
		SelfID: "p0",
		Peers: []cellmgr.Peer{
			{ID: "p0", Address: "p0:1", Voting: true},
			{ID: "p1", Address: "p1:1", Voting: true},
			{ID: "p2", Address: "p2:1", Voting: true},
		},
	})
	if err != nil {
		t.Fatalf("cellmgr.New() error = %v", err)
	}
	return cells
}

func newTestFollowerWithStore(t *testing.T) *FollowerCommitter {
	t.Helper()
	dir, err := os.MkdirTemp("", "hydra-leader-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := changelog.Open(dir)
	if err != nil {
		t.Fatalf("changelog.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	return NewFollowerCommitter(DefaultFollowerConfig(), store, aut, 1, 0)
}

func TestLeaderCommitsAtQuorumAndAppliesMutations(t *testing.T) {
	cells := newThreeVoterCell(t)

	leaderStore := newTestChangelogStore(t)
	if err := leaderStore.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	leaderAut := automaton.New(&sumAutomaton{})

	f1 := newTestFollowerWithStore(t)
	f2 := newTestFollowerWithStore(t)

	clients := map[cellmgr.PeerID]PeerClient{
		"p1": &followerPeerClient{follower: f1},
		"p2": &followerPeerClient{follower: f2},
	}

	cfg := DefaultLeaderConfig()
	cfg.MaxCommitBatchDelay = 5 * time.Millisecond
	leader := NewLeaderCommitter(cfg, cells, leaderStore, newTestSnapshotStore(t), leaderAut, func(id cellmgr.PeerID) PeerClient {
		return clients[id]
	}, 1, 1, 0, 1, 0)

	go leader.Run()
	defer leader.Stop()

	draft := &Draft{Payload: recordPayload(t, 7), Promise: make(chan DraftResult, 1)}
	leader.Submit(draft)

	select {
	case res := <-draft.Promise:
		if res.Err != nil {
			t.Fatalf("draft result error = %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("draft promise not resolved before deadline")
	}

	waitFor(t, func() bool { return leaderAut.SequenceNumber() == 1 })
	waitFor(t, func() bool { return f1.LoggedSequenceNumber() == 1 })
	waitFor(t, func() bool { return f2.LoggedSequenceNumber() == 1 })
}

func TestLeaderDistributedSnapshotChecksumAgreement(t *testing.T) {
	cells := newThreeVoterCell(t)

	leaderStore := newTestChangelogStore(t)
	if err := leaderStore.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	leaderAut := automaton.New(&sumAutomaton{})
	leaderSnaps := newTestSnapshotStore(t)

	f1 := newTestFollowerWithStore(t)
	f2 := newTestFollowerWithStore(t)
	snaps1 := newTestSnapshotStore(t)
	snaps2 := newTestSnapshotStore(t)

	clients := map[cellmgr.PeerID]PeerClient{
		"p1": &followerPeerClient{follower: f1, snaps: snaps1},
		"p2": &followerPeerClient{follower: f2, snaps: snaps2},
	}

	cfg := DefaultLeaderConfig()
	cfg.MaxCommitBatchDelay = 5 * time.Millisecond
	leader := NewLeaderCommitter(cfg, cells, leaderStore, leaderSnaps, leaderAut, func(id cellmgr.PeerID) PeerClient {
		return clients[id]
	}, 1, 1, 0, 1, 0)

	go leader.Run()
	defer leader.Stop()

	draft := &Draft{Payload: recordPayload(t, 7), Promise: make(chan DraftResult, 1)}
	leader.Submit(draft)
	select {
	case res := <-draft.Promise:
		if res.Err != nil {
			t.Fatalf("draft result error = %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("draft promise not resolved before deadline")
	}

	waitFor(t, func() bool { return leaderAut.SequenceNumber() == 1 })
	waitFor(t, func() bool { return f1.LoggedSequenceNumber() == 1 })
	waitFor(t, func() bool { return f2.LoggedSequenceNumber() == 1 })

	if err := leader.TriggerSnapshot(); err != nil {
		t.Fatalf("TriggerSnapshot() error = %v", err)
	}

	waitFor(t, func() bool {
		leader.mu.Lock()
		defer leader.mu.Unlock()
		return leader.snapshot == nil
	})

	leaderReader, err := leaderSnaps.Reader(2)
	if err != nil {
		t.Fatalf("leader snapshot reader: %v", err)
	}
	defer leaderReader.Close()
	r1, err := snaps1.Reader(2)
	if err != nil {
		t.Fatalf("follower 1 snapshot reader: %v", err)
	}
	defer r1.Close()
	r2, err := snaps2.Reader(2)
	if err != nil {
		t.Fatalf("follower 2 snapshot reader: %v", err)
	}
	defer r2.Close()

	if leaderReader.Header.Checksum != r1.Header.Checksum || leaderReader.Header.Checksum != r2.Header.Checksum {
		t.Fatalf("snapshot checksums disagree: leader=%d f1=%d f2=%d", leaderReader.Header.Checksum, r1.Header.Checksum, r2.Header.Checksum)
	}
	if leaderReader.Header.SequenceNumber != 1 {
		t.Fatalf("snapshot SequenceNumber = %d, want 1", leaderReader.Header.SequenceNumber)
	}
}

func TestLeaderSubmitRejectsWhenReadOnly(t *testing.T) {
	cells := newThreeVoterCell(t)
	store := newTestChangelogStore(t)
	if err := store.Create(1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	aut := automaton.New(&sumAutomaton{})
	leader := NewLeaderCommitter(DefaultLeaderConfig(), cells, store, newTestSnapshotStore(t), aut, func(cellmgr.PeerID) PeerClient { return nil }, 1, 1, 0, 1, 0)
	leader.readOnly = true

	draft := &Draft{Payload: recordPayload(t, 1), Promise: make(chan DraftResult, 1)}
	leader.Submit(draft)

	select {
	case res := <-draft.Promise:
		if res.Err != ErrReadOnly {
			t.Fatalf("draft result error = %v, want ErrReadOnly", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("draft promise not resolved before deadline")
	}
}
