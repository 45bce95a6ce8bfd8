package hydra

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/automaton"
	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/changelog"
	"github.com/zhigibig/hydra/pkg/events"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/snapshotstore"
)

// Cell ties together one Hydra peer's cell manager, changelog/snapshot
// stores, decorated automaton, elector, and transport, switching between
// a LeaderCommitter and a FollowerCommitter as epochs change. It
// implements PeerServer, answering RPCs dispatched by the transport.
type Cell struct {
	mu sync.RWMutex

	cells     *cellmgr.CellManager
	changelog *changelog.Store
	snapshots *snapshotstore.Store
	automaton *automaton.Decorated

	transport *TCPTransport
	elector   *Elector

	leaderCfg   LeaderConfig
	followerCfg FollowerConfig

	leader   *LeaderCommitter
	follower *FollowerCommitter

	events *events.Broker

	logger zerolog.Logger
}

// NewCell wires the stores and automaton for one peer. The caller must
// still call Start to construct the transport/elector and begin
// participating in the cell.
func NewCell(cells *cellmgr.CellManager, changes *changelog.Store, snaps *snapshotstore.Store, aut *automaton.Decorated) *Cell {
	return &Cell{
		cells:       cells,
		changelog:   changes,
		snapshots:   snaps,
		automaton:   aut,
		leaderCfg:   DefaultLeaderConfig(),
		followerCfg: DefaultFollowerConfig(),
		logger:      log.WithComponent("hydra.cell"),
	}
}

// SetEventBroker wires a broker this cell publishes leadership and
// invariant-violation events to. Left nil, publishing is skipped; the
// broker is optional so tests can construct a Cell without one.
func (c *Cell) SetEventBroker(b *events.Broker) {
	c.events = b
}

// Start opens the TCP transport/elector and installs the epoch-change
// callback that swaps between leader and follower roles.
func (c *Cell) Start(electorCfg ElectorConfig) error {
	c.transport = NewTCPTransport(c.cells, c)

	electorCfg.OnEpochChange = c.onEpochChange
	e, err := NewElector(c.cells, electorCfg)
	if err != nil {
		return fmt.Errorf("hydra: cell: start elector: %w", err)
	}
	c.elector = e
	return nil
}

// Serve runs the peer replication transport on listener, answering
// AcceptMutations/PingFollower/snapshot and changelog RPCs from other
// peers in this cell until listener is closed.
func (c *Cell) Serve(listener net.Listener) error {
	return c.transport.Serve(listener)
}

func (c *Cell) peerClientFor(id cellmgr.PeerID) PeerClient {
	p, err := c.cells.Peer(id)
	if err != nil {
		return nil
	}
	return c.transport.ClientFor(p.Address)
}

// onEpochChange is invoked by the elector on every leadership
// transition. It cancels whichever committer was active, runs recovery,
// and starts the appropriate new committer.
func (c *Cell) onEpochChange(epoch *EpochContext) {
	c.mu.Lock()
	wasLeader := c.leader != nil
	if c.leader != nil {
		c.leader.Stop()
		c.leader = nil
	}
	if c.follower != nil {
		c.follower.Stop()
		c.follower = nil
	}
	c.mu.Unlock()

	if wasLeader && !epoch.IsLeader {
		c.publish(&events.Event{
			Type:    events.EventCellLeaderLost,
			CellID:  string(c.cells.SelfID()),
			Message: fmt.Sprintf("lost leadership at epoch %d", epoch.EpochID),
		})
	}
	c.publish(&events.Event{
		Type:     events.EventCellEpochChanged,
		CellID:   string(c.cells.SelfID()),
		Metadata: map[string]string{"is_leader": fmt.Sprintf("%t", epoch.IsLeader)},
		Message:  fmt.Sprintf("epoch changed to %d", epoch.EpochID),
	})

	c.automaton.SetEpochContext(epoch.Context)

	if epoch.IsLeader {
		c.becomeLeader(epoch)
	} else {
		c.becomeFollower(epoch)
	}
}

// publish is a no-op when no broker has been wired via SetEventBroker.
func (c *Cell) publish(e *events.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

func (c *Cell) becomeLeader(epoch *EpochContext) {
	version := c.automaton.Version()
	leader := NewLeaderCommitter(
		c.leaderCfg,
		c.cells,
		c.changelog,
		c.snapshots,
		c.automaton,
		c.peerClientFor,
		epoch.EpochID,
		version.SegmentID,
		version.RecordID+1,
		c.automaton.SequenceNumber()+1,
		0,
	)
	leader.SetEventBroker(c.events)
	c.mu.Lock()
	c.leader = leader
	c.mu.Unlock()

	go leader.Run()
}

func (c *Cell) becomeFollower(epoch *EpochContext) {
	version := c.automaton.Version()
	leaderID, ok := c.elector.LeaderID()
	if ok && !c.cells.IsSelf(leaderID) {
		client := c.peerClientFor(leaderID)
		if client != nil {
			rec := NewRecovery(c.cells, c.changelog, c.snapshots, c.automaton, client, c.peerClientFor)
			if _, err := rec.Run(c.automaton.SequenceNumber()); err != nil {
				c.logger.Error().Err(err).Msg("recovery failed on epoch start")
			}
			version = c.automaton.Version()
		}
	}

	follower := NewFollowerCommitter(c.followerCfg, c.changelog, c.automaton, version.SegmentID, c.automaton.SequenceNumber())
	c.mu.Lock()
	c.follower = follower
	c.mu.Unlock()
}

// Submit routes a client mutation draft to the active leader committer,
// or resolves it with ErrUnavailable if this peer is not currently
// leader.
func (c *Cell) Submit(d *Draft) {
	c.mu.RLock()
	leader := c.leader
	c.mu.RUnlock()
	if leader == nil {
		d.Resolve(DraftResult{Err: ErrUnavailable})
		return
	}
	leader.Submit(d)
}

// --- PeerServer implementation ---

func (c *Cell) HandleAcceptMutations(req *AcceptMutationsRequest) (*AcceptMutationsResponse, error) {
	c.mu.RLock()
	follower := c.follower
	c.mu.RUnlock()
	if follower == nil {
		return nil, ErrUnavailable
	}

	follower.AcceptMutations(req.StartSequence, req.Records)
	follower.CommitMutations(req.CommittedSeq)

	var ack *SnapshotAck
	if req.Snapshot != nil {
		a, err := follower.MaybeBuildSnapshot(c.snapshots, req.Snapshot)
		if err != nil {
			c.logger.Error().Err(err).Uint64("snapshot_id", req.Snapshot.SnapshotID).Msg("follower snapshot build failed")
		} else {
			ack = a
		}
	}

	return &AcceptMutationsResponse{
		Term:                 req.Term,
		NextExpectedSequence: follower.ExpectedSequenceNumber(),
		LastLoggedSequence:   follower.LoggedSequenceNumber(),
		SnapshotAck:          ack,
	}, nil
}

func (c *Cell) HandlePingFollower(req *PingFollowerRequest) (*PingFollowerResponse, error) {
	return &PingFollowerResponse{
		Term:           req.Term,
		SequenceNumber: c.automaton.SequenceNumber(),
		StateHash:      c.automaton.StateHash(),
	}, nil
}

func (c *Cell) HandleGetSnapshotInfo(req *GetSnapshotInfoRequest) (*GetSnapshotInfoResponse, error) {
	id, found, err := c.snapshots.LatestAtMost(req.Bound)
	if err != nil {
		return nil, err
	}
	if !found {
		return &GetSnapshotInfoResponse{Found: false}, nil
	}
	r, err := c.snapshots.Reader(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return &GetSnapshotInfoResponse{SnapshotID: id, Checksum: r.Header.Checksum, Found: true}, nil
}

func (c *Cell) HandleReadSnapshot(req *ReadSnapshotRequest) (*ReadSnapshotResponse, error) {
	r, err := c.snapshots.Reader(req.SnapshotID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if req.Offset > 0 {
		if _, err := discardN(r, req.Offset); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, req.MaxBytes)
	n, err := r.Read(buf)
	eof := err != nil

	return &ReadSnapshotResponse{
		Header: automaton.SnapshotParams{
			LastSegmentID:  r.Header.LastSegmentID,
			SequenceNumber: r.Header.SequenceNumber,
			RandomSeed:     r.Header.RandomSeed,
			StateHash:      r.Header.StateHash,
		},
		Data: buf[:n],
		EOF:  eof,
	}, nil
}

func (c *Cell) HandleGetChangeLogInfo(req *GetChangeLogInfoRequest) (*GetChangeLogInfoResponse, error) {
	count, err := c.changelog.RecordCount(req.SegmentID)
	if err == changelog.ErrNotFound {
		return &GetChangeLogInfoResponse{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	sealed, err := c.changelog.IsSealed(req.SegmentID)
	if err != nil {
		return nil, err
	}
	return &GetChangeLogInfoResponse{RecordCount: count, Sealed: sealed, Found: true}, nil
}

func (c *Cell) HandleReadChangeLog(req *ReadChangeLogRequest) (*ReadChangeLogResponse, error) {
	recs, err := c.changelog.Read(req.SegmentID, req.StartID, req.MaxRecords)
	if err != nil {
		return nil, err
	}
	out := make([]automaton.Record, 0, len(recs))
	for _, r := range recs {
		rec, _, err := decodeRecord(r.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return &ReadChangeLogResponse{Records: out}, nil
}

func (c *Cell) HandleForceRestart(req *ForceRestartRequest) (*ForceRestartResponse, error) {
	c.mu.RLock()
	follower := c.follower
	epoch := c.elector.CurrentEpoch()
	c.mu.RUnlock()
	if follower != nil && epoch != nil {
		c.logger.Warn().Msg("received ForceRestart, re-running recovery")
		c.becomeFollower(epoch)
	}
	return &ForceRestartResponse{}, nil
}

func discardN(r *snapshotstore.Reader, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for total < n {
		want := n - total
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		read, err := r.Read(buf[:want])
		total += int64(read)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
