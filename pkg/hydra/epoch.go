package hydra

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/cellmgr"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
)

// noopFSM is the trivial raft.FSM installed on the election Raft
// instance. Hydra's own changelog/committer stack is the actual
// replicated log; raft here is only an external collaborator, used
// exclusively to pick a leader and mint epoch ids (the raft term).
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}          { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error)  { return noopSnapshot{}, nil }
func (noopFSM) Restore(io.ReadCloser) error           { return nil }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// EpochContext scopes one leader's term of execution for the control and
// automaton executors. It is cancelled on election change, leader lease
// loss, or a fatal LoggingFailed event; outstanding work observes
// ctx.Err() to refuse further progress.
type EpochContext struct {
	context.Context
	Cancel context.CancelFunc
	EpochID uint64
	IsLeader bool
}

// Elector runs leader election over a cell using hashicorp/raft as an
// external collaborator: its own log is unused, only
// LeaderCh()/State()/CurrentTerm() drive epoch transitions.
type Elector struct {
	mu   sync.RWMutex
	raft *raft.Raft

	cells  *cellmgr.CellManager
	logger zerolog.Logger

	onEpochChange func(*EpochContext)
	currentEpoch  *EpochContext
}

// ElectorConfig bundles the on-disk state raft needs for its own
// (trivial) log and stable store.
type ElectorConfig struct {
	DataDir      string
	BindAddr     string
	Transport    raft.Transport
	Bootstrap    bool
	OnEpochChange func(*EpochContext)
}

// NewElector constructs and starts a raft.Raft instance scoped to one
// cell (raftboltdb.NewBoltStore for log+stable store, raft.NewRaft over a
// trivial no-op FSM since Hydra's real log lives in pkg/changelog).
func NewElector(cells *cellmgr.CellManager, cfg ElectorConfig) (*Elector, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cells.SelfID())

	logStore, err := raftboltdb.NewBoltStore(cfg.DataDir + "/raft-log.db")
	if err != nil {
		return nil, fmt.Errorf("hydra: elector: open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(cfg.DataDir + "/raft-stable.db")
	if err != nil {
		return nil, fmt.Errorf("hydra: elector: open raft stable store: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, nil)
	if err != nil {
		return nil, fmt.Errorf("hydra: elector: open raft snapshot store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapStore, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("hydra: elector: start raft: %w", err)
	}

	if cfg.Bootstrap {
		servers := make([]raft.Server, 0, cells.PeerCount())
		for _, p := range cells.Peers() {
			suffrage := raft.Voter
			if !p.Voting {
				suffrage = raft.Nonvoter
			}
			servers = append(servers, raft.Server{
				ID:       raft.ServerID(p.ID),
				Address:  raft.ServerAddress(p.Address),
				Suffrage: suffrage,
			})
		}
		r.BootstrapCluster(raft.Configuration{Servers: servers})
	}

	e := &Elector{
		raft:          r,
		cells:         cells,
		logger:        log.WithComponent("hydra.elector"),
		onEpochChange: cfg.OnEpochChange,
	}
	go e.watchLeadership()
	return e, nil
}

func (e *Elector) watchLeadership() {
	for isLeader := range e.raft.LeaderCh() {
		e.mu.Lock()
		if e.currentEpoch != nil {
			e.currentEpoch.Cancel()
		}
		ctx, cancel := context.WithCancel(context.Background())
		epoch := &EpochContext{
			Context:  ctx,
			Cancel:   cancel,
			EpochID:  uint64(e.raft.CurrentTerm()),
			IsLeader: isLeader,
		}
		e.currentEpoch = epoch
		cb := e.onEpochChange
		e.mu.Unlock()

		metrics.IsLeader.Set(boolToFloat(isLeader))
		e.logger.Info().Bool("is_leader", isLeader).Uint64("epoch_id", epoch.EpochID).Msg("epoch transition")
		if cb != nil {
			cb(epoch)
		}
	}
}

// CurrentEpoch returns the most recently opened epoch context, or nil if
// none has opened yet.
func (e *Elector) CurrentEpoch() *EpochContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentEpoch
}

// LeaderID returns the cell peer id raft currently believes is leader.
func (e *Elector) LeaderID() (cellmgr.PeerID, bool) {
	_, id := e.raft.LeaderWithID()
	if id == "" {
		return "", false
	}
	return cellmgr.PeerID(id), true
}

// Shutdown stops the underlying raft instance, waiting up to timeout.
func (e *Elector) Shutdown(timeout time.Duration) error {
	f := e.raft.Shutdown()
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("hydra: elector: shutdown timed out after %s", timeout)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
