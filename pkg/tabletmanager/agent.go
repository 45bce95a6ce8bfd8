package tabletmanager

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/log"
)

// localTabletState is what a cell leader tracks in memory for one
// tablet it hosts: enough to answer the idempotent lifecycle messages
// and to know what to report back to the master. Building and serving
// the actual dynamic table storage underneath a tablet is out of scope
// here; the agent models exactly the state transitions the master
// cares about.
type localTabletState struct {
	mountRevision uint64
	frozen        bool
	replicas      map[string]bool
	locks         map[string]uint64 // transaction id -> lock timestamp
}

// CellAgent is the cell-side counterpart of Controller: it answers
// MountTablet/UnmountTablet/... requests idempotently by mount_revision
// and reports completions back to the master through a MasterClient,
// the cell process's half of the wire protocol this package defines.
// It plays the same role on a cell that Controller plays on the
// master: answering dispatches and reporting status back over its own
// heartbeat.
type CellAgent struct {
	mu      sync.Mutex
	tablets map[string]*localTabletState

	master *MasterClient
	logger zerolog.Logger
}

// NewCellAgent wires an agent reporting completions to master.
func NewCellAgent(master *MasterClient) *CellAgent {
	return &CellAgent{
		tablets: make(map[string]*localTabletState),
		master:  master,
		logger:  log.WithComponent("tabletmanager.agent"),
	}
}

func (a *CellAgent) stateFor(tabletID string) *localTabletState {
	st, ok := a.tablets[tabletID]
	if !ok {
		st = &localTabletState{replicas: make(map[string]bool), locks: make(map[string]uint64)}
		a.tablets[tabletID] = st
	}
	return st
}

// HandleMountTablet records the tablet as mounted at req.MountRevision
// and reports completion. A request bearing a mount_revision the agent
// has already applied is acknowledged without reapplying it, the
// idempotency rule this surface requires throughout.
func (a *CellAgent) HandleMountTablet(req MountTabletRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	if st.mountRevision == req.MountRevision {
		a.mu.Unlock()
		return nil
	}
	st.mountRevision = req.MountRevision
	st.frozen = req.Freeze
	a.mu.Unlock()

	return a.master.ReportTabletMounted(TabletMountedNotification{
		TabletID:      req.TabletID,
		MountRevision: req.MountRevision,
		Frozen:        req.Freeze,
	})
}

// HandleUnmountTablet clears the tablet's local state and reports
// completion.
func (a *CellAgent) HandleUnmountTablet(req UnmountTabletRequest) error {
	a.mu.Lock()
	delete(a.tablets, req.TabletID)
	a.mu.Unlock()

	return a.master.ReportTabletUnmounted(TabletUnmountedNotification{
		TabletID:      req.TabletID,
		MountRevision: req.MountRevision,
	})
}

// HandleFreezeTablet marks a mounted tablet frozen.
func (a *CellAgent) HandleFreezeTablet(req FreezeTabletRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	st.frozen = true
	a.mu.Unlock()

	return a.master.ReportTabletFrozen(TabletFrozenNotification{
		TabletID:      req.TabletID,
		MountRevision: req.MountRevision,
	})
}

// HandleUnfreezeTablet resumes write acceptance on a frozen tablet.
func (a *CellAgent) HandleUnfreezeTablet(req UnfreezeTabletRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	st.frozen = false
	a.mu.Unlock()

	return a.master.ReportTabletUnfrozen(TabletUnfrozenNotification{
		TabletID:      req.TabletID,
		MountRevision: req.MountRevision,
	})
}

// HandleRemountTablet refreshes a mounted tablet's settings in place;
// since settings are not tracked locally by the agent there is nothing
// to persist, only the acknowledgement matters.
func (a *CellAgent) HandleRemountTablet(req RemountTabletRequest) error {
	return nil
}

// HandleAddTableReplica registers a replica id on a mounted tablet and
// reports it enabled.
func (a *CellAgent) HandleAddTableReplica(req AddTableReplicaRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	st.replicas[req.ReplicaID] = true
	a.mu.Unlock()

	return a.master.ReportTableReplicaEnabled(TableReplicaEnabledNotification{
		TabletID:  req.TabletID,
		ReplicaID: req.ReplicaID,
	})
}

// HandleRemoveTableReplica drops a replica id and reports it disabled.
func (a *CellAgent) HandleRemoveTableReplica(req RemoveTableReplicaRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	delete(st.replicas, req.ReplicaID)
	a.mu.Unlock()

	return a.master.ReportTableReplicaDisabled(TableReplicaDisabledNotification{
		TabletID:  req.TabletID,
		ReplicaID: req.ReplicaID,
	})
}

// HandleAlterTableReplica applies an enable/mode/atomicity change and
// reports the replica's new enabled state when Enabled is set.
func (a *CellAgent) HandleAlterTableReplica(req AlterTableReplicaRequest) error {
	if req.Enabled == nil {
		return nil
	}
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	st.replicas[req.ReplicaID] = *req.Enabled
	a.mu.Unlock()

	if *req.Enabled {
		return a.master.ReportTableReplicaEnabled(TableReplicaEnabledNotification{TabletID: req.TabletID, ReplicaID: req.ReplicaID})
	}
	return a.master.ReportTableReplicaDisabled(TableReplicaDisabledNotification{TabletID: req.TabletID, ReplicaID: req.ReplicaID})
}

// HandleLockTablet records a transactional lock ahead of a commit and
// reports the full holder set; re-locking by the same transaction is a
// no-op beyond the report.
func (a *CellAgent) HandleLockTablet(req LockTabletRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	st.locks[req.TransactionID] = req.Timestamp
	holders := lockHolders(st)
	a.mu.Unlock()

	return a.master.ReportTabletLocked(TabletLockedNotification{
		TabletID:       req.TabletID,
		TransactionIDs: holders,
	})
}

// HandleUnlockTablet releases a transaction's lock and reports the
// remaining holder set; releasing an unheld lock is acknowledged
// without effect.
func (a *CellAgent) HandleUnlockTablet(req UnlockTabletRequest) error {
	a.mu.Lock()
	st := a.stateFor(req.TabletID)
	delete(st.locks, req.TransactionID)
	holders := lockHolders(st)
	a.mu.Unlock()

	return a.master.ReportTabletLocked(TabletLockedNotification{
		TabletID:       req.TabletID,
		TransactionIDs: holders,
	})
}

func lockHolders(st *localTabletState) []string {
	holders := make([]string, 0, len(st.locks))
	for txn := range st.locks {
		holders = append(holders, txn)
	}
	sort.Strings(holders)
	return holders
}

var _ CellServer = (*CellAgent)(nil)
