package tabletmanager

// This file lists the idempotent message surface between the tablet
// manager and a cell leader. Every request carries
// (TabletID, MountRevision); a cell rejects a message whose revision is
// stale. Responses are also idempotent and safe to re-apply: the master
// only re-applies a state transition when the catalog's observed state
// justifies it.

// MountTabletRequest asks a cell to mount a tablet.
type MountTabletRequest struct {
	TabletID          string
	MountRevision     uint64
	Settings          map[string]string
	PivotKey          []byte
	NextPivotKey       []byte
	StoreIDs          []string
	ReplicaIDs        []string
	Freeze            bool
	UpstreamReplicaID string
	ReplicationProgress map[string]uint64
	DynamicStoreIDs   []string
}

// UnmountTabletRequest asks a cell to unmount a tablet.
type UnmountTabletRequest struct {
	TabletID      string
	MountRevision uint64
	Force         bool
}

// FreezeTabletRequest asks a cell to stop accepting new writes for a
// mounted tablet without unmounting it.
type FreezeTabletRequest struct {
	TabletID      string
	MountRevision uint64
}

// UnfreezeTabletRequest asks a cell to resume accepting writes.
type UnfreezeTabletRequest struct {
	TabletID        string
	MountRevision   uint64
	DynamicStoreIDs []string
}

// RemountTabletRequest asks a cell to refresh a mounted tablet's
// settings in place.
type RemountTabletRequest struct {
	TabletID      string
	MountRevision uint64
	Settings      map[string]string
}

// LockTabletRequest asks a cell to take a transactional lock ahead of a
// commit.
type LockTabletRequest struct {
	TabletID      string
	MountRevision uint64
	TransactionID string
	Timestamp     uint64
}

// UnlockTabletRequest releases a transactional lock, optionally
// installing new stores produced by the committed transaction.
type UnlockTabletRequest struct {
	TabletID        string
	MountRevision   uint64
	TransactionID   string
	CommitTimestamp uint64
	UpdateMode      string
	StoresToAdd     []string
}

// AddTableReplicaRequest registers a new replica on a mounted tablet.
type AddTableReplicaRequest struct {
	TabletID      string
	MountRevision uint64
	ReplicaID     string
}

// RemoveTableReplicaRequest removes a replica from a mounted tablet.
type RemoveTableReplicaRequest struct {
	TabletID      string
	MountRevision uint64
	ReplicaID     string
}

// AlterTableReplicaRequest changes a replica's enable/mode/atomicity.
type AlterTableReplicaRequest struct {
	TabletID           string
	MountRevision      uint64
	ReplicaID          string
	Enabled            *bool
	Mode               *string
	Atomicity          *string
	PreserveTimestamps *bool
}

// --- Responses from a cell ---

// TabletMountedNotification reports a completed mount.
type TabletMountedNotification struct {
	TabletID      string
	MountRevision uint64
	Frozen        bool
}

// TabletUnmountedNotification reports a completed unmount.
type TabletUnmountedNotification struct {
	TabletID      string
	MountRevision uint64
}

// TabletFrozenNotification reports a completed freeze.
type TabletFrozenNotification struct {
	TabletID      string
	MountRevision uint64
}

// TabletUnfrozenNotification reports a completed unfreeze.
type TabletUnfrozenNotification struct {
	TabletID      string
	MountRevision uint64
}

// TableReplicaEnabledNotification reports a replica transitioning to
// enabled.
type TableReplicaEnabledNotification struct {
	TabletID  string
	ReplicaID string
}

// TableReplicaDisabledNotification reports a replica transitioning to
// disabled.
type TableReplicaDisabledNotification struct {
	TabletID  string
	ReplicaID string
}

// UpdateTableReplicaStatisticsNotification carries a replica's latest
// committed replication row index.
type UpdateTableReplicaStatisticsNotification struct {
	TabletID                string
	ReplicaID               string
	CommittedReplicationRow int64
}

// TabletLockedNotification reports transactions holding a lock on a
// tablet.
type TabletLockedNotification struct {
	TabletID       string
	TransactionIDs []string
}

// UpdateTabletTrimmedRowCountNotification reports an ordered tablet's
// new trim point.
type UpdateTabletTrimmedRowCountNotification struct {
	TabletID        string
	TrimmedRowCount int64
}

// RegisterCellRequest announces a cell leader's lifecycle address to the
// master. A cell sends this once at startup and again on every
// leadership change, since only the current leader answers lifecycle
// RPCs; the master uses it to populate its CellDirectory and to mark
// the cell healthy.
type RegisterCellRequest struct {
	CellID  string
	Address string

	// MountConfigKeys lists the mount-config settings keys this cell's
	// build understands; the master folds them into the persisted
	// from-nodes union to surface extra-config drift after a rolling
	// upgrade.
	MountConfigKeys []string
}

// KnownMountConfigKeys is the mount-config settings surface this build
// recognizes: a master registers it as its local key set, a cell
// reports it in RegisterCell. The two only diverge across a version
// skew.
var KnownMountConfigKeys = []string{
	"in_memory_mode",
	"max_dynamic_store_row_count",
	"enable_dynamic_store_read",
	"replication_throttler",
	"retained_timestamp",
}

// AllocateDynamicStoreRequest/Response is a request/response roundtrip
// used by a cell to obtain on-the-fly dynamic store ids from the
// master.
type AllocateDynamicStoreRequest struct {
	TabletID string
}

// AllocateDynamicStoreResponse answers with a freshly minted store id.
type AllocateDynamicStoreResponse struct {
	StoreID string
}
