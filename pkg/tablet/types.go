// Package tablet implements the master-side tablet catalog: the entity
// map for tablet owners, tablets, tablet cells, bundles, table
// replicas, and tablet actions. Cross-references between entities are
// resolved by id against the catalog (an arena + stable id model)
// rather than by direct pointer, so the catalog itself can be the thing
// snapshotted and loaded by the decorated automaton.
package tablet

import "time"

// TabletState is the tablet lifecycle state machine.
type TabletState string

const (
	TabletUnmounted     TabletState = "unmounted"
	TabletMounting      TabletState = "mounting"
	TabletFrozenMounting TabletState = "frozen_mounting"
	TabletMounted       TabletState = "mounted"
	TabletFrozen        TabletState = "frozen"
	TabletFreezing      TabletState = "freezing"
	TabletUnfreezing    TabletState = "unfreezing"
	TabletUnmounting    TabletState = "unmounting"
)

// ActionState is the tablet action finite-state machine.
type ActionState string

const (
	ActionPreparing  ActionState = "preparing"
	ActionFreezing   ActionState = "freezing"
	ActionFrozen     ActionState = "frozen"
	ActionUnmounting ActionState = "unmounting"
	ActionUnmounted  ActionState = "unmounted"
	ActionMounting   ActionState = "mounting"
	ActionMounted    ActionState = "mounted"
	ActionCompleted  ActionState = "completed"
	ActionFailing    ActionState = "failing"
	ActionFailed     ActionState = "failed"
	ActionOrphaned   ActionState = "orphaned"
)

// ActionKind distinguishes the two multi-step transitions an action can
// coordinate.
type ActionKind string

const (
	ActionMove    ActionKind = "move"
	ActionReshard ActionKind = "reshard"
)

// ReplicaMode is a table replica's synchronization mode.
type ReplicaMode string

const (
	ReplicaModeSync  ReplicaMode = "sync"
	ReplicaModeAsync ReplicaMode = "async"
)

// ReplicaAtomicity is a table replica's write atomicity guarantee.
type ReplicaAtomicity string

const (
	AtomicityFull ReplicaAtomicity = "full"
	AtomicityNone ReplicaAtomicity = "none"
)

// ReplicaState mirrors the enable/disable lifecycle a replica goes
// through as reported by TableReplicaEnabled/Disabled notifications.
type ReplicaState string

const (
	ReplicaEnabled  ReplicaState = "enabled"
	ReplicaDisabled ReplicaState = "disabled"
	ReplicaEnabling ReplicaState = "enabling"
	ReplicaDisabling ReplicaState = "disabling"
)

// OwnerKind distinguishes the two kinds of tablet owner: tables and hunk storages.
type OwnerKind string

const (
	OwnerTable        OwnerKind = "table"
	OwnerHunkStorage  OwnerKind = "hunk_storage"
)

// TableKind distinguishes sorted (pivot-key-addressed) from ordered
// (trimmed-row-count-addressed) dynamic tables.
type TableKind string

const (
	TableSorted  TableKind = "sorted"
	TableOrdered TableKind = "ordered"
)

// TabletOwner is a table or hunk storage: it references an ordered
// sequence of tablets and a cell bundle.
type TabletOwner struct {
	ID         string
	Kind       OwnerKind
	TableKind  TableKind
	BundleID   string
	TabletIDs  []string // ordered; index in this slice is the tablet's Index
	Replicated bool
}

// PerReplicaTabletInfo is the per-tablet state a replicated table tracks
// for one of its replicas (committed replication row index, whether a
// mode/atomicity/enable transition is in flight).
type PerReplicaTabletInfo struct {
	ReplicaID                string
	CommittedReplicationRow  int64
	Transitioning            bool
}

// Tablet is one shard of a dynamic table.
type Tablet struct {
	ID       string
	OwnerID  string
	Index    int
	PivotKey []byte // sorted tables
	TrimmedRowCount int64 // ordered tables

	State         TabletState
	ExpectedState TabletState
	CellID        string // "" when unmounted
	MountRevision uint64
	ActionID      string // "" if not participating in an action

	RetainedTimestamp uint64
	PerReplica        []PerReplicaTabletInfo // replicated tables only

	UpdatedAt time.Time
}

// TabletCell is a consensus group (one Hydra instance) hosting a subset
// of tablets.
type TabletCell struct {
	ID           string
	BundleID     string
	HostedTablets map[string]bool // tablet id -> present; exactly {t : t.CellID == this}

	MemoryUsedBytes  int64
	TabletCountStat  int64
	Healthy          bool
}

// BundleConfig holds a cell bundle's tablet-balancer configuration and
// resource limits the tablet balancer reads.
type BundleConfig struct {
	EnableBalancer       bool
	MinTabletSize        int64
	MaxTabletSize        int64
	DesiredTabletSize    int64
	MinIterationInterval time.Duration
}

// TabletCellBundle groups cells sharing configuration and a balancer.
type TabletCellBundle struct {
	ID       string
	Name     string
	CellIDs  []string
	Config   BundleConfig

	ResourceLimitTablets int
	ResourceUsageTablets int
}

// TableReplica is one cluster-local replica of a replicated table.
type TableReplica struct {
	ID                      string
	OwnerID                 string
	ClusterName             string
	ReplicaPath             string
	Mode                    ReplicaMode
	Atomicity               ReplicaAtomicity
	State                   ReplicaState
	PreserveTimestamps      bool
}

// TabletAction is the persisted multi-step FSM coordinating move/reshard
// transitions over a tablet group.
type TabletAction struct {
	ID          string
	Kind        ActionKind
	State       ActionState
	TabletIDs   []string
	TargetCellIDs []string // Move: destination per tablet (parallel to TabletIDs) or shared
	PivotKeys   [][]byte  // Reshard, sorted tables; nil to auto-compute
	TabletCount int       // Reshard, ordered tables or when pivots are auto-computed

	ExpiresAt  time.Time
	FailReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether s is Completed or Failed.
func (s ActionState) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed
}
