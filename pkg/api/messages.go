package api

import "github.com/zhigibig/hydra/pkg/tablet"

// CreateBundleRequest/Response register a cell bundle.
type CreateBundleRequest struct {
	Name   string
	Config tablet.BundleConfig
}

type CreateBundleResponse struct {
	BundleID string
}

// CreateCellRequest/Response register a tablet cell within a bundle.
type CreateCellRequest struct {
	BundleID string
}

type CreateCellResponse struct {
	CellID string
}

// CreateTableRequest/Response register a new table owner.
type CreateTableRequest struct {
	Kind       tablet.TableKind
	BundleID   string
	Replicated bool
}

type CreateTableResponse struct {
	OwnerID string
}

// MountTableRequest/Response mounts every unmounted tablet of a table,
// directly into Frozen when Freeze is set.
type MountTableRequest struct {
	OwnerID    string
	HintCellID string
	Freeze     bool
}

type MountTableResponse struct{}

// UnmountTableRequest/Response unmounts every mounted tablet of a table.
type UnmountTableRequest struct {
	OwnerID string
	Force   bool
}

type UnmountTableResponse struct{}

// FreezeTableRequest/Response freezes every mounted tablet of a table.
type FreezeTableRequest struct {
	OwnerID string
}

type FreezeTableResponse struct{}

// UnfreezeTableRequest/Response unfreezes every frozen tablet of a table.
type UnfreezeTableRequest struct {
	OwnerID string
}

type UnfreezeTableResponse struct{}

// RemountTableRequest/Response push refreshed settings to every hosted
// tablet of a table without a remount cycle.
type RemountTableRequest struct {
	OwnerID  string
	Settings map[string]string
}

type RemountTableResponse struct{}

// CreateReplicaRequest/Response register a replica of a replicated
// table.
type CreateReplicaRequest struct {
	OwnerID     string
	ClusterName string
	ReplicaPath string
	Mode        tablet.ReplicaMode
	Atomicity   tablet.ReplicaAtomicity
}

type CreateReplicaResponse struct {
	ReplicaID string
}

// RemoveReplicaRequest/Response delete a table replica.
type RemoveReplicaRequest struct {
	ReplicaID string
}

type RemoveReplicaResponse struct{}

// AlterReplicaRequest/Response change a replica's enable state, mode,
// atomicity, or timestamp preservation; nil fields are left unchanged.
type AlterReplicaRequest struct {
	ReplicaID          string
	Enabled            *bool
	Mode               *tablet.ReplicaMode
	Atomicity          *tablet.ReplicaAtomicity
	PreserveTimestamps *bool
}

type AlterReplicaResponse struct{}

// ReshardTableRequest asks the balancer's action driver to split/merge a
// set of tablets, either by explicit pivot keys (sorted tables) or a
// target tablet count (ordered tables).
type ReshardTableRequest struct {
	TabletIDs   []string
	PivotKeys   [][]byte
	TabletCount int
}

type ReshardTableResponse struct {
	ActionID string
}

// MoveTableRequest asks the action driver to move a set of tablets onto
// explicit target cells.
type MoveTableRequest struct {
	TabletIDs     []string
	TargetCellIDs []string
}

type MoveTableResponse struct {
	ActionID string
}
