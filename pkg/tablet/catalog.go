package tablet

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is the in-memory entity map for tablet owners, tablets,
// cells, bundles, replicas, and actions. All mutation methods run on the
// master's automaton thread (they are themselves replicated mutations),
// so Catalog itself does not need its own locking discipline beyond
// what's necessary for concurrent reads from the balancer/controller's
// query paths; a single RWMutex
// serves that purpose: one lock guarding a handful of in-memory maps.
type Catalog struct {
	mu sync.RWMutex

	owners  map[string]*TabletOwner
	tablets map[string]*Tablet
	cells   map[string]*TabletCell
	bundles map[string]*TabletCellBundle
	replicas map[string]*TableReplica
	actions map[string]*TabletAction

	// Mount-config key bookkeeping: the settings keys this master
	// recognizes, and the union of keys cells have reported
	// understanding. The difference between the two is the extra-config
	// drift an operator wants surfaced after a rolling upgrade.
	localMountConfigKeys     map[string]struct{}
	mountConfigKeysFromNodes map[string]struct{}
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		owners:   make(map[string]*TabletOwner),
		tablets:  make(map[string]*Tablet),
		cells:    make(map[string]*TabletCell),
		bundles:  make(map[string]*TabletCellBundle),
		replicas: make(map[string]*TableReplica),
		actions:  make(map[string]*TabletAction),

		localMountConfigKeys:     make(map[string]struct{}),
		mountConfigKeysFromNodes: make(map[string]struct{}),
	}
}

// RegisterLocalMountConfigKeys records the mount-config keys this
// master build recognizes. Called once at startup with a static list,
// so it is identical on every peer and needs no replication of its own.
func (c *Catalog) RegisterLocalMountConfigKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.localMountConfigKeys[k] = struct{}{}
	}
}

// AddMountConfigKeysFromNodes folds the mount-config keys a cell
// reported understanding into the persisted union.
func (c *Catalog) AddMountConfigKeysFromNodes(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.mountConfigKeysFromNodes[k] = struct{}{}
	}
}

// MountConfigDrift returns, sorted, the keys this master recognizes
// that no cell has reported understanding: the extra-config drift
// between masters and nodes.
func (c *Catalog) MountConfigDrift() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var drift []string
	for k := range c.localMountConfigKeys {
		if _, ok := c.mountConfigKeysFromNodes[k]; !ok {
			drift = append(drift, k)
		}
	}
	sort.Strings(drift)
	return drift
}

// ErrNotFound is returned by lookups against an unknown id.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tablet: %s %q not found", e.Kind, e.ID)
}

// --- Bundles ---

// CreateBundle registers a new, empty cell bundle.
func (c *Catalog) CreateBundle(id, name string, cfg BundleConfig) (*TabletCellBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.bundles[id]; exists {
		return nil, fmt.Errorf("tablet: bundle %q already exists", id)
	}
	b := &TabletCellBundle{ID: id, Name: name, Config: cfg}
	c.bundles[id] = b
	return b, nil
}

// Bundle looks up a bundle by id.
func (c *Catalog) Bundle(id string) (*TabletCellBundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "bundle", ID: id}
	}
	return b, nil
}

// Bundles returns a snapshot slice of all bundles.
func (c *Catalog) Bundles() []*TabletCellBundle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TabletCellBundle, 0, len(c.bundles))
	for _, b := range c.bundles {
		out = append(out, b)
	}
	return out
}

// --- Cells ---

// CreateCell registers a new, empty cell within bundleID.
func (c *Catalog) CreateCell(id, bundleID string) (*TabletCell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bundles[bundleID]
	if !ok {
		return nil, &ErrNotFound{Kind: "bundle", ID: bundleID}
	}
	cell := &TabletCell{ID: id, BundleID: bundleID, HostedTablets: make(map[string]bool), Healthy: true}
	c.cells[id] = cell
	b.CellIDs = append(b.CellIDs, id)
	return cell, nil
}

// Cell looks up a cell by id.
func (c *Catalog) Cell(id string) (*TabletCell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cell, ok := c.cells[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "cell", ID: id}
	}
	return cell, nil
}

// CellsInBundle returns every cell belonging to bundleID.
func (c *Catalog) CellsInBundle(bundleID string) []*TabletCell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*TabletCell
	for _, cell := range c.cells {
		if cell.BundleID == bundleID {
			out = append(out, cell)
		}
	}
	return out
}

// Cells returns every cell registered across every bundle, for callers
// (the cell health monitor) that need to enumerate the whole cluster
// rather than one bundle at a time.
func (c *Catalog) Cells() []*TabletCell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TabletCell, 0, len(c.cells))
	for _, cell := range c.cells {
		out = append(out, cell)
	}
	return out
}

// SetCellHealthy updates a cell's health flag, consulted by mount
// assignment and the balancer when picking eligible cells.
func (c *Catalog) SetCellHealthy(id string, healthy bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[id]
	if !ok {
		return &ErrNotFound{Kind: "cell", ID: id}
	}
	cell.Healthy = healthy
	return nil
}

// --- Owners ---

// CreateOwner registers a new owner (table or hunk storage) on bundleID
// with no tablets yet.
func (c *Catalog) CreateOwner(id string, kind OwnerKind, tableKind TableKind, bundleID string, replicated bool) (*TabletOwner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bundles[bundleID]; !ok {
		return nil, &ErrNotFound{Kind: "bundle", ID: bundleID}
	}
	o := &TabletOwner{ID: id, Kind: kind, TableKind: tableKind, BundleID: bundleID, Replicated: replicated}
	c.owners[id] = o
	return o, nil
}

// Owner looks up an owner by id.
func (c *Catalog) Owner(id string) (*TabletOwner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.owners[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "owner", ID: id}
	}
	return o, nil
}

// AppendTablet creates tablet t, appends it to owner's ordered tablet
// list at the next index, and records the ownership edge.
func (c *Catalog) AppendTablet(t *Tablet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owners[t.OwnerID]
	if !ok {
		return &ErrNotFound{Kind: "owner", ID: t.OwnerID}
	}
	t.Index = len(o.TabletIDs)
	c.tablets[t.ID] = t
	o.TabletIDs = append(o.TabletIDs, t.ID)
	return nil
}

// ReplaceOwnerTablets atomically swaps an owner's ordered tablet list
// (used by reshard to install a freshly rebuilt list), removes the
// previous tablets that are not in the new list, and reindexes every
// tablet's Index field to match its new position.
func (c *Catalog) ReplaceOwnerTablets(ownerID string, tablets []*Tablet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owners[ownerID]
	if !ok {
		return &ErrNotFound{Kind: "owner", ID: ownerID}
	}
	keep := make(map[string]bool, len(tablets))
	for _, t := range tablets {
		keep[t.ID] = true
	}
	for _, id := range o.TabletIDs {
		if keep[id] {
			continue
		}
		if old, ok := c.tablets[id]; ok && old.CellID != "" {
			if cell, ok := c.cells[old.CellID]; ok {
				delete(cell.HostedTablets, id)
			}
		}
		delete(c.tablets, id)
	}
	ids := make([]string, 0, len(tablets))
	for i, t := range tablets {
		t.Index = i
		t.OwnerID = ownerID
		c.tablets[t.ID] = t
		ids = append(ids, t.ID)
	}
	o.TabletIDs = ids
	return nil
}

// Tablet looks up a tablet by id.
func (c *Catalog) Tablet(id string) (*Tablet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tablets[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "tablet", ID: id}
	}
	return t, nil
}

// TabletsOfOwner returns an owner's tablets in index order.
func (c *Catalog) TabletsOfOwner(ownerID string) ([]*Tablet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.owners[ownerID]
	if !ok {
		return nil, &ErrNotFound{Kind: "owner", ID: ownerID}
	}
	out := make([]*Tablet, 0, len(o.TabletIDs))
	for _, id := range o.TabletIDs {
		out = append(out, c.tablets[id])
	}
	return out, nil
}

// SetTabletCell assigns tabletID to cellID (or clears it if cellID is
// ""), maintaining the invariant that a cell's HostedTablets equals
// {t : t.CellID == this}.
func (c *Catalog) SetTabletCell(tabletID, cellID string, revision uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	if t.CellID != "" {
		if old, ok := c.cells[t.CellID]; ok {
			delete(old.HostedTablets, tabletID)
		}
	}
	t.CellID = cellID
	t.MountRevision = revision
	if cellID != "" {
		cell, ok := c.cells[cellID]
		if !ok {
			return &ErrNotFound{Kind: "cell", ID: cellID}
		}
		cell.HostedTablets[tabletID] = true
	}
	return nil
}

// SetTabletState transitions a tablet's state, enforcing the invariant
// tablet.cell != null iff tablet.state != Unmounted.
func (c *Catalog) SetTabletState(tabletID string, state TabletState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	if state == TabletUnmounted && t.CellID != "" {
		return fmt.Errorf("tablet: %s cannot become Unmounted while still assigned to a cell", tabletID)
	}
	t.State = state
	return nil
}

// SetTabletAction sets or clears (actionID == "") the weak action
// reference on a tablet, enforcing "at most one action per tablet".
func (c *Catalog) SetTabletAction(tabletID, actionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	if actionID != "" && t.ActionID != "" && t.ActionID != actionID {
		return fmt.Errorf("tablet: %s already participates in action %s", tabletID, t.ActionID)
	}
	t.ActionID = actionID
	return nil
}

// DestroyTablet removes a tablet and drops it from its owner's tablet
// list, failing if it is still hosted by a cell or still referenced by
// an action.
func (c *Catalog) DestroyTablet(tabletID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	if t.CellID != "" {
		return fmt.Errorf("tablet: %s still hosted by cell %s", tabletID, t.CellID)
	}
	if t.ActionID != "" {
		return fmt.Errorf("tablet: %s still referenced by action %s", tabletID, t.ActionID)
	}
	if o, ok := c.owners[t.OwnerID]; ok {
		for i, id := range o.TabletIDs {
			if id == tabletID {
				o.TabletIDs = append(o.TabletIDs[:i], o.TabletIDs[i+1:]...)
				break
			}
		}
	}
	delete(c.tablets, tabletID)
	return nil
}

// UpdateReplicaStatistics folds a replica's latest committed
// replication row index into its owning tablet. Unlike the lifecycle
// transitions above this is high-frequency telemetry reported directly
// by a cell, not a replicated catalog mutation, so it takes the
// catalog's own lock rather than going through the automaton.
func (c *Catalog) UpdateReplicaStatistics(tabletID, replicaID string, committedReplicationRow int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	for i := range t.PerReplica {
		if t.PerReplica[i].ReplicaID == replicaID {
			t.PerReplica[i].CommittedReplicationRow = committedReplicationRow
			return nil
		}
	}
	t.PerReplica = append(t.PerReplica, PerReplicaTabletInfo{ReplicaID: replicaID, CommittedReplicationRow: committedReplicationRow})
	return nil
}

// UpdateTrimmedRowCount folds an ordered tablet's reported trim point,
// taking the catalog's own lock for the same reason as
// UpdateReplicaStatistics.
func (c *Catalog) UpdateTrimmedRowCount(tabletID string, trimmedRowCount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tablets[tabletID]
	if !ok {
		return &ErrNotFound{Kind: "tablet", ID: tabletID}
	}
	t.TrimmedRowCount = trimmedRowCount
	return nil
}

// SetReplicaState updates a replica's enable/disable lifecycle state,
// taking the catalog's own lock for the same reason as
// UpdateReplicaStatistics.
func (c *Catalog) SetReplicaState(replicaID string, state ReplicaState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replicas[replicaID]
	if !ok {
		return &ErrNotFound{Kind: "replica", ID: replicaID}
	}
	r.State = state
	return nil
}

// AlterReplica changes a replica's mode/atomicity/preserve-timestamps
// settings; nil fields are left as they are.
func (c *Catalog) AlterReplica(replicaID string, mode *ReplicaMode, atomicity *ReplicaAtomicity, preserveTimestamps *bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replicas[replicaID]
	if !ok {
		return &ErrNotFound{Kind: "replica", ID: replicaID}
	}
	if mode != nil {
		r.Mode = *mode
	}
	if atomicity != nil {
		r.Atomicity = *atomicity
	}
	if preserveTimestamps != nil {
		r.PreserveTimestamps = *preserveTimestamps
	}
	return nil
}

// --- Replicas ---

// CreateReplica registers a new table replica.
func (c *Catalog) CreateReplica(r *TableReplica) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[r.OwnerID]; !ok {
		return &ErrNotFound{Kind: "owner", ID: r.OwnerID}
	}
	c.replicas[r.ID] = r
	return nil
}

// Replica looks up a table replica by id.
func (c *Catalog) Replica(id string) (*TableReplica, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.replicas[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "replica", ID: id}
	}
	return r, nil
}

// RemoveReplica deletes a table replica by id.
func (c *Catalog) RemoveReplica(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.replicas[id]; !ok {
		return &ErrNotFound{Kind: "replica", ID: id}
	}
	delete(c.replicas, id)
	return nil
}

// --- Actions ---

// CreateAction registers a new tablet action and sets the weak
// back-reference on every tablet it touches.
func (c *Catalog) CreateAction(a *TabletAction) error {
	c.mu.Lock()
	for _, tid := range a.TabletIDs {
		t, ok := c.tablets[tid]
		if !ok {
			c.mu.Unlock()
			return &ErrNotFound{Kind: "tablet", ID: tid}
		}
		if t.ActionID != "" {
			c.mu.Unlock()
			return fmt.Errorf("tablet: %s already participates in action %s", tid, t.ActionID)
		}
	}
	for _, tid := range a.TabletIDs {
		c.tablets[tid].ActionID = a.ID
	}
	c.actions[a.ID] = a
	c.mu.Unlock()
	return nil
}

// Action looks up a tablet action by id.
func (c *Catalog) Action(id string) (*TabletAction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actions[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "action", ID: id}
	}
	return a, nil
}

// Actions returns a snapshot slice of all tablet actions.
func (c *Catalog) Actions() []*TabletAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TabletAction, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	return out
}

// SetActionState transitions an action's state. When the new state is
// terminal, every tablet's weak action reference is cleared.
func (c *Catalog) SetActionState(id string, state ActionState, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	if !ok {
		return &ErrNotFound{Kind: "action", ID: id}
	}
	a.State = state
	if reason != "" {
		a.FailReason = reason
	}
	if state.IsTerminal() {
		for _, tid := range a.TabletIDs {
			if t, ok := c.tablets[tid]; ok && t.ActionID == id {
				t.ActionID = ""
			}
		}
	}
	return nil
}

// SetActionTablets replaces the set of tablets a reshard action
// tracks, used once the reshard has rebuilt the owner's tablet list
// with a fresh set of ids. Every new tablet gets its weak action
// reference set to actionID so the rest of the FSM can keep querying
// "this action's tablets" uniformly.
func (c *Catalog) SetActionTablets(actionID string, tabletIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[actionID]
	if !ok {
		return &ErrNotFound{Kind: "action", ID: actionID}
	}
	for _, tid := range tabletIDs {
		t, ok := c.tablets[tid]
		if !ok {
			return &ErrNotFound{Kind: "tablet", ID: tid}
		}
		t.ActionID = actionID
	}
	a.TabletIDs = tabletIDs
	return nil
}

// DestroyAction removes a terminal action from the catalog.
func (c *Catalog) DestroyAction(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[id]
	if !ok {
		return &ErrNotFound{Kind: "action", ID: id}
	}
	if !a.State.IsTerminal() {
		return fmt.Errorf("tablet: action %s is not terminal (state=%s)", id, a.State)
	}
	delete(c.actions, id)
	return nil
}
