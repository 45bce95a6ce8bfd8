package tabletmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/events"
	"github.com/zhigibig/hydra/pkg/hydra"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/tablet"
)

// Controller is the tablet lifecycle manager. Its own
// catalog mutations are replicated through a dedicated master Hydra
// cell (master *hydra.Cell wrapping a tablet.CatalogAutomaton); its
// messages to tablet cells go out through a Mailbox for at-least-once,
// per-destination FIFO delivery. One component owns durable state
// transitions; a second, separate driver (see action.go) drives
// asynchronous convergence against it.
type Controller struct {
	master   *hydra.Cell
	automaton *tablet.CatalogAutomaton
	cells    CellClient
	dir      *CellDirectory
	mail     *Mailbox
	logger   zerolog.Logger

	submitTimeout time.Duration
	kickOrphaned  func()
	broker        *events.Broker
}

// NewController wires a controller around a running master cell, the
// catalog automaton it replicates, the RPC client used to reach tablet
// cells, and the directory a cell's RegisterCell announcement
// populates.
func NewController(master *hydra.Cell, aut *tablet.CatalogAutomaton, cells CellClient, dir *CellDirectory) *Controller {
	return &Controller{
		master:        master,
		automaton:     aut,
		cells:         cells,
		dir:           dir,
		mail:          NewMailbox(),
		logger:        log.WithComponent("tabletmanager.controller"),
		submitTimeout: 10 * time.Second,
	}
}

// Catalog exposes the read-only query surface used by the balancer and
// the operator CLI.
func (c *Controller) Catalog() *tablet.Catalog {
	return c.automaton.Catalog()
}

// SetEventBroker wires a broker this controller and its ActionDriver
// publish tablet/action lifecycle events to. A nil broker (the default)
// makes publish a no-op.
func (c *Controller) SetEventBroker(b *events.Broker) {
	c.broker = b
}

// publish is a no-op when no broker has been wired via SetEventBroker.
func (c *Controller) publish(e *events.Event) {
	if c.broker != nil {
		c.broker.Publish(e)
	}
}

// SetActionKicker wires the callback invoked after SetCellHealthy marks
// a cell healthy again. main.go sets this once its ActionDriver exists,
// since Controller is constructed first.
func (c *Controller) SetActionKicker(kick func()) {
	c.kickOrphaned = kick
}

// SetCellHealthy records a cell's liveness as observed by a health
// prober, replicated through the master cell like any other catalog
// mutation. A transition to healthy kicks any orphaned tablet action
// immediately rather than waiting for the next reconcile tick.
func (c *Controller) SetCellHealthy(cellID string, healthy bool) error {
	_, err := c.submit(tablet.OpSetCellHealthy, struct {
		CellID  string
		Healthy bool
	}{cellID, healthy})
	if err != nil {
		return err
	}
	if healthy && c.kickOrphaned != nil {
		c.kickOrphaned()
	}
	return nil
}

// Stop drains the outgoing mailbox.
func (c *Controller) Stop() {
	c.mail.Stop()
}

// submit replicates a catalog command through the master cell and
// blocks for its result, translating ErrUnavailable/timeout into
// ErrUnavailable for operator-facing callers.
func (c *Controller) submit(op tablet.Op, args interface{}) ([]byte, error) {
	payload, err := tablet.EncodeCommand(op, args)
	if err != nil {
		return nil, fmt.Errorf("tabletmanager: %w", err)
	}
	d := &hydra.Draft{Payload: payload, MutationType: string(op), Promise: make(chan hydra.DraftResult, 1)}
	c.master.Submit(d)
	select {
	case res := <-d.Promise:
		return res.Value, res.Err
	case <-time.After(c.submitTimeout):
		return nil, ErrUnavailable
	}
}

// submitID is submit plus decoding the generated entity id out of the
// committed mutation's effect bytes, for the creation ops.
func (c *Controller) submitID(op tablet.Op, args interface{}) (string, error) {
	val, err := c.submit(op, args)
	if err != nil {
		return "", err
	}
	eff, err := tablet.DecodeEffect(val)
	if err != nil {
		return "", err
	}
	return eff.ID, nil
}

// failInterferingActions marks Failing every in-flight action still
// claiming one of tablets. A user operation that touches an actioned
// tablet invalidates the state the action is converging toward, so the
// action must stop; ActionDriver's next pass moves Failing to Failed
// and releases the tablets.
func (c *Controller) failInterferingActions(tablets []*tablet.Tablet) {
	seen := make(map[string]bool)
	for _, t := range tablets {
		if t.ActionID == "" || seen[t.ActionID] {
			continue
		}
		seen[t.ActionID] = true
		act, err := c.automaton.Catalog().Action(t.ActionID)
		if err != nil || act.State.IsTerminal() || act.State == tablet.ActionFailing {
			continue
		}
		if _, err := c.submit(tablet.OpSetActionState, struct {
			ActionID string
			State    tablet.ActionState
			Reason   string
		}{t.ActionID, tablet.ActionFailing, "user request interfered"}); err != nil {
			c.logger.Error().Err(err).Str("action_id", t.ActionID).Msg("failed to mark interfered action failing")
			continue
		}
		c.logger.Warn().Str("action_id", t.ActionID).Str("tablet_id", t.ID).Msg("tablet action failing: user request interfered")
		c.publish(&events.Event{Type: events.EventActionFailed, ActionID: t.ActionID, Message: "user request interfered"})
	}
}

// --- Operator requests: two-phase prepare/execute ---

// CreateBundle registers a new cell bundle and returns its generated id.
func (c *Controller) CreateBundle(name string, cfg tablet.BundleConfig) (string, error) {
	return c.submitID(tablet.OpCreateBundle, struct {
		Name   string
		Config tablet.BundleConfig
	}{name, cfg})
}

// CreateCell registers a new cell in bundleID and returns its generated
// id. The cell id itself is not yet known to a running Hydra instance
// here; cmd/hydra-master wires the returned catalog id to the elector
// bootstrap separately.
func (c *Controller) CreateCell(bundleID string) (string, error) {
	return c.submitID(tablet.OpCreateCell, struct{ BundleID string }{bundleID})
}

// CreateTable registers a new table owner with no tablets and returns
// its generated id.
func (c *Controller) CreateTable(kind tablet.TableKind, bundleID string, replicated bool) (string, error) {
	return c.submitID(tablet.OpCreateOwner, struct {
		Kind       tablet.OwnerKind
		TableKind  tablet.TableKind
		BundleID   string
		Replicated bool
	}{tablet.OwnerTable, kind, bundleID, replicated})
}

// MountTable prepares and executes mounting every currently unmounted
// tablet of ownerID. Prepare validates the owner exists and computes a
// target cell per tablet (the mount-assignment heuristic); execute
// commits the assignment to the catalog and dispatches MountTablet
// messages. Splitting the two steps lets a caller re-run Prepare after
// a cell topology change without double-sending messages, matching the
// "prepare produces a plan, execute commits it" discipline for
// multi-tablet operator requests.
func (c *Controller) MountTable(ctx context.Context, ownerID string, hintCellID string, freeze bool) error {
	if tablets, err := c.automaton.Catalog().TabletsOfOwner(ownerID); err == nil {
		c.failInterferingActions(tablets)
	}
	plan, err := c.prepareMount(ownerID, hintCellID)
	if err != nil {
		return err
	}
	if plan == nil {
		// No healthy cell existed in the bundle; prepareMount orphaned a
		// tablet action instead, to be retried once one appears.
		return nil
	}
	plan.freeze = freeze
	return c.executeMount(ctx, plan)
}

type mountPlan struct {
	ownerID string
	assign  map[string]string // tablet id -> cell id
	freeze  bool              // mount directly into Frozen
}

// prepareMount computes a bijection of unmounted tablets to healthy
// cells in the owner's bundle: hintCellID if given and healthy,
// otherwise each tablet goes to the bundle's healthy cell with the
// fewest tablets counted so far (leastLoaded); tablet sizes are not
// considered.
// When no healthy cell exists in the bundle at all, the unmounted
// tablets are bound to a new orphaned tablet action instead of failing
// the request outright; prepareMount returns a nil plan in that case,
// and ActionDriver.KickOrphanedTabletActions retries the mount once a
// cell becomes healthy.
func (c *Controller) prepareMount(ownerID, hintCellID string) (*mountPlan, error) {
	cat := c.automaton.Catalog()
	owner, err := cat.Owner(ownerID)
	if err != nil {
		return nil, &UserError{Reason: err.Error()}
	}
	tablets, err := cat.TabletsOfOwner(ownerID)
	if err != nil {
		return nil, &UserError{Reason: err.Error()}
	}

	var candidates []*tablet.TabletCell
	if hintCellID != "" {
		if cell, err := cat.Cell(hintCellID); err == nil && cell.Healthy {
			candidates = []*tablet.TabletCell{cell}
		}
	}
	if len(candidates) == 0 {
		for _, cell := range cat.CellsInBundle(owner.BundleID) {
			if cell.Healthy {
				candidates = append(candidates, cell)
			}
		}
	}

	if len(candidates) == 0 {
		var unmounted []string
		for _, t := range tablets {
			if t.State == tablet.TabletUnmounted {
				unmounted = append(unmounted, t.ID)
			}
		}
		if len(unmounted) == 0 {
			return &mountPlan{ownerID: ownerID, assign: map[string]string{}}, nil
		}
		if _, err := c.submitID(tablet.OpCreateAction, &tablet.TabletAction{
			Kind:      tablet.ActionMove,
			State:     tablet.ActionOrphaned,
			TabletIDs: unmounted,
			ExpiresAt: time.Now().Add(actionOrphanTimeout),
		}); err != nil {
			return nil, err
		}
		c.logger.Warn().Str("owner_id", ownerID).Str("bundle_id", owner.BundleID).Msg("no healthy cell available, mount orphaned")
		return nil, nil
	}

	assign := make(map[string]string)
	for _, t := range tablets {
		if t.State != tablet.TabletUnmounted {
			continue
		}
		target := leastLoaded(candidates)
		assign[t.ID] = target.ID
		target.TabletCountStat++
	}
	return &mountPlan{ownerID: ownerID, assign: assign}, nil
}

// actionOrphanTimeout bounds how long an orphaned tablet action is kept
// around awaiting a healthy cell before reconcileOnce would otherwise
// consider it stale; orphaned actions are exempt from expiry (see
// ActionDriver.reconcileOnce), so this only affects a freshly orphaned
// action's ExpiresAt bookkeeping field, not its actual lifetime.
const actionOrphanTimeout = 7 * 24 * time.Hour

// leastLoaded returns the candidate with the fewest tablets already
// counted against it in this planning pass, breaking ties by id for
// determinism across repeated calls with identical inputs.
func leastLoaded(cells []*tablet.TabletCell) *tablet.TabletCell {
	best := cells[0]
	for _, c := range cells[1:] {
		if c.TabletCountStat < best.TabletCountStat || (c.TabletCountStat == best.TabletCountStat && c.ID < best.ID) {
			best = c
		}
	}
	return best
}

// executeMount commits the mount assignment to the catalog and
// dispatches MountTablet messages through the mailbox. Catalog state
// transitions happen synchronously (invariant: tablet.cell != null iff
// state != Unmounted); the message to the cell is fire-and
// forget through the at-least-once mailbox, with the cell's eventual
// TabletMounted notification advancing the tablet the rest of the way.
func (c *Controller) executeMount(ctx context.Context, plan *mountPlan) error {
	for tabletID, cellID := range plan.assign {
		t, err := c.automaton.Catalog().Tablet(tabletID)
		if err != nil {
			continue
		}
		revision := t.MountRevision + 1
		if _, err := c.submit(tablet.OpSetTabletCell, struct {
			TabletID string
			CellID   string
			Revision uint64
		}{tabletID, cellID, revision}); err != nil {
			return err
		}
		next := tablet.TabletMounting
		if plan.freeze {
			next = tablet.TabletFrozenMounting
		}
		if _, err := c.submit(tablet.OpSetTabletState, struct {
			TabletID string
			State    tablet.TabletState
		}{tabletID, next}); err != nil {
			return err
		}
		c.dispatchMount(tabletID, cellID, revision, plan.freeze)
	}
	return nil
}

func (c *Controller) dispatchMount(tabletID, cellID string, revision uint64, freeze bool) {
	t, err := c.automaton.Catalog().Tablet(tabletID)
	if err != nil {
		return
	}
	req := MountTabletRequest{
		TabletID:      tabletID,
		MountRevision: revision,
		PivotKey:      t.PivotKey,
		Freeze:        freeze,
	}
	c.mail.Enqueue("master", cellID, "MountTablet", func(ctx context.Context) error {
		return c.cells.MountTablet(ctx, cellID, req)
	})
}

// UnmountTable unmounts every mounted tablet of ownerID.
func (c *Controller) UnmountTable(ctx context.Context, ownerID string, force bool) error {
	tablets, err := c.automaton.Catalog().TabletsOfOwner(ownerID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	c.failInterferingActions(tablets)
	for _, t := range tablets {
		if t.CellID == "" {
			continue
		}
		if _, err := c.submit(tablet.OpSetTabletState, struct {
			TabletID string
			State    tablet.TabletState
		}{t.ID, tablet.TabletUnmounting}); err != nil {
			return err
		}
		cellID, revision, tabletID := t.CellID, t.MountRevision, t.ID
		c.mail.Enqueue("master", cellID, "UnmountTablet", func(ctx context.Context) error {
			return c.cells.UnmountTablet(ctx, cellID, UnmountTabletRequest{TabletID: tabletID, MountRevision: revision, Force: force})
		})
	}
	return nil
}

// FreezeTable freezes every mounted tablet of ownerID.
func (c *Controller) FreezeTable(ctx context.Context, ownerID string) error {
	return c.forEachMountedTablet(ownerID, tablet.TabletFreezing, "FreezeTablet", func(t *tablet.Tablet) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			return c.cells.FreezeTablet(ctx, t.CellID, FreezeTabletRequest{TabletID: t.ID, MountRevision: t.MountRevision})
		}
	})
}

// UnfreezeTable unfreezes every frozen tablet of ownerID.
func (c *Controller) UnfreezeTable(ctx context.Context, ownerID string) error {
	return c.forEachMountedTablet(ownerID, tablet.TabletUnfreezing, "UnfreezeTablet", func(t *tablet.Tablet) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			return c.cells.UnfreezeTablet(ctx, t.CellID, UnfreezeTabletRequest{TabletID: t.ID, MountRevision: t.MountRevision})
		}
	})
}

func (c *Controller) forEachMountedTablet(ownerID string, next tablet.TabletState, label string, send func(*tablet.Tablet) func(context.Context) error) error {
	tablets, err := c.automaton.Catalog().TabletsOfOwner(ownerID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	c.failInterferingActions(tablets)
	for _, t := range tablets {
		if t.CellID == "" {
			continue
		}
		if _, err := c.submit(tablet.OpSetTabletState, struct {
			TabletID string
			State    tablet.TabletState
		}{t.ID, next}); err != nil {
			return err
		}
		cellID := t.CellID
		c.mail.Enqueue("master", cellID, label, send(t))
	}
	return nil
}

// RemountTable pushes refreshed settings to every tablet of ownerID
// that is currently hosted on a cell, in place: unlike the other
// lifecycle verbs there is no catalog state transition, only the
// idempotent RemountTablet message keyed by the tablet's current
// mount_revision.
func (c *Controller) RemountTable(ctx context.Context, ownerID string, settings map[string]string) error {
	tablets, err := c.automaton.Catalog().TabletsOfOwner(ownerID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	c.failInterferingActions(tablets)
	for _, t := range tablets {
		if t.CellID == "" {
			continue
		}
		cellID, tabletID, revision := t.CellID, t.ID, t.MountRevision
		c.mail.Enqueue("master", cellID, "RemountTablet", func(ctx context.Context) error {
			return c.cells.RemountTablet(ctx, cellID, RemountTabletRequest{TabletID: tabletID, MountRevision: revision, Settings: settings})
		})
	}
	return nil
}

// --- Replica CRUD ---

// CreateTableReplica registers a replica of a replicated table and
// dispatches AddTableReplica to every hosted tablet; the replica sits in
// Enabling until the cells' TableReplicaEnabled notifications converge
// it.
func (c *Controller) CreateTableReplica(ctx context.Context, ownerID, clusterName, replicaPath string, mode tablet.ReplicaMode, atomicity tablet.ReplicaAtomicity) (string, error) {
	owner, err := c.automaton.Catalog().Owner(ownerID)
	if err != nil {
		return "", &UserError{Reason: err.Error()}
	}
	if !owner.Replicated {
		return "", &UserError{Reason: fmt.Sprintf("table %s is not replicated", ownerID)}
	}
	replicaID, err := c.submitID(tablet.OpCreateReplica, &tablet.TableReplica{
		OwnerID:     ownerID,
		ClusterName: clusterName,
		ReplicaPath: replicaPath,
		Mode:        mode,
		Atomicity:   atomicity,
		State:       tablet.ReplicaEnabling,
	})
	if err != nil {
		return "", err
	}
	c.forEachHostedTablet(ownerID, "AddTableReplica", func(t *tablet.Tablet) func(context.Context) error {
		req := AddTableReplicaRequest{TabletID: t.ID, MountRevision: t.MountRevision, ReplicaID: replicaID}
		cellID := t.CellID
		return func(ctx context.Context) error {
			return c.cells.AddTableReplica(ctx, cellID, req)
		}
	})
	return replicaID, nil
}

// RemoveTableReplica dispatches RemoveTableReplica to every hosted
// tablet of the replica's owner and deletes the replica from the
// catalog. A late TableReplicaDisabled notification for the removed
// replica is stale by then and discarded.
func (c *Controller) RemoveTableReplica(ctx context.Context, replicaID string) error {
	r, err := c.automaton.Catalog().Replica(replicaID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	c.forEachHostedTablet(r.OwnerID, "RemoveTableReplica", func(t *tablet.Tablet) func(context.Context) error {
		req := RemoveTableReplicaRequest{TabletID: t.ID, MountRevision: t.MountRevision, ReplicaID: replicaID}
		cellID := t.CellID
		return func(ctx context.Context) error {
			return c.cells.RemoveTableReplica(ctx, cellID, req)
		}
	})
	_, err = c.submit(tablet.OpRemoveReplica, struct{ ReplicaID string }{replicaID})
	return err
}

// AlterTableReplica changes a replica's mode/atomicity/preserve
// timestamps immediately in the catalog and, when enabled is set,
// starts the Enabling/Disabling transition that the cells' next
// enable/disable notification completes.
func (c *Controller) AlterTableReplica(ctx context.Context, replicaID string, enabled *bool, mode *tablet.ReplicaMode, atomicity *tablet.ReplicaAtomicity, preserveTimestamps *bool) error {
	r, err := c.automaton.Catalog().Replica(replicaID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	if mode != nil || atomicity != nil || preserveTimestamps != nil {
		if _, err := c.submit(tablet.OpAlterReplica, struct {
			ReplicaID          string
			Mode               *tablet.ReplicaMode
			Atomicity          *tablet.ReplicaAtomicity
			PreserveTimestamps *bool
		}{replicaID, mode, atomicity, preserveTimestamps}); err != nil {
			return err
		}
	}
	if enabled != nil {
		next := tablet.ReplicaDisabling
		if *enabled {
			next = tablet.ReplicaEnabling
		}
		if _, err := c.submit(tablet.OpSetReplicaState, struct {
			ReplicaID string
			State     tablet.ReplicaState
		}{replicaID, next}); err != nil {
			return err
		}
	}
	var modeStr, atomicityStr *string
	if mode != nil {
		s := string(*mode)
		modeStr = &s
	}
	if atomicity != nil {
		s := string(*atomicity)
		atomicityStr = &s
	}
	c.forEachHostedTablet(r.OwnerID, "AlterTableReplica", func(t *tablet.Tablet) func(context.Context) error {
		req := AlterTableReplicaRequest{
			TabletID:           t.ID,
			MountRevision:      t.MountRevision,
			ReplicaID:          replicaID,
			Enabled:            enabled,
			Mode:               modeStr,
			Atomicity:          atomicityStr,
			PreserveTimestamps: preserveTimestamps,
		}
		cellID := t.CellID
		return func(ctx context.Context) error {
			return c.cells.AlterTableReplica(ctx, cellID, req)
		}
	})
	return nil
}

// LockTablet asks the hosting cell to take a transactional lock on one
// tablet ahead of a commit; the cell's TabletLocked notification
// reports the resulting holder set.
func (c *Controller) LockTablet(ctx context.Context, tabletID, transactionID string, timestamp uint64) error {
	t, err := c.automaton.Catalog().Tablet(tabletID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	if t.CellID == "" {
		return &UserError{Reason: fmt.Sprintf("tablet %s is not mounted", tabletID)}
	}
	cellID := t.CellID
	req := LockTabletRequest{TabletID: tabletID, MountRevision: t.MountRevision, TransactionID: transactionID, Timestamp: timestamp}
	c.mail.Enqueue("master", cellID, "LockTablet", func(ctx context.Context) error {
		return c.cells.LockTablet(ctx, cellID, req)
	})
	return nil
}

// UnlockTablet releases a transactional lock, optionally installing the
// stores the committed transaction produced.
func (c *Controller) UnlockTablet(ctx context.Context, tabletID, transactionID string, commitTimestamp uint64, updateMode string, storesToAdd []string) error {
	t, err := c.automaton.Catalog().Tablet(tabletID)
	if err != nil {
		return &UserError{Reason: err.Error()}
	}
	if t.CellID == "" {
		return &UserError{Reason: fmt.Sprintf("tablet %s is not mounted", tabletID)}
	}
	cellID := t.CellID
	req := UnlockTabletRequest{
		TabletID:        tabletID,
		MountRevision:   t.MountRevision,
		TransactionID:   transactionID,
		CommitTimestamp: commitTimestamp,
		UpdateMode:      updateMode,
		StoresToAdd:     storesToAdd,
	}
	c.mail.Enqueue("master", cellID, "UnlockTablet", func(ctx context.Context) error {
		return c.cells.UnlockTablet(ctx, cellID, req)
	})
	return nil
}

// forEachHostedTablet enqueues one message per tablet of ownerID that is
// currently placed on a cell, without any catalog state transition --
// the replica verbs converge through replica state, not tablet state.
func (c *Controller) forEachHostedTablet(ownerID, label string, send func(*tablet.Tablet) func(context.Context) error) {
	tablets, err := c.automaton.Catalog().TabletsOfOwner(ownerID)
	if err != nil {
		return
	}
	for _, t := range tablets {
		if t.CellID == "" {
			continue
		}
		c.mail.Enqueue("master", t.CellID, label, send(t))
	}
}

// --- Notifications from cells: the converging side ---

// OnTabletMounted records a completed mount, discarding a stale
// mount_revision silently per the idempotency rule.
func (c *Controller) OnTabletMounted(n TabletMountedNotification) error {
	t, err := c.automaton.Catalog().Tablet(n.TabletID)
	if err != nil {
		return err
	}
	if t.MountRevision != n.MountRevision {
		c.logger.Debug().Str("tablet_id", n.TabletID).Msg("stale TabletMounted notification discarded")
		return nil
	}
	state := tablet.TabletMounted
	if n.Frozen {
		state = tablet.TabletFrozen
	}
	_, err = c.submit(tablet.OpSetTabletState, struct {
		TabletID string
		State    tablet.TabletState
	}{n.TabletID, state})
	if err == nil {
		c.publish(&events.Event{Type: events.EventTabletMounted, TabletID: n.TabletID, CellID: t.CellID})
	}
	metrics.TabletActionsCompletedTotal.WithLabelValues("mount").Inc()
	return err
}

// OnTabletUnmounted records a completed unmount.
func (c *Controller) OnTabletUnmounted(n TabletUnmountedNotification) error {
	t, err := c.automaton.Catalog().Tablet(n.TabletID)
	if err != nil {
		return err
	}
	if t.MountRevision != n.MountRevision {
		return nil
	}
	if _, err := c.submit(tablet.OpSetTabletCell, struct {
		TabletID string
		CellID   string
		Revision uint64
	}{n.TabletID, "", t.MountRevision}); err != nil {
		return err
	}
	_, err = c.submit(tablet.OpSetTabletState, struct {
		TabletID string
		State    tablet.TabletState
	}{n.TabletID, tablet.TabletUnmounted})
	if err == nil {
		c.publish(&events.Event{Type: events.EventTabletUnmounted, TabletID: n.TabletID})
	}
	metrics.TabletActionsCompletedTotal.WithLabelValues("unmount").Inc()
	return err
}

// OnTabletFrozen records a completed freeze.
func (c *Controller) OnTabletFrozen(n TabletFrozenNotification) error {
	_, err := c.submit(tablet.OpSetTabletState, struct {
		TabletID string
		State    tablet.TabletState
	}{n.TabletID, tablet.TabletFrozen})
	if err == nil {
		c.publish(&events.Event{Type: events.EventTabletFrozen, TabletID: n.TabletID})
	}
	return err
}

// OnTabletUnfrozen records a completed unfreeze.
func (c *Controller) OnTabletUnfrozen(n TabletUnfrozenNotification) error {
	_, err := c.submit(tablet.OpSetTabletState, struct {
		TabletID string
		State    tablet.TabletState
	}{n.TabletID, tablet.TabletMounted})
	if err == nil {
		c.publish(&events.Event{Type: events.EventTabletUnfrozen, TabletID: n.TabletID})
	}
	return err
}

// OnTableReplicaEnabled records a replica's transition to enabled. A
// notification for a replica the catalog no longer knows (removed while
// the message was in flight) is stale and discarded.
func (c *Controller) OnTableReplicaEnabled(n TableReplicaEnabledNotification) error {
	return c.setReplicaState(n.ReplicaID, tablet.ReplicaEnabled)
}

// OnTableReplicaDisabled records a replica's transition to disabled.
func (c *Controller) OnTableReplicaDisabled(n TableReplicaDisabledNotification) error {
	return c.setReplicaState(n.ReplicaID, tablet.ReplicaDisabled)
}

// setReplicaState replicates a replica lifecycle transition through the
// master cell; unlike replica statistics this is catalog state, not
// telemetry, so it takes the same consensus path as tablet state.
func (c *Controller) setReplicaState(replicaID string, state tablet.ReplicaState) error {
	if _, err := c.automaton.Catalog().Replica(replicaID); err != nil {
		c.logger.Debug().Str("replica_id", replicaID).Msg("notification for unknown replica discarded")
		return nil
	}
	_, err := c.submit(tablet.OpSetReplicaState, struct {
		ReplicaID string
		State     tablet.ReplicaState
	}{replicaID, state})
	return err
}

// OnUpdateTableReplicaStatistics folds in-memory the replica's latest
// committed replication row index. Unlike the catalog-state
// notifications above, this is high-frequency telemetry, not a
// lifecycle transition, so it bypasses replication through the master
// cell entirely and just updates the local copy directly, the same way
// a heartbeat updates node liveness without going through consensus.
func (c *Controller) OnUpdateTableReplicaStatistics(n UpdateTableReplicaStatisticsNotification) error {
	return c.automaton.Catalog().UpdateReplicaStatistics(n.TabletID, n.ReplicaID, n.CommittedReplicationRow)
}

// OnUpdateTabletTrimmedRowCount folds an ordered tablet's reported trim
// point, the same direct-update path as replica statistics.
func (c *Controller) OnUpdateTabletTrimmedRowCount(n UpdateTabletTrimmedRowCountNotification) error {
	return c.automaton.Catalog().UpdateTrimmedRowCount(n.TabletID, n.TrimmedRowCount)
}

// OnTabletLocked records the set of transactions currently holding a
// lock on a tablet, informational only: nothing downstream blocks on
// it yet, so it is just logged at debug level.
func (c *Controller) OnTabletLocked(n TabletLockedNotification) error {
	c.logger.Debug().Str("tablet_id", n.TabletID).Strs("transaction_ids", n.TransactionIDs).Msg("tablet locked")
	return nil
}

// OnRegisterCell records the address a cell leader is reachable at and
// marks it healthy, the same transition a health prober would make
// after a successful check. Sent by a cell on startup and again on
// every leadership change, since only the current leader serves
// lifecycle RPCs.
func (c *Controller) OnRegisterCell(req RegisterCellRequest) error {
	if c.dir != nil {
		c.dir.Set(req.CellID, req.Address)
	}
	if len(req.MountConfigKeys) > 0 {
		if _, err := c.submit(tablet.OpAddMountConfigKeys, struct{ Keys []string }{req.MountConfigKeys}); err != nil {
			return err
		}
	}
	return c.SetCellHealthy(req.CellID, true)
}

// AllocateDynamicStore mints a fresh store id for a cell building a new
// dynamic store. This bypasses the master cell's replicated mutation
// path entirely: a store id is an opaque local handle a cell leader
// hands out, never a catalog entity read back through a snapshot, so
// there is no determinism requirement pinning it to the automaton's
// per-mutation random seed the way tablet/cell/action ids are.
func (c *Controller) AllocateDynamicStore(tabletID string) (string, error) {
	return uuid.New().String(), nil
}

var _ NotificationHandler = (*Controller)(nil)
