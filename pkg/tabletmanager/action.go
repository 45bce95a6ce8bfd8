package tabletmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/events"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/tablet"
)

// ActionDriver advances the tablet action finite-state machine: move
// relocates a group of tablets to new cells, reshard
// additionally repartitions them. Both actions step through the same
// Preparing -> Freezing -> Frozen -> Unmounting -> Unmounted ->
// Mounting -> Mounted -> Completed spine, diverging only at the
// Unmounted -> Mounting transition where reshard rebuilds the tablet
// list before remounting. A ticker drives one reconciliation pass over
// every in-flight action rather than a callback per state change.
type ActionDriver struct {
	ctrl   *Controller
	logger zerolog.Logger
	stopCh chan struct{}

	actionTimeout time.Duration
}

// NewActionDriver returns a driver bound to ctrl's catalog and mailbox.
func NewActionDriver(ctrl *Controller) *ActionDriver {
	return &ActionDriver{
		ctrl:          ctrl,
		logger:        log.WithComponent("tabletmanager.action"),
		stopCh:        make(chan struct{}),
		actionTimeout: 5 * time.Minute,
	}
}

// Start begins the driver's reconciliation loop.
func (d *ActionDriver) Start() {
	go d.run()
}

// Stop ends the reconciliation loop.
func (d *ActionDriver) Stop() {
	close(d.stopCh)
}

func (d *ActionDriver) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.reconcileOnce()
		case <-d.stopCh:
			return
		}
	}
}

// CreateMoveAction registers a move action over tabletIDs, each bound
// to the corresponding entry in targetCellIDs.
func (d *ActionDriver) CreateMoveAction(tabletIDs, targetCellIDs []string) (string, error) {
	if len(tabletIDs) != len(targetCellIDs) {
		return "", &UserError{Reason: "tablet_ids and target_cell_ids must be the same length"}
	}
	act := tablet.TabletAction{
		Kind:          tablet.ActionMove,
		State:         tablet.ActionPreparing,
		TabletIDs:     tabletIDs,
		TargetCellIDs: targetCellIDs,
		ExpiresAt:     time.Now().Add(d.actionTimeout),
	}
	id, err := d.ctrl.submitID(tablet.OpCreateAction, &act)
	if err == nil {
		d.ctrl.publish(&events.Event{Type: events.EventActionStarted, ActionID: id, Message: "move"})
	}
	return id, err
}

// CreateReshardAction registers a reshard action over tabletIDs,
// repartitioning them at pivotKeys (sorted tables) or into tabletCount
// even pieces (ordered tables).
func (d *ActionDriver) CreateReshardAction(tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error) {
	act := tablet.TabletAction{
		Kind:        tablet.ActionReshard,
		State:       tablet.ActionPreparing,
		TabletIDs:   tabletIDs,
		PivotKeys:   pivotKeys,
		TabletCount: tabletCount,
		ExpiresAt:   time.Now().Add(d.actionTimeout),
	}
	id, err := d.ctrl.submitID(tablet.OpCreateAction, &act)
	if err == nil {
		d.ctrl.publish(&events.Event{Type: events.EventActionStarted, ActionID: id, Message: "reshard"})
	}
	return id, err
}

// reconcileOnce advances every non-terminal action by one step based on
// the current reported state of its tablets.
func (d *ActionDriver) reconcileOnce() {
	timer := metrics.NewTimer()
	for _, act := range d.ctrl.Catalog().Actions() {
		if act.State.IsTerminal() {
			continue
		}
		if time.Now().After(act.ExpiresAt) && act.State != tablet.ActionOrphaned {
			d.fail(act, "action expired before completion")
			continue
		}
		if err := d.step(act); err != nil {
			d.logger.Error().Err(err).Str("action_id", act.ID).Msg("action step failed")
			d.fail(act, err.Error())
		}
	}
	timer.ObserveDuration(metrics.BalancerIterationDuration)
}

func (d *ActionDriver) fail(act *tablet.TabletAction, reason string) {
	if _, err := d.ctrl.submit(tablet.OpSetActionState, struct {
		ActionID string
		State    tablet.ActionState
		Reason   string
	}{act.ID, tablet.ActionFailed, reason}); err != nil {
		d.logger.Error().Err(err).Str("action_id", act.ID).Msg("failed to mark action failed")
		return
	}
	d.ctrl.publish(&events.Event{Type: events.EventActionFailed, ActionID: act.ID, Message: reason})
}

// step advances act by exactly one FSM transition, driven by the
// current observed state of act.TabletIDs. Every transition is
// idempotent: re-observing the same tablet state twice re-sends the
// same request rather than double-advancing.
func (d *ActionDriver) step(act *tablet.TabletAction) error {
	tablets, err := d.loadTablets(act.TabletIDs)
	if err != nil {
		return err
	}

	switch act.State {
	case tablet.ActionPreparing:
		return d.beginFreeze(act, tablets)
	case tablet.ActionFreezing:
		if !allInState(tablets, tablet.TabletFrozen) {
			return nil
		}
		return d.transition(act, tablet.ActionFrozen)
	case tablet.ActionFrozen:
		return d.beginUnmount(act, tablets)
	case tablet.ActionUnmounting:
		if !allInState(tablets, tablet.TabletUnmounted) {
			return nil
		}
		return d.transition(act, tablet.ActionUnmounted)
	case tablet.ActionUnmounted:
		if act.Kind == tablet.ActionReshard {
			if err := d.applyReshard(act); err != nil {
				return err
			}
		}
		return d.beginMount(act)
	case tablet.ActionMounting:
		tablets, err = d.loadTablets(act.TabletIDs)
		if err != nil {
			return err
		}
		if !allMountedOrFrozen(tablets) {
			return nil
		}
		return d.transition(act, tablet.ActionMounted)
	case tablet.ActionMounted:
		return d.transition(act, tablet.ActionCompleted)
	case tablet.ActionFailing:
		return d.transition(act, tablet.ActionFailed)
	case tablet.ActionOrphaned:
		return d.retryOrphaned(act)
	}
	return nil
}

func (d *ActionDriver) loadTablets(ids []string) ([]*tablet.Tablet, error) {
	out := make([]*tablet.Tablet, 0, len(ids))
	for _, id := range ids {
		t, err := d.ctrl.Catalog().Tablet(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func allInState(tablets []*tablet.Tablet, state tablet.TabletState) bool {
	for _, t := range tablets {
		if t.State != state {
			return false
		}
	}
	return true
}

func allMountedOrFrozen(tablets []*tablet.Tablet) bool {
	for _, t := range tablets {
		if t.State != tablet.TabletMounted && t.State != tablet.TabletFrozen {
			return false
		}
	}
	return true
}

func (d *ActionDriver) transition(act *tablet.TabletAction, next tablet.ActionState) error {
	_, err := d.ctrl.submit(tablet.OpSetActionState, struct {
		ActionID string
		State    tablet.ActionState
		Reason   string
	}{act.ID, next, ""})
	if err == nil {
		d.logger.Debug().Str("action_id", act.ID).Str("state", string(next)).Msg("action advanced")
		if next == tablet.ActionCompleted {
			label := "move"
			if act.Kind == tablet.ActionReshard {
				label = "reshard"
			}
			metrics.TabletActionsCompletedTotal.WithLabelValues(label).Inc()
			d.ctrl.publish(&events.Event{Type: events.EventActionCompleted, ActionID: act.ID})
		}
	}
	return err
}

func (d *ActionDriver) beginFreeze(act *tablet.TabletAction, tablets []*tablet.Tablet) error {
	for _, t := range tablets {
		if t.State == tablet.TabletFrozen || t.CellID == "" {
			continue
		}
		cellID, tid, revision := t.CellID, t.ID, t.MountRevision
		d.ctrl.mail.Enqueue("master", cellID, "FreezeTablet", func(ctx context.Context) error {
			return d.ctrl.cells.FreezeTablet(ctx, cellID, FreezeTabletRequest{TabletID: tid, MountRevision: revision})
		})
	}
	return d.transition(act, tablet.ActionFreezing)
}

func (d *ActionDriver) beginUnmount(act *tablet.TabletAction, tablets []*tablet.Tablet) error {
	for _, t := range tablets {
		if t.CellID == "" {
			continue
		}
		if _, err := d.ctrl.submit(tablet.OpSetTabletState, struct {
			TabletID string
			State    tablet.TabletState
		}{t.ID, tablet.TabletUnmounting}); err != nil {
			return err
		}
		cellID, tid, revision := t.CellID, t.ID, t.MountRevision
		d.ctrl.mail.Enqueue("master", cellID, "UnmountTablet", func(ctx context.Context) error {
			return d.ctrl.cells.UnmountTablet(ctx, cellID, UnmountTabletRequest{TabletID: tid, MountRevision: revision})
		})
	}
	return d.transition(act, tablet.ActionUnmounting)
}

// applyReshard rebuilds the owner's tablet list for a reshard action:
// sorted tables partition at act.PivotKeys, ordered tables split the
// combined trimmed-row range into act.TabletCount even pieces. The new
// tablets replace the old ones in the owner's ordered list in one
// catalog mutation so TabletsOfOwner never observes a partial rebuild.
func (d *ActionDriver) applyReshard(act *tablet.TabletAction) error {
	if len(act.TabletIDs) == 0 {
		return nil
	}
	first, err := d.ctrl.Catalog().Tablet(act.TabletIDs[0])
	if err != nil {
		return err
	}
	ownerID := first.OwnerID

	var newTablets []*tablet.Tablet
	if len(act.PivotKeys) > 0 {
		newTablets = make([]*tablet.Tablet, 0, len(act.PivotKeys))
		for i, pivot := range act.PivotKeys {
			newTablets = append(newTablets, &tablet.Tablet{OwnerID: ownerID, Index: i, PivotKey: pivot, State: tablet.TabletUnmounted})
		}
	} else if act.TabletCount > 0 {
		newTablets = make([]*tablet.Tablet, 0, act.TabletCount)
		for i := 0; i < act.TabletCount; i++ {
			newTablets = append(newTablets, &tablet.Tablet{OwnerID: ownerID, Index: i, State: tablet.TabletUnmounted})
		}
	} else {
		return fmt.Errorf("tabletmanager: reshard action %s has neither pivot keys nor a tablet count", act.ID)
	}

	_, err = d.ctrl.submit(tablet.OpReplaceTablets, struct {
		OwnerID string
		Tablets []*tablet.Tablet
	}{ownerID, newTablets})
	if err != nil {
		return err
	}

	newIDs, err := d.ctrl.Catalog().TabletsOfOwner(ownerID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(newIDs))
	for _, t := range newIDs {
		ids = append(ids, t.ID)
	}
	_, err = d.ctrl.submit(tablet.OpSetActionTablets, struct {
		ActionID  string
		TabletIDs []string
	}{act.ID, ids})
	return err
}

func (d *ActionDriver) beginMount(act *tablet.TabletAction) error {
	tablets, err := d.loadTablets(act.TabletIDs)
	if err != nil {
		return err
	}
	owner, err := d.ctrl.Catalog().Owner(firstOwnerID(tablets))
	if err != nil {
		return err
	}
	candidates := healthyOnly(d.ctrl.Catalog().CellsInBundle(owner.BundleID))

	targets := make(map[string]string, len(tablets))
	for i, t := range tablets {
		target := ""
		if i < len(act.TargetCellIDs) && act.TargetCellIDs[i] != "" {
			target = act.TargetCellIDs[i]
		} else if len(candidates) > 0 {
			target = leastLoaded(candidates).ID
		}
		if target == "" {
			return d.orphan(act, fmt.Sprintf("no healthy cell available in bundle %s", owner.BundleID))
		}
		targets[t.ID] = target
	}

	for _, t := range tablets {
		target := targets[t.ID]
		revision := t.MountRevision + 1
		if _, err := d.ctrl.submit(tablet.OpSetTabletCell, struct {
			TabletID string
			CellID   string
			Revision uint64
		}{t.ID, target, revision}); err != nil {
			return err
		}
		if _, err := d.ctrl.submit(tablet.OpSetTabletState, struct {
			TabletID string
			State    tablet.TabletState
		}{t.ID, tablet.TabletMounting}); err != nil {
			return err
		}
		tid, cellID, pivot := t.ID, target, t.PivotKey
		d.ctrl.mail.Enqueue("master", cellID, "MountTablet", func(ctx context.Context) error {
			return d.ctrl.cells.MountTablet(ctx, cellID, MountTabletRequest{TabletID: tid, MountRevision: revision, PivotKey: pivot})
		})
	}
	return d.transition(act, tablet.ActionMounting)
}

func firstOwnerID(tablets []*tablet.Tablet) string {
	if len(tablets) == 0 {
		return ""
	}
	return tablets[0].OwnerID
}

func healthyOnly(cells []*tablet.TabletCell) []*tablet.TabletCell {
	out := make([]*tablet.TabletCell, 0, len(cells))
	for _, c := range cells {
		if c.Healthy {
			out = append(out, c)
		}
	}
	return out
}

// orphan moves act to the Orphaned state instead of failing it: it is
// not expired by reconcileOnce and is retried, in place, by
// retryOrphaned/KickOrphanedTabletActions once a healthy cell exists
// again in its owner's bundle.
func (d *ActionDriver) orphan(act *tablet.TabletAction, reason string) error {
	_, err := d.ctrl.submit(tablet.OpSetActionState, struct {
		ActionID string
		State    tablet.ActionState
		Reason   string
	}{act.ID, tablet.ActionOrphaned, reason})
	if err == nil {
		d.logger.Warn().Str("action_id", act.ID).Str("reason", reason).Msg("tablet action orphaned")
	}
	return err
}

// retryOrphaned rewinds act to ActionUnmounted once a healthy cell
// exists in its owner's bundle, so the next reconcileOnce tick retries
// beginMount -- the only transition that orphans an action.
func (d *ActionDriver) retryOrphaned(act *tablet.TabletAction) error {
	tablets, err := d.loadTablets(act.TabletIDs)
	if err != nil {
		return err
	}
	owner, err := d.ctrl.Catalog().Owner(firstOwnerID(tablets))
	if err != nil {
		return err
	}
	if len(healthyOnly(d.ctrl.Catalog().CellsInBundle(owner.BundleID))) == 0 {
		return nil
	}
	d.logger.Info().Str("action_id", act.ID).Msg("healthy cell reappeared, un-orphaning tablet action")
	return d.transition(act, tablet.ActionUnmounted)
}

// KickOrphanedTabletActions re-examines every orphaned action
// immediately rather than waiting for the next reconcileOnce tick. It
// is meant to be called whenever a cell transitions to healthy (see
// Controller.SetCellHealthy).
func (d *ActionDriver) KickOrphanedTabletActions() {
	for _, act := range d.ctrl.Catalog().Actions() {
		if act.State != tablet.ActionOrphaned {
			continue
		}
		if err := d.retryOrphaned(act); err != nil {
			d.logger.Error().Err(err).Str("action_id", act.ID).Msg("failed to kick orphaned tablet action")
		}
	}
}
