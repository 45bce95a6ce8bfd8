package tablet

import "testing"

func newTestCatalog(t *testing.T) (*Catalog, string, string) {
	t.Helper()
	c := NewCatalog()
	if _, err := c.CreateBundle("b1", "default", BundleConfig{}); err != nil {
		t.Fatalf("CreateBundle() error = %v", err)
	}
	if _, err := c.CreateCell("c1", "b1"); err != nil {
		t.Fatalf("CreateCell() error = %v", err)
	}
	if _, err := c.CreateOwner("t1", OwnerTable, TableSorted, "b1", false); err != nil {
		t.Fatalf("CreateOwner() error = %v", err)
	}
	return c, "b1", "c1"
}

func TestAppendTabletAssignsIndexAndOrder(t *testing.T) {
	c, _, _ := newTestCatalog(t)

	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := c.AppendTablet(&Tablet{ID: "x1", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	tablets, err := c.TabletsOfOwner("t1")
	if err != nil {
		t.Fatalf("TabletsOfOwner() error = %v", err)
	}
	if len(tablets) != 2 {
		t.Fatalf("len(tablets) = %d, want 2", len(tablets))
	}
	for i, tb := range tablets {
		if tb.Index != i {
			t.Errorf("tablets[%d].Index = %d, want %d", i, tb.Index, i)
		}
	}
}

func TestSetTabletCellMaintainsHostedTabletsInvariant(t *testing.T) {
	c, _, cellID := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	if err := c.SetTabletCell("x0", cellID, 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}
	cell, err := c.Cell(cellID)
	if err != nil {
		t.Fatalf("Cell() error = %v", err)
	}
	if !cell.HostedTablets["x0"] {
		t.Error("expected x0 in HostedTablets after assignment")
	}

	if err := c.SetTabletCell("x0", "", 0); err != nil {
		t.Fatalf("SetTabletCell(clear) error = %v", err)
	}
	if cell.HostedTablets["x0"] {
		t.Error("expected x0 removed from HostedTablets after clearing")
	}
}

func TestSetTabletStateRejectsUnmountWhileAssigned(t *testing.T) {
	c, _, cellID := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := c.SetTabletCell("x0", cellID, 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}

	if err := c.SetTabletState("x0", TabletUnmounted); err == nil {
		t.Fatal("expected error transitioning to Unmounted while still assigned to a cell")
	}

	if err := c.SetTabletCell("x0", "", 0); err != nil {
		t.Fatalf("SetTabletCell(clear) error = %v", err)
	}
	if err := c.SetTabletState("x0", TabletUnmounted); err != nil {
		t.Fatalf("SetTabletState() error = %v", err)
	}
}

func TestSetTabletActionAtMostOne(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	if err := c.SetTabletAction("x0", "a1"); err != nil {
		t.Fatalf("SetTabletAction() error = %v", err)
	}
	if err := c.SetTabletAction("x0", "a2"); err == nil {
		t.Fatal("expected error assigning a second action to an already-participating tablet")
	}
	if err := c.SetTabletAction("x0", ""); err != nil {
		t.Fatalf("SetTabletAction(clear) error = %v", err)
	}
	if err := c.SetTabletAction("x0", "a2"); err != nil {
		t.Fatalf("SetTabletAction() after clear error = %v", err)
	}
}

func TestDestroyTabletRequiresUnownedAndUnreferenced(t *testing.T) {
	c, _, cellID := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := c.SetTabletCell("x0", cellID, 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}

	if err := c.DestroyTablet("x0"); err == nil {
		t.Fatal("expected error destroying a tablet still hosted by a cell")
	}

	if err := c.SetTabletCell("x0", "", 0); err != nil {
		t.Fatalf("SetTabletCell(clear) error = %v", err)
	}
	if err := c.SetTabletAction("x0", "a1"); err != nil {
		t.Fatalf("SetTabletAction() error = %v", err)
	}
	if err := c.DestroyTablet("x0"); err == nil {
		t.Fatal("expected error destroying a tablet still referenced by a pending action")
	}

	if err := c.SetTabletAction("x0", ""); err != nil {
		t.Fatalf("SetTabletAction(clear) error = %v", err)
	}
	if err := c.DestroyTablet("x0"); err != nil {
		t.Fatalf("DestroyTablet() error = %v", err)
	}
	if _, err := c.Tablet("x0"); err == nil {
		t.Fatal("expected tablet to be gone after DestroyTablet")
	}
}

func TestCreateActionSetsWeakReferenceOnEveryTablet(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := c.AppendTablet(&Tablet{ID: "x1", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	a := &TabletAction{ID: "a1", Kind: ActionReshard, State: ActionPreparing, TabletIDs: []string{"x0", "x1"}}
	if err := c.CreateAction(a); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	for _, id := range []string{"x0", "x1"} {
		tb, err := c.Tablet(id)
		if err != nil {
			t.Fatalf("Tablet(%s) error = %v", id, err)
		}
		if tb.ActionID != "a1" {
			t.Errorf("tablet %s ActionID = %q, want a1", id, tb.ActionID)
		}
	}

	if err := c.CreateAction(&TabletAction{ID: "a2", TabletIDs: []string{"x0"}}); err == nil {
		t.Fatal("expected error creating a second action over an already-referenced tablet")
	}
}

func TestSetActionStateTerminalClearsWeakReferences(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	a := &TabletAction{ID: "a1", TabletIDs: []string{"x0"}, State: ActionPreparing}
	if err := c.CreateAction(a); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	if err := c.SetActionState("a1", ActionCompleted, ""); err != nil {
		t.Fatalf("SetActionState() error = %v", err)
	}
	tb, err := c.Tablet("x0")
	if err != nil {
		t.Fatalf("Tablet() error = %v", err)
	}
	if tb.ActionID != "" {
		t.Errorf("tablet ActionID = %q after terminal action state, want empty", tb.ActionID)
	}
}

func TestSetActionStateOrphanedKeepsWeakReferences(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	a := &TabletAction{ID: "a1", TabletIDs: []string{"x0"}, State: ActionUnmounted}
	if err := c.CreateAction(a); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	if err := c.SetActionState("a1", ActionOrphaned, "no healthy cell"); err != nil {
		t.Fatalf("SetActionState() error = %v", err)
	}
	tb, err := c.Tablet("x0")
	if err != nil {
		t.Fatalf("Tablet() error = %v", err)
	}
	if tb.ActionID != "a1" {
		t.Errorf("tablet ActionID = %q after orphaning, want a1 (orphaning is not terminal)", tb.ActionID)
	}
	got, err := c.Action("a1")
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if got.State != ActionOrphaned || got.FailReason != "no healthy cell" {
		t.Errorf("action = %+v, want State=orphaned FailReason=\"no healthy cell\"", got)
	}
}

func TestDestroyActionRequiresTerminalState(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	a := &TabletAction{ID: "a1", TabletIDs: []string{"x0"}, State: ActionPreparing}
	if err := c.CreateAction(a); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	if err := c.DestroyAction("a1"); err == nil {
		t.Fatal("expected error destroying a non-terminal action")
	}
	if err := c.SetActionState("a1", ActionFailed, "boom"); err != nil {
		t.Fatalf("SetActionState() error = %v", err)
	}
	if err := c.DestroyAction("a1"); err != nil {
		t.Fatalf("DestroyAction() error = %v", err)
	}
}

func TestReplaceOwnerTabletsReindexes(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	fresh := []*Tablet{
		{ID: "y0"},
		{ID: "y1"},
		{ID: "y2"},
	}
	if err := c.ReplaceOwnerTablets("t1", fresh); err != nil {
		t.Fatalf("ReplaceOwnerTablets() error = %v", err)
	}

	tablets, err := c.TabletsOfOwner("t1")
	if err != nil {
		t.Fatalf("TabletsOfOwner() error = %v", err)
	}
	if len(tablets) != 3 {
		t.Fatalf("len(tablets) = %d, want 3", len(tablets))
	}
	for i, tb := range tablets {
		if tb.Index != i {
			t.Errorf("tablets[%d].Index = %d, want %d", i, tb.Index, i)
		}
		if tb.OwnerID != "t1" {
			t.Errorf("tablets[%d].OwnerID = %q, want t1", i, tb.OwnerID)
		}
	}
	if _, err := c.Tablet("x0"); err == nil {
		t.Fatal("expected old tablet x0 to be gone after ReplaceOwnerTablets")
	}
}

func TestAlterReplicaUpdatesOnlyGivenFields(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	err := c.CreateReplica(&TableReplica{
		ID:          "r1",
		OwnerID:     "t1",
		ClusterName: "remote",
		ReplicaPath: "//tmp/t",
		Mode:        ReplicaModeAsync,
		Atomicity:   AtomicityFull,
		State:       ReplicaEnabling,
	})
	if err != nil {
		t.Fatalf("CreateReplica() error = %v", err)
	}

	mode := ReplicaModeSync
	if err := c.AlterReplica("r1", &mode, nil, nil); err != nil {
		t.Fatalf("AlterReplica() error = %v", err)
	}

	r, err := c.Replica("r1")
	if err != nil {
		t.Fatalf("Replica() error = %v", err)
	}
	if r.Mode != ReplicaModeSync {
		t.Errorf("Mode = %q, want %q", r.Mode, ReplicaModeSync)
	}
	if r.Atomicity != AtomicityFull {
		t.Errorf("Atomicity = %q, want %q (unchanged)", r.Atomicity, AtomicityFull)
	}
	if r.PreserveTimestamps {
		t.Errorf("PreserveTimestamps = true, want false (unchanged)")
	}

	preserve := true
	if err := c.AlterReplica("r1", nil, nil, &preserve); err != nil {
		t.Fatalf("AlterReplica() error = %v", err)
	}
	if r, _ = c.Replica("r1"); !r.PreserveTimestamps {
		t.Errorf("PreserveTimestamps = false, want true")
	}
}

func TestAlterReplicaUnknownID(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	mode := ReplicaModeSync
	if err := c.AlterReplica("nope", &mode, nil, nil); err == nil {
		t.Fatal("AlterReplica() on unknown replica succeeded, want error")
	}
}

func TestMountConfigDrift(t *testing.T) {
	c := NewCatalog()
	c.RegisterLocalMountConfigKeys([]string{"a", "b", "c"})

	if drift := c.MountConfigDrift(); len(drift) != 3 {
		t.Fatalf("MountConfigDrift() = %v, want all 3 local keys before any node report", drift)
	}

	c.AddMountConfigKeysFromNodes([]string{"a", "c"})
	drift := c.MountConfigDrift()
	if len(drift) != 1 || drift[0] != "b" {
		t.Fatalf("MountConfigDrift() = %v, want [b]", drift)
	}

	c.AddMountConfigKeysFromNodes([]string{"b", "extra-node-only"})
	if drift := c.MountConfigDrift(); len(drift) != 0 {
		t.Fatalf("MountConfigDrift() = %v, want empty once nodes cover every local key", drift)
	}
}

func TestSetActionStateFailingKeepsWeakReferencesUntilFailed(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	if err := c.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	a := &TabletAction{ID: "a1", TabletIDs: []string{"x0"}, State: ActionFreezing}
	if err := c.CreateAction(a); err != nil {
		t.Fatalf("CreateAction() error = %v", err)
	}

	if err := c.SetActionState("a1", ActionFailing, "user request interfered"); err != nil {
		t.Fatalf("SetActionState() error = %v", err)
	}
	tb, err := c.Tablet("x0")
	if err != nil {
		t.Fatalf("Tablet() error = %v", err)
	}
	if tb.ActionID != "a1" {
		t.Errorf("tablet ActionID = %q while Failing, want a1 (Failing is not terminal)", tb.ActionID)
	}

	if err := c.SetActionState("a1", ActionFailed, ""); err != nil {
		t.Fatalf("SetActionState() error = %v", err)
	}
	tb, _ = c.Tablet("x0")
	if tb.ActionID != "" {
		t.Errorf("tablet ActionID = %q after Failed, want released", tb.ActionID)
	}
	got, err := c.Action("a1")
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if got.FailReason != "user request interfered" {
		t.Errorf("FailReason = %q, want the interference reason preserved through Failed", got.FailReason)
	}
}
