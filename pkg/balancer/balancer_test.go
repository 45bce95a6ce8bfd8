package balancer

import (
	"testing"

	"github.com/zhigibig/hydra/pkg/tablet"
)

type fakeProposer struct {
	moves    [][2][]string // tabletIDs, targetCellIDs
	reshards []string      // first tablet id of each reshard proposal
}

func (f *fakeProposer) CreateMoveAction(tabletIDs, targetCellIDs []string) (string, error) {
	f.moves = append(f.moves, [2][]string{tabletIDs, targetCellIDs})
	return "move-action", nil
}

func (f *fakeProposer) CreateReshardAction(tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error) {
	f.reshards = append(f.reshards, tabletIDs[0])
	return "reshard-action", nil
}

func setupBundle(t *testing.T, cat *tablet.Catalog, cfg tablet.BundleConfig) (string, []string) {
	t.Helper()
	if _, err := cat.CreateBundle("b1", "default", cfg); err != nil {
		t.Fatalf("CreateBundle() error = %v", err)
	}
	var cellIDs []string
	for _, id := range []string{"c1", "c2"} {
		if _, err := cat.CreateCell(id, "b1"); err != nil {
			t.Fatalf("CreateCell() error = %v", err)
		}
		cellIDs = append(cellIDs, id)
	}
	if _, err := cat.CreateOwner("t1", tablet.OwnerTable, tablet.TableSorted, "b1", false); err != nil {
		t.Fatalf("CreateOwner() error = %v", err)
	}
	return "b1", cellIDs
}

func TestBalanceViaMoveProposesMoveWhenSpreadExceedsOne(t *testing.T) {
	cat := tablet.NewCatalog()
	bundleID, _ := setupBundle(t, cat, tablet.BundleConfig{})
	bundle, err := cat.Bundle(bundleID)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		id := "x" + string(rune('0'+i))
		if err := cat.AppendTablet(&tablet.Tablet{ID: id, OwnerID: "t1"}); err != nil {
			t.Fatalf("AppendTablet() error = %v", err)
		}
		if err := cat.SetTabletCell(id, "c1", 1); err != nil {
			t.Fatalf("SetTabletCell() error = %v", err)
		}
	}

	proposer := &fakeProposer{}
	b := NewBalancer(cat, proposer)
	cells := cat.CellsInBundle(bundleID)
	if err := b.balanceViaMove(bundle, cells); err != nil {
		t.Fatalf("balanceViaMove() error = %v", err)
	}

	if len(proposer.moves) != 1 {
		t.Fatalf("len(moves) = %d, want 1", len(proposer.moves))
	}
	if proposer.moves[0][1][0] != "c2" {
		t.Errorf("move target = %v, want c2 (the lightest cell)", proposer.moves[0][1])
	}
}

func TestBalanceViaMoveSkipsWhenSpreadIsWithinOne(t *testing.T) {
	cat := tablet.NewCatalog()
	bundleID, _ := setupBundle(t, cat, tablet.BundleConfig{})
	bundle, _ := cat.Bundle(bundleID)

	if err := cat.AppendTablet(&tablet.Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := cat.SetTabletCell("x0", "c1", 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}

	proposer := &fakeProposer{}
	b := NewBalancer(cat, proposer)
	cells := cat.CellsInBundle(bundleID)
	if err := b.balanceViaMove(bundle, cells); err != nil {
		t.Fatalf("balanceViaMove() error = %v", err)
	}
	if len(proposer.moves) != 0 {
		t.Fatalf("len(moves) = %d, want 0 when spread is already within one tablet", len(proposer.moves))
	}
}

func TestBalanceViaMoveSkipsWhenTargetUnhealthy(t *testing.T) {
	cat := tablet.NewCatalog()
	bundleID, _ := setupBundle(t, cat, tablet.BundleConfig{})
	bundle, _ := cat.Bundle(bundleID)

	for i := 0; i < 3; i++ {
		id := "x" + string(rune('0'+i))
		if err := cat.AppendTablet(&tablet.Tablet{ID: id, OwnerID: "t1"}); err != nil {
			t.Fatalf("AppendTablet() error = %v", err)
		}
		if err := cat.SetTabletCell(id, "c1", 1); err != nil {
			t.Fatalf("SetTabletCell() error = %v", err)
		}
	}
	if err := cat.SetCellHealthy("c2", false); err != nil {
		t.Fatalf("SetCellHealthy() error = %v", err)
	}

	proposer := &fakeProposer{}
	b := NewBalancer(cat, proposer)
	cells := cat.CellsInBundle(bundleID)
	if err := b.balanceViaMove(bundle, cells); err != nil {
		t.Fatalf("balanceViaMove() error = %v", err)
	}
	if len(proposer.moves) != 0 {
		t.Fatalf("len(moves) = %d, want 0 when the target cell is unhealthy", len(proposer.moves))
	}
}

func TestBalanceViaReshardProposesSplitForOversizedTablet(t *testing.T) {
	cat := tablet.NewCatalog()
	bundleID, _ := setupBundle(t, cat, tablet.BundleConfig{MaxTabletSize: 100})
	bundle, _ := cat.Bundle(bundleID)

	if err := cat.AppendTablet(&tablet.Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := cat.SetTabletCell("x0", "c1", 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}
	cell, err := cat.Cell("c1")
	if err != nil {
		t.Fatalf("Cell() error = %v", err)
	}
	cell.MemoryUsedBytes = 1000 // / 1 hosted tablet = 1000 > MaxTabletSize 100

	proposer := &fakeProposer{}
	b := NewBalancer(cat, proposer)
	cells := cat.CellsInBundle(bundleID)
	if err := b.balanceViaReshard(bundle, cells); err != nil {
		t.Fatalf("balanceViaReshard() error = %v", err)
	}
	if len(proposer.reshards) != 1 || proposer.reshards[0] != "x0" {
		t.Fatalf("reshards = %v, want [x0]", proposer.reshards)
	}
}

func TestBalanceViaReshardSkipsWithinBudget(t *testing.T) {
	cat := tablet.NewCatalog()
	bundleID, _ := setupBundle(t, cat, tablet.BundleConfig{MaxTabletSize: 10000})
	bundle, _ := cat.Bundle(bundleID)

	if err := cat.AppendTablet(&tablet.Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}
	if err := cat.SetTabletCell("x0", "c1", 1); err != nil {
		t.Fatalf("SetTabletCell() error = %v", err)
	}
	cell, _ := cat.Cell("c1")
	cell.MemoryUsedBytes = 1000

	proposer := &fakeProposer{}
	b := NewBalancer(cat, proposer)
	cells := cat.CellsInBundle(bundleID)
	if err := b.balanceViaReshard(bundle, cells); err != nil {
		t.Fatalf("balanceViaReshard() error = %v", err)
	}
	if len(proposer.reshards) != 0 {
		t.Fatalf("reshards = %v, want none under budget", proposer.reshards)
	}
}
