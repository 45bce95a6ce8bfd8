package tabletmanager

import (
	"testing"

	"github.com/zhigibig/hydra/pkg/tablet"
)

func TestHealthyOnlyExcludesUnhealthyCells(t *testing.T) {
	cells := []*tablet.TabletCell{
		{ID: "c1", Healthy: true},
		{ID: "c2", Healthy: false},
		{ID: "c3", Healthy: true},
	}

	got := healthyOnly(cells)
	if len(got) != 2 {
		t.Fatalf("healthyOnly() returned %d cells, want 2", len(got))
	}
	for _, c := range got {
		if !c.Healthy {
			t.Errorf("healthyOnly() returned unhealthy cell %s", c.ID)
		}
	}
}

func TestHealthyOnlyAllUnhealthyReturnsEmpty(t *testing.T) {
	cells := []*tablet.TabletCell{
		{ID: "c1", Healthy: false},
		{ID: "c2", Healthy: false},
	}

	got := healthyOnly(cells)
	if len(got) != 0 {
		t.Fatalf("healthyOnly() returned %d cells, want 0 (no silent fallback to unhealthy cells)", len(got))
	}
}

func TestLeastLoadedBreaksTiesByID(t *testing.T) {
	cells := []*tablet.TabletCell{
		{ID: "c2", TabletCountStat: 3},
		{ID: "c1", TabletCountStat: 3},
		{ID: "c3", TabletCountStat: 5},
	}

	got := leastLoaded(cells)
	if got.ID != "c1" {
		t.Fatalf("leastLoaded() = %s, want c1", got.ID)
	}
}
