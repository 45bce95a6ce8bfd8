// Package balancer implements the per-bundle tablet balancer: a
// periodic controller that looks at the current tablet
// distribution across a bundle's cells and proposes move or reshard
// actions to even it out, gated by the bundle's own configuration and
// a minimum iteration interval.
package balancer

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/metrics"
	"github.com/zhigibig/hydra/pkg/tablet"
	"github.com/zhigibig/hydra/pkg/tabletmanager"
)

// ActionProposer is the subset of tabletmanager.ActionDriver the
// balancer needs: it only ever proposes actions, never drives their
// execution.
type ActionProposer interface {
	CreateMoveAction(tabletIDs, targetCellIDs []string) (string, error)
	CreateReshardAction(tabletIDs []string, pivotKeys [][]byte, tabletCount int) (string, error)
}

// Balancer runs one reconciliation pass per bundle on a fixed ticker: a
// single goroutine, a ticker, one pass per tick, errors logged and the
// loop keeps going.
type Balancer struct {
	catalog  *tablet.Catalog
	actions  ActionProposer
	logger   zerolog.Logger
	stopCh   chan struct{}
	interval time.Duration

	lastRun map[string]time.Time // bundle id -> last iteration
}

// NewBalancer wires a balancer over cat, proposing actions through
// actions.
func NewBalancer(cat *tablet.Catalog, actions ActionProposer) *Balancer {
	return &Balancer{
		catalog:  cat,
		actions:  actions,
		logger:   log.WithComponent("balancer"),
		stopCh:   make(chan struct{}),
		interval: 10 * time.Second,
		lastRun:  make(map[string]time.Time),
	}
}

// Start begins the balancer's ticker loop.
func (b *Balancer) Start() {
	go b.run()
}

// Stop ends the loop.
func (b *Balancer) Stop() {
	close(b.stopCh)
}

func (b *Balancer) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.iterateAllBundles()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Balancer) iterateAllBundles() {
	for _, bundle := range b.catalog.Bundles() {
		if !bundle.Config.EnableBalancer {
			continue
		}
		since := b.lastRun[bundle.ID]
		if time.Since(since) < bundle.Config.MinIterationInterval {
			continue
		}
		b.lastRun[bundle.ID] = time.Now()
		timer := metrics.NewTimer()
		if err := b.iterateBundle(bundle); err != nil {
			b.logger.Error().Err(err).Str("bundle_id", bundle.ID).Msg("balancer iteration failed")
		}
		timer.ObserveDuration(metrics.BalancerIterationDuration)
	}
}

// iterateBundle runs BalanceViaReshard then BalanceViaMove over one
// bundle, in that order: fix tablets that are
// the wrong size before fixing tablets that are on the wrong cell, so a
// reshard doesn't get immediately undone by a move that was computed
// against stale sizes.
func (b *Balancer) iterateBundle(bundle *tablet.TabletCellBundle) error {
	cells := b.catalog.CellsInBundle(bundle.ID)
	if len(cells) == 0 {
		return nil
	}

	if err := b.balanceViaReshard(bundle, cells); err != nil {
		return err
	}
	return b.balanceViaMove(bundle, cells)
}

// balanceViaReshard finds tablets above MaxTabletSize and proposes a
// reshard action splitting each into two. It proposes splits only:
// undersized tablets below MinTabletSize are not merged. Sizing is
// approximated by a cell's
// MemoryUsedBytes divided across its hosted tablet count, since the
// catalog does not track true per-tablet size; a real implementation
// would look at per-tablet store sizes reported alongside mount
// notifications.
func (b *Balancer) balanceViaReshard(bundle *tablet.TabletCellBundle, cells []*tablet.TabletCell) error {
	for ownerID, tablets := range b.tabletsByOwner(cells) {
		var oversized []*tablet.Tablet
		for _, t := range tablets {
			if b.approximateSize(t, cells) > bundle.Config.MaxTabletSize && bundle.Config.MaxTabletSize > 0 {
				oversized = append(oversized, t)
			}
		}
		for _, t := range oversized {
			ids := []string{t.ID}
			if _, err := b.actions.CreateReshardAction(ids, nil, 2); err != nil {
				return err
			}
			b.logger.Info().Str("owner_id", ownerID).Str("tablet_id", t.ID).Msg("balancer proposed split")
			metrics.TabletBalancerReshardsTotal.Inc()
		}
	}
	return nil
}

// balanceViaMove moves tablets off the most loaded cell onto the least
// loaded cell until the spread is within one tablet, the simplest
// convergent greedy strategy and a reasonable baseline.
func (b *Balancer) balanceViaMove(bundle *tablet.TabletCellBundle, cells []*tablet.TabletCell) error {
	if len(cells) < 2 {
		return nil
	}
	sorted := make([]*tablet.TabletCell, len(cells))
	copy(sorted, cells)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].HostedTablets) < len(sorted[j].HostedTablets)
	})

	lightest := sorted[0]
	heaviest := sorted[len(sorted)-1]
	if !heaviest.Healthy || !lightest.Healthy {
		return nil
	}
	if len(heaviest.HostedTablets)-len(lightest.HostedTablets) <= 1 {
		return nil
	}

	var moving string
	for id := range heaviest.HostedTablets {
		moving = id
		break
	}
	if moving == "" {
		return nil
	}
	if _, err := b.actions.CreateMoveAction([]string{moving}, []string{lightest.ID}); err != nil {
		return err
	}
	b.logger.Info().
		Str("tablet_id", moving).
		Str("from_cell", heaviest.ID).
		Str("to_cell", lightest.ID).
		Msg("balancer proposed move")
	metrics.TabletBalancerMovesTotal.Inc()
	return nil
}

func (b *Balancer) tabletsByOwner(cells []*tablet.TabletCell) map[string][]*tablet.Tablet {
	byOwner := make(map[string][]*tablet.Tablet)
	for _, cell := range cells {
		for tabletID := range cell.HostedTablets {
			t, err := b.catalog.Tablet(tabletID)
			if err != nil {
				continue
			}
			byOwner[t.OwnerID] = append(byOwner[t.OwnerID], t)
		}
	}
	return byOwner
}

// approximateSize estimates a tablet's share of its hosting cell's
// reported memory usage.
func (b *Balancer) approximateSize(t *tablet.Tablet, cells []*tablet.TabletCell) int64 {
	for _, cell := range cells {
		if cell.ID == t.CellID && len(cell.HostedTablets) > 0 {
			return cell.MemoryUsedBytes / int64(len(cell.HostedTablets))
		}
	}
	return 0
}

var _ ActionProposer = (*tabletmanager.ActionDriver)(nil)
