package tabletmanager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhigibig/hydra/pkg/health"
	"github.com/zhigibig/hydra/pkg/log"
	"github.com/zhigibig/hydra/pkg/tablet"
)

// CellHealthMonitor periodically TCP-probes every registered cell's
// lifecycle address and folds the result into the catalog through
// Controller.SetCellHealthy, the same way a cell's own RegisterCell
// announcement does on startup. A ticker-driven pass over the whole
// cluster mirrors ActionDriver's reconciliation loop rather than
// keeping one goroutine per cell.
type CellHealthMonitor struct {
	ctrl   *Controller
	dir    *CellDirectory
	cfg    health.Config
	logger zerolog.Logger
	stopCh chan struct{}

	mu     sync.Mutex
	status map[string]*health.Status
}

// NewCellHealthMonitor returns a monitor probing cells known to dir
// through ctrl.
func NewCellHealthMonitor(ctrl *Controller, dir *CellDirectory) *CellHealthMonitor {
	return &CellHealthMonitor{
		ctrl:   ctrl,
		dir:    dir,
		cfg:    health.DefaultConfig(),
		logger: log.WithComponent("tabletmanager.healthmonitor"),
		stopCh: make(chan struct{}),
		status: make(map[string]*health.Status),
	}
}

// Start begins the probe loop.
func (m *CellHealthMonitor) Start() {
	go m.run()
}

// Stop ends the probe loop.
func (m *CellHealthMonitor) Stop() {
	close(m.stopCh)
}

func (m *CellHealthMonitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *CellHealthMonitor) probeAll() {
	for _, cell := range m.ctrl.Catalog().Cells() {
		m.probeOne(cell)
	}
}

func (m *CellHealthMonitor) probeOne(cell *tablet.TabletCell) {
	addr, err := m.dir.Resolve(cell.ID)
	if err != nil {
		// No RegisterCell announcement seen yet for this cell; nothing to
		// dial, so leave its current catalog health alone.
		return
	}

	checker := health.NewTCPChecker(addr).WithTimeout(m.cfg.Timeout)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	result := checker.Check(ctx)
	cancel()

	m.mu.Lock()
	st, ok := m.status[cell.ID]
	if !ok {
		st = health.NewStatus()
		m.status[cell.ID] = st
	}
	wasHealthy := st.Healthy
	st.Update(result, m.cfg)
	nowHealthy := st.Healthy
	m.mu.Unlock()

	if wasHealthy == nowHealthy {
		return
	}
	m.logger.Info().Str("cell_id", cell.ID).Str("addr", addr).Bool("healthy", nowHealthy).Str("message", result.Message).Msg("cell health transition")
	if err := m.ctrl.SetCellHealthy(cell.ID, nowHealthy); err != nil {
		m.logger.Error().Err(err).Str("cell_id", cell.ID).Msg("failed to record cell health transition")
	}
}
