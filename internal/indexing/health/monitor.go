package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
)

// TipFetcher returns the latest block number of the chain.
type TipFetcher func(ctx context.Context) (uint64, error)

// Thresholds for the lag based status.
const (
	degradedLag = 10
	criticalLag = 100
)

// Monitor tracks a sync session. It implements syncer.Observer.
type Monitor struct {
	tip      TipFetcher
	interval time.Duration

	mu        sync.RWMutex
	report    Report
	lastCheck time.Time
	listeners []func(Report)
}

// NewMonitor creates a monitor. tip may be nil, in which case no lag is
// reported.
func NewMonitor(sessionID, chain string, tip TipFetcher) *Monitor {
	return &Monitor{
		tip:      tip,
		interval: 10 * time.Second,
		report: Report{
			SessionID: sessionID,
			Chain:     chain,
			State:     StateStarting,
			Status:    StatusHealthy,
			UpdatedAt: time.Now(),
		},
	}
}

// OnChange registers fn to be called after every state change.
func (m *Monitor) OnChange(fn func(Report)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Committed records a committed batch.
func (m *Monitor) Committed(head, finalized *domain.BlockRef) {
	m.update(func(r *Report) {
		r.State = StateSyncing
		if head != nil {
			r.Head = domain.RefPtr(*head)
		}
		if finalized != nil {
			r.Finalized = domain.RefPtr(*finalized)
		}
	})
}

// Forked records a fork recovery.
func (m *Monitor) Forked(base reorg.Base) {
	m.update(func(r *Report) {
		r.Forks++
		if base.Number < 0 {
			r.Head = nil
			return
		}
		r.Head = &domain.BlockRef{Number: uint64(base.Number), Hash: base.Hash}
	})
}

// Finished records the end of a bounded range.
func (m *Monitor) Finished() {
	m.update(func(r *Report) { r.State = StateSynced })
}

// Failed records a fatal driver error.
func (m *Monitor) Failed(err error) {
	m.update(func(r *Report) {
		r.State = StateFailed
		r.LastError = err.Error()
	})
}

func (m *Monitor) update(fn func(r *Report)) {
	m.mu.Lock()
	fn(&m.report)
	m.report.UpdatedAt = time.Now()
	m.report.Status = m.status()
	snapshot := m.report
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// status must be called with mu held.
func (m *Monitor) status() SystemStatus {
	switch {
	case m.report.State == StateFailed || m.report.BlockLag > criticalLag:
		return StatusCritical
	case m.report.BlockLag > degradedLag:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// CheckHealth returns the current report. The chain tip is refreshed at most
// once per interval.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.RLock()
	stale := m.tip != nil && time.Since(m.lastCheck) >= m.interval
	m.mu.RUnlock()

	if stale {
		tip, err := m.tip(ctx)
		m.mu.Lock()
		m.lastCheck = time.Now()
		if err == nil {
			m.report.ChainTip = tip
		}
		m.report.BlockLag = 0
		if m.report.Head != nil && m.report.ChainTip > m.report.Head.Number {
			m.report.BlockLag = m.report.ChainTip - m.report.Head.Number
		}
		if err != nil && m.report.State != StateFailed {
			m.report.Status = StatusDegraded
		} else {
			m.report.Status = m.status()
		}
		m.mu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}
