// Package health reports the state of a sync session over HTTP and gRPC.
package health

import (
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// SystemStatus represents the overall health state of the system.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// State is the driver lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateFailed   State = "failed"
)

// Report is the health snapshot served on /health/detailed.
type Report struct {
	SessionID string           `json:"session_id"`
	Chain     string           `json:"chain"`
	State     State            `json:"state"`
	Status    SystemStatus     `json:"status"`
	Head      *domain.BlockRef `json:"head,omitempty"`
	Finalized *domain.BlockRef `json:"finalized,omitempty"`
	ChainTip  uint64           `json:"chain_tip,omitempty"`
	BlockLag  uint64           `json:"block_lag"`
	Forks     int              `json:"forks"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}
