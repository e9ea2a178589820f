// Package health provides indexer health monitoring and status reporting.
package health

import "github.com/vietddude/chainindexer/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// IndexerHealth contains the health of one indexer.
type IndexerHealth struct {
	Indexer string       `json:"indexer"`
	Status  SystemStatus `json:"status"`
	State   string       `json:"state"`
	Height  uint64       `json:"height"`
	Halt    *domain.Halt `json:"halt,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Database     string                   `json:"database"`
	Indexers     map[string]IndexerHealth `json:"indexers"`
}
