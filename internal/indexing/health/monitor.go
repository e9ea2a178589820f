package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/indexing/dispatcher"
)

// StatusSource lists the dispatchers of the running indexers.
type StatusSource interface {
	Statuses() []dispatcher.Status
}

// Pinger checks a backing service.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the dispatchers and the database.
type Monitor struct {
	source StatusSource
	db     Pinger
	// CacheTTL bounds how often the database is pinged.
	CacheTTL time.Duration

	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. db may be nil.
func NewMonitor(source StatusSource, db Pinger) *Monitor {
	return &Monitor{
		source:   source,
		db:       db,
		CacheTTL: 5 * time.Second,
	}
}

// CheckHealth builds a report. The worst indexer or database status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CacheTTL > 0 && time.Since(m.lastCheck) < m.CacheTTL && m.lastReport.Indexers != nil {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Database:     "ok",
		Indexers:     make(map[string]IndexerHealth),
	}

	if m.db != nil {
		if err := m.db.Health(ctx); err != nil {
			report.Database = err.Error()
			report.SystemStatus = StatusCritical
		}
	}

	for _, st := range m.source.Statuses() {
		h := IndexerHealth{
			Indexer: domain.UID(st.Namespace, st.Identifier),
			Status:  indexerStatus(st),
			State:   string(st.State),
			Height:  st.Height,
			Halt:    st.Halt,
		}
		report.Indexers[h.Indexer] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func indexerStatus(st dispatcher.Status) SystemStatus {
	switch {
	case st.Halt != nil && st.Halt.Kind == domain.HaltFault:
		return StatusCritical
	case st.Halt != nil && st.Halt.Kind == domain.HaltEndHeight:
		return StatusHealthy
	case st.State == dispatcher.StateStopped || st.State == dispatcher.StatePaused:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
