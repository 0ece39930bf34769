package scrapequota

import (
	"context"
	"time"
)

// StateStore persists and reloads quota usage state across process restarts.
type StateStore interface {
	// Load returns the most recent snapshot. A store with nothing persisted
	// returns ErrStateStale; a store with unreadable contents returns
	// ErrStateCorrupt (possibly wrapped). Both are recoverable: the manager
	// degrades to zeroed defaults and reports the outcome through its meter.
	Load(ctx context.Context) (Snapshot, error)

	// Save persists a snapshot, replacing any previous one.
	Save(ctx context.Context, snap Snapshot) error
}

// Snapshot is the persisted quota usage state. Field names and the
// upper-case priority keys match the on-disk JSON format consumed by the
// reporting surfaces.
type Snapshot struct {
	ID                string           `json:"id,omitempty"`
	RequestCount      int              `json:"request_count"`
	DailyRequestCount int              `json:"daily_request_count"`
	CurrentMonth      int              `json:"current_month"`
	CurrentDay        int              `json:"current_day"`
	PriorityUsage     map[Priority]int `json:"priority_usage"`
	CategoryUsage     map[string]int   `json:"category_usage"`
	LastUpdated       time.Time        `json:"last_updated"`
}
