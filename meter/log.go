package meter

import (
	"log/slog"

	"github.com/karooworks/scrapequota"
)

// LogMeter logs quota engine events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ scrapequota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e scrapequota.DecisionEvent) {
	switch {
	case !e.Allowed:
		m.Logger.Warn("quota_denied",
			"priority", e.Priority.String(),
			"category", e.Category,
			"reason", string(e.Reason),
			"monthly_used", e.MonthlyUsed,
			"monthly_quota", e.MonthlyQuota,
		)
	case e.Warned:
		m.Logger.Warn("quota_warning",
			"priority", e.Priority.String(),
			"category", e.Category,
			"usage_fraction", e.UsageFraction,
		)
	default:
		m.Logger.Debug("quota_allowed",
			"priority", e.Priority.String(),
			"category", e.Category,
		)
	}
}

func (m *LogMeter) OnUsage(e scrapequota.UsageEvent) {
	m.Logger.Debug("usage_recorded",
		"count", e.Count,
		"priority", e.Priority.String(),
		"category", e.Category,
		"request_count", e.RequestCount,
		"daily_request_count", e.DailyRequestCount,
	)
}

func (m *LogMeter) OnBreaker(e scrapequota.BreakerEvent) {
	if e.Open {
		m.Logger.Error("circuit_breaker_open",
			"incident_id", e.IncidentID,
			"usage_fraction", e.UsageFraction,
		)
	} else {
		m.Logger.Info("circuit_breaker_closed",
			"incident_id", e.IncidentID,
		)
	}
}

func (m *LogMeter) OnState(e scrapequota.StateEvent) {
	if e.Err != nil {
		m.Logger.Warn("state_event", "kind", string(e.Kind), "error", e.Err)
		return
	}
	m.Logger.Info("state_event", "kind", string(e.Kind))
}
