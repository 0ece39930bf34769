package meter

import "github.com/karooworks/scrapequota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ scrapequota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(scrapequota.DecisionEvent) {}
func (m *NoopMeter) OnUsage(scrapequota.UsageEvent)       {}
func (m *NoopMeter) OnBreaker(scrapequota.BreakerEvent)   {}
func (m *NoopMeter) OnState(scrapequota.StateEvent)       {}
