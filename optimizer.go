package scrapequota

import (
	"fmt"
	"sort"
	"sync"
)

// Recommendation thresholds: an efficiency dimension is flagged when it
// runs below lowEfficiencyRatio of the overall average and has consumed
// more than minSampleRequests (small samples produce noisy ratios).
const (
	lowEfficiencyRatio = 0.7
	minSampleRequests  = 10

	burnRateMonthlyFraction = 0.6
	burnRateDailyFraction   = 0.9
)

// Optimizer observes requests spent versus data points returned and
// produces advisory recommendations. It is a read-only consumer of the
// manager's status and never influences quota decisions itself.
type Optimizer struct {
	manager *Manager

	mu            sync.Mutex
	total         efficiencyTotals
	byMarketplace map[string]*efficiencyTotals
	byTaskType    map[string]*efficiencyTotals
}

type efficiencyTotals struct {
	requests   int
	dataPoints int
}

func (t efficiencyTotals) ratio() float64 {
	if t.requests <= 0 {
		return 0
	}
	return float64(t.dataPoints) / float64(t.requests)
}

// NewOptimizer creates an Optimizer reading quota status from the given
// manager.
func NewOptimizer(m *Manager) *Optimizer {
	return &Optimizer{
		manager:       m,
		byMarketplace: make(map[string]*efficiencyTotals),
		byTaskType:    make(map[string]*efficiencyTotals),
	}
}

// RecordDataCollection records one collection outcome and returns its
// efficiency (data points per request; 0 when no requests were used).
func (o *Optimizer) RecordDataCollection(marketplace, taskType string, requestsUsed, dataPoints int) float64 {
	if requestsUsed <= 0 {
		return 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.total.requests += requestsUsed
	o.total.dataPoints += dataPoints

	mp, ok := o.byMarketplace[marketplace]
	if !ok {
		mp = &efficiencyTotals{}
		o.byMarketplace[marketplace] = mp
	}
	mp.requests += requestsUsed
	mp.dataPoints += dataPoints

	tt, ok := o.byTaskType[taskType]
	if !ok {
		tt = &efficiencyTotals{}
		o.byTaskType[taskType] = tt
	}
	tt.requests += requestsUsed
	tt.dataPoints += dataPoints

	return float64(dataPoints) / float64(requestsUsed)
}

// EfficiencyScore returns the overall data-points-per-request ratio.
func (o *Optimizer) EfficiencyScore() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total.ratio()
}

// EfficiencyByMarketplace returns the per-marketplace ratios.
func (o *Optimizer) EfficiencyByMarketplace() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]float64, len(o.byMarketplace))
	for name, t := range o.byMarketplace {
		out[name] = t.ratio()
	}
	return out
}

// EfficiencyByTaskType returns the per-task-type ratios.
func (o *Optimizer) EfficiencyByTaskType() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]float64, len(o.byTaskType))
	for name, t := range o.byTaskType {
		out[name] = t.ratio()
	}
	return out
}

// Recommendations flags marketplaces and task types whose efficiency runs
// well below the overall average, plus a systemic warning when the monthly
// budget is burning too fast this early in the daily cycle.
func (o *Optimizer) Recommendations() []string {
	o.mu.Lock()

	var recs []string
	overall := o.total.ratio()

	for _, name := range sortedKeys(o.byMarketplace) {
		t := o.byMarketplace[name]
		if t.requests > minSampleRequests && t.ratio() < overall*lowEfficiencyRatio {
			recs = append(recs, fmt.Sprintf(
				"marketplace %s efficiency %.2f is below %.0f%% of the overall average %.2f; review its scrape patterns",
				name, t.ratio(), lowEfficiencyRatio*100, overall))
		}
	}
	for _, name := range sortedKeys(o.byTaskType) {
		t := o.byTaskType[name]
		if t.requests > minSampleRequests && t.ratio() < overall*lowEfficiencyRatio {
			recs = append(recs, fmt.Sprintf(
				"task type %s efficiency %.2f is below %.0f%% of the overall average %.2f; consider batching or reducing frequency",
				name, t.ratio(), lowEfficiencyRatio*100, overall))
		}
	}
	o.mu.Unlock()

	st := o.manager.Status()
	if st.MonthlyUsagePct > burnRateMonthlyFraction*100 && st.DailyUsagePct > burnRateDailyFraction*100 {
		recs = append(recs, fmt.Sprintf(
			"burn rate too high: %.0f%% of monthly and %.0f%% of daily quota already consumed; reduce non-critical scraping",
			st.MonthlyUsagePct, st.DailyUsagePct))
	}

	return recs
}

func sortedKeys(m map[string]*efficiencyTotals) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
