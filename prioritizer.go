package scrapequota

import (
	"sort"
	"sync"
	"time"
)

// Base scheduling priority per task type, on a 1-10 scale. Types not listed
// score defaultBasePriority before importance/category adjustments.
var basePriorities = map[string]float64{
	"daily_deals":       9,
	"product_details":   8,
	"keyword_ranking":   7,
	"search_monitoring": 6,
}

const defaultBasePriority = 5

// maxRecencyFactor caps how much overdueness can inflate a score. A task
// that has never run gets exactly this factor.
const maxRecencyFactor = 2.0

// refreshFrequency is the base refresh interval per task type, in hours,
// with category-specific tightening for product detail scrapes.
type frequencyRule struct {
	base       float64
	byCategory map[string]float64
}

var refreshFrequencies = map[string]frequencyRule{
	"product_details": {
		base: 48,
		byCategory: map[string]float64{
			"high_demand": 12,
			"price_watch": 6,
		},
	},
	"daily_deals": {base: 4},
}

// defaultFrequencyByImportance covers task types without an explicit rule.
var defaultFrequencyByImportance = map[Importance]float64{
	ImportanceHigh:   12,
	ImportanceNormal: 24,
	ImportanceLow:    72,
}

// Prioritizer ranks candidate scrape tasks for execution: it decides which
// are due, drops any whose task type currently has no quota, scores the
// rest, and returns the top of the ranking. Execution history is tracked
// in-memory per task ID.
type Prioritizer struct {
	dist *Distributor
	now  func() time.Time

	mu                 sync.Mutex
	records            map[string]*taskRecord
	priorityOverrides  map[string]float64
	frequencyOverrides map[string]float64
}

type taskRecord struct {
	taskType       string
	category       string
	importance     Importance
	firstSeen      time.Time
	lastExecution  time.Time
	executionCount int
}

// PrioritizerOption configures a Prioritizer.
type PrioritizerOption func(*Prioritizer)

// WithPrioritizerClock sets the time source used for due checks and
// recency scoring.
func WithPrioritizerClock(now func() time.Time) PrioritizerOption {
	return func(p *Prioritizer) { p.now = now }
}

// NewPrioritizer creates a Prioritizer that gates and accounts quota
// through the given distributor.
func NewPrioritizer(dist *Distributor, opts ...PrioritizerOption) *Prioritizer {
	p := &Prioritizer{
		dist:               dist,
		records:            make(map[string]*taskRecord),
		priorityOverrides:  make(map[string]float64),
		frequencyOverrides: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// track returns the execution record for a task, seeding it from the
// task's own fields on first sight. Lock held.
func (p *Prioritizer) track(t Task) *taskRecord {
	rec, ok := p.records[t.ID]
	if !ok {
		rec = &taskRecord{
			taskType:       t.TaskType,
			category:       t.Category,
			importance:     t.Importance,
			firstSeen:      p.now(),
			lastExecution:  t.LastExecution,
			executionCount: t.ExecutionCount,
		}
		p.records[t.ID] = rec
	}
	return rec
}

// IsTaskDue reports whether a task should be executed now: always true for
// a task that has never run, otherwise true once the effective refresh
// frequency has elapsed since its last execution.
func (p *Prioritizer) IsTaskDue(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDue(t, p.track(t))
}

func (p *Prioritizer) isDue(t Task, rec *taskRecord) bool {
	if rec.lastExecution.IsZero() {
		return true
	}
	elapsed := p.now().Sub(rec.lastExecution).Hours()
	return elapsed >= p.effectiveFrequency(t)
}

// effectiveFrequency returns the refresh interval in hours for a task:
// a per-task frequency override wins, then the task-type rule (with its
// category tightening), then the importance default. Lock held.
func (p *Prioritizer) effectiveFrequency(t Task) float64 {
	if hours, ok := p.frequencyOverrides[t.ID]; ok && hours > 0 {
		return hours
	}

	if rule, ok := refreshFrequencies[t.TaskType]; ok {
		if hours, ok := rule.byCategory[t.Category]; ok {
			return hours
		}
		return rule.base
	}

	if hours, ok := defaultFrequencyByImportance[t.Importance]; ok {
		return hours
	}
	return defaultFrequencyByImportance[ImportanceNormal]
}

// PrioritizeTasks ranks the candidate tasks and returns at most limit of
// them in descending score order (limit <= 0 means no limit). Tasks that
// are not yet due are skipped; tasks whose task type currently fails the
// quota gate are dropped entirely rather than deprioritized. Equal scores
// order by task ID, so the ranking is reproducible.
func (p *Prioritizer) PrioritizeTasks(tasks []Task, limit int) []ScoredTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	// One quota verdict per task type for the whole batch.
	quotaOK := make(map[string]bool)

	var ranked []ScoredTask
	for _, t := range tasks {
		rec := p.track(t)

		if !p.isDue(t, rec) {
			continue
		}

		ok, seen := quotaOK[t.TaskType]
		if !seen {
			ok = p.dist.CheckQuota(t.TaskType)
			quotaOK[t.TaskType] = ok
		}
		if !ok {
			continue
		}

		ranked = append(ranked, p.score(t, rec))
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Task.ID < ranked[j].Task.ID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// score computes the composite scheduling score for a due task. Lock held.
func (p *Prioritizer) score(t Task, rec *taskRecord) ScoredTask {
	base, hasOverride := p.priorityOverrides[t.ID]
	if !hasOverride {
		base = defaultBasePriority
		if b, ok := basePriorities[t.TaskType]; ok {
			base = b
		}

		switch t.Importance {
		case ImportanceHigh:
			base += 2
		case ImportanceLow:
			base -= 2
		}

		switch t.Category {
		case "high_demand", "price_watch":
			base += 1
		case "clearance":
			base -= 1
		}

		if base < 1 {
			base = 1
		}
		if base > 10 {
			base = 10
		}
	}

	recency := maxRecencyFactor
	if !rec.lastExecution.IsZero() {
		elapsed := p.now().Sub(rec.lastExecution).Hours()
		recency = elapsed / p.effectiveFrequency(t)
		if recency > maxRecencyFactor {
			recency = maxRecencyFactor
		}
	}

	countFactor := 1.1 - min(0.2, float64(rec.executionCount)/100)

	return ScoredTask{
		Task:          t,
		Score:         base * recency * countFactor,
		BasePriority:  base,
		RecencyFactor: recency,
		CountFactor:   countFactor,
	}
}

// RecordExecution marks a task as executed now and records one consumed
// proxy request against its task type. This is the only place the
// scheduling side records usage; scraper-level fetches beyond the first
// must account for themselves through the distributor.
func (p *Prioritizer) RecordExecution(taskID, taskType string) {
	p.mu.Lock()
	rec, ok := p.records[taskID]
	if !ok {
		rec = &taskRecord{taskType: taskType, firstSeen: p.now()}
		p.records[taskID] = rec
	}
	rec.lastExecution = p.now()
	rec.executionCount++
	p.mu.Unlock()

	p.dist.RecordUsage(taskType, 1)
}

// SetPriorityOverride pins a task's base priority, replacing the computed
// table value outright.
func (p *Prioritizer) SetPriorityOverride(taskID string, priority float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priorityOverrides[taskID] = priority
}

// SetFrequencyOverride pins a task's refresh frequency in hours.
func (p *Prioritizer) SetFrequencyOverride(taskID string, hours float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frequencyOverrides[taskID] = hours
}

// ClearOverrides removes any priority and frequency overrides for a task.
func (p *Prioritizer) ClearOverrides(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.priorityOverrides, taskID)
	delete(p.frequencyOverrides, taskID)
}

// Statistics returns an aggregate view over every tracked task.
func (p *Prioritizer) Statistics() TaskStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := TaskStatistics{
		TotalTasks:         len(p.records),
		PriorityOverrides:  len(p.priorityOverrides),
		FrequencyOverrides: len(p.frequencyOverrides),
	}
	if len(p.records) == 0 {
		return stats
	}

	var (
		totalCount    int
		minCount      = -1
		maxCount      int
		intervalSum   float64
		intervalTasks int
	)
	for id, rec := range p.records {
		if minCount < 0 || rec.executionCount < minCount {
			minCount = rec.executionCount
		}
		if rec.executionCount > maxCount {
			maxCount = rec.executionCount
		}
		totalCount += rec.executionCount

		if !rec.lastExecution.IsZero() {
			elapsed := now.Sub(rec.lastExecution)
			if elapsed <= 24*time.Hour {
				stats.ExecutedLast24h++
			}

			freq := p.effectiveFrequency(Task{
				ID:         id,
				TaskType:   rec.taskType,
				Category:   rec.category,
				Importance: rec.importance,
			})
			if elapsed.Hours() >= 2*freq {
				stats.OverdueTasks++
			}

			if rec.executionCount > 0 {
				intervalSum += now.Sub(rec.firstSeen).Hours() / float64(rec.executionCount)
				intervalTasks++
			}
		}
	}

	stats.MinExecutionCount = minCount
	stats.MaxExecutionCount = maxCount
	stats.AvgExecutionCount = float64(totalCount) / float64(len(p.records))
	if intervalTasks > 0 {
		stats.AverageIntervalHrs = intervalSum / float64(intervalTasks)
	}
	return stats
}
