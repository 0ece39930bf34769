package scrapequota

import "time"

// Task is a candidate scrape operation as seen by the TaskPrioritizer.
// Tasks are owned by the orchestrator; the prioritizer references them by ID
// and tracks execution history internally.
type Task struct {
	ID         string     `json:"id"`
	TaskType   string     `json:"task_type"`
	Category   string     `json:"category,omitempty"`
	Importance Importance `json:"importance,omitempty"`

	// Seed values for tasks whose history predates this process. The
	// prioritizer's own records take precedence once RecordExecution has
	// been called for the task.
	LastExecution  time.Time `json:"last_execution,omitempty"`
	ExecutionCount int       `json:"execution_count,omitempty"`
}

// ScoredTask is a task paired with its computed scheduling score, returned by
// PrioritizeTasks in descending-score order.
type ScoredTask struct {
	Task          Task
	Score         float64
	BasePriority  float64
	RecencyFactor float64
	CountFactor   float64
}

// TaskStatistics is an aggregate view over every task the prioritizer has
// seen, for reporting surfaces.
type TaskStatistics struct {
	TotalTasks         int
	ExecutedLast24h    int
	OverdueTasks       int
	AverageIntervalHrs float64
	MinExecutionCount  int
	MaxExecutionCount  int
	AvgExecutionCount  float64
	PriorityOverrides  int
	FrequencyOverrides int
}
