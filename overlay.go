package scrapequota

// PriorityTransform is the seam for an external credit/billing overlay. It
// receives a task's scheduling parameters before they reach the
// Prioritizer and may adjust the base priority and parameters according to
// organization subscription tier and reserved credits. Implementations are
// pure transforms: they see nothing of the Manager's internals.
type PriorityTransform interface {
	Transform(taskType, marketplace string, params map[string]any, basePriority float64) (float64, map[string]any)
}

// NopTransform passes priorities through unchanged.
type NopTransform struct{}

var _ PriorityTransform = NopTransform{}

func (NopTransform) Transform(_, _ string, params map[string]any, basePriority float64) (float64, map[string]any) {
	return basePriority, params
}
