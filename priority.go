package scrapequota

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Priority is the scheduling priority of a scrape request. It governs soft
// quota allocation and circuit-breaker bypass: PriorityCritical skips the
// breaker and all soft caps but is still bound by the hard daily/monthly caps.
type Priority int

const (
	// PriorityMedium is deliberately the zero value: unregistered task
	// types and config entries that omit a priority default to it.
	PriorityMedium Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityLow
	PriorityBackground
)

// Priorities lists every priority level in descending urgency.
// The set is closed: persisted state and allocation tables key off it.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityBackground,
}

// priorityNames is the explicit bidirectional mapping used for the persisted
// JSON state and YAML config. Names are upper-case to match the on-disk format.
var priorityNames = map[Priority]string{
	PriorityCritical:   "CRITICAL",
	PriorityHigh:       "HIGH",
	PriorityMedium:     "MEDIUM",
	PriorityLow:        "LOW",
	PriorityBackground: "BACKGROUND",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParsePriority maps a priority name (case-sensitive, upper) back to its
// Priority. Returns an error for names outside the closed set.
func ParsePriority(name string) (Priority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("scrapequota: unknown priority %q", name)
}

// MarshalText implements encoding.TextMarshaler for JSON/YAML map keys.
func (p Priority) MarshalText() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("scrapequota: cannot marshal priority %d", int(p))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler; yaml.v3 does not consult
// encoding.TextMarshaler, so the YAML hooks are spelled out.
func (p Priority) MarshalYAML() (interface{}, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("scrapequota: cannot marshal priority %d", int(p))
	}
	return name, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Importance is the caller-declared weight of an individual task, distinct
// from the quota Priority of its task type.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceNormal Importance = "normal"
	ImportanceLow    Importance = "low"
)
