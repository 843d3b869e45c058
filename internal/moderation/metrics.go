package moderation

import "time"

// Metrics receives pipeline observations.
type Metrics interface {
	EventProcessed(outcome string)
	ClassificationObserved(duration time.Duration, err error)
	ActionObserved(action, status string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) EventProcessed(string)                        {}
func (NopMetrics) ClassificationObserved(time.Duration, error) {}
func (NopMetrics) ActionObserved(string, string)                {}
