package metrics

import "time"

// SchedulerMetrics is what the scheduler reports. Nop is the default.
type SchedulerMetrics interface {
	TaskCreated(mode string, n int)
	TaskTransition(to string)
	PublishLatency(outcome string, d time.Duration)
	LimiterDenied(gate string)
	TaskDeferred()
	RetriesReadmitted(n int)
	DispatchDropped(reason string)
	EventSubscriberDropped()
}

type Nop struct{}

func (Nop) TaskCreated(string, int) {}
func (Nop) TaskTransition(string) {}
func (Nop) PublishLatency(string, time.Duration) {}
func (Nop) LimiterDenied(string) {}
func (Nop) TaskDeferred() {}
func (Nop) RetriesReadmitted(int) {}
func (Nop) DispatchDropped(string) {}
func (Nop) EventSubscriberDropped() {}
