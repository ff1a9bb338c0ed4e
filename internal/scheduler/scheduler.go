package scheduler

import "time"

// Scheduler is the contract both flavors satisfy.
type Scheduler interface {
	Schedule(task Task, delay time.Duration) Handle
	Cancel(h Handle)
	Shutdown()
}

var (
	_ Scheduler = (*Cooperative)(nil)
	_ Scheduler = (*Pool)(nil)
)
