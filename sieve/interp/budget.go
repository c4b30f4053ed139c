package interp

import "time"

// Budget limits the CPU time of an execution. It is sampled once per
// dispatched instruction.
type Budget interface {
	// Begin starts metering; End stops it and keeps the time spent.
	Begin()
	End()
	Exceeded() bool
	Used() time.Duration
}

// CPUBudget meters process CPU time against Limit. A zero Limit never
// triggers. One CPUBudget reused across several executions accumulates
// their usage.
type CPUBudget struct {
	Limit time.Duration
	// Clock returns a monotonically increasing time. Defaults to the
	// process CPU time where the platform provides it.
	Clock func() time.Duration

	spent   time.Duration
	started time.Duration
	running bool
}

func NewCPUBudget(limit time.Duration) *CPUBudget {
	return &CPUBudget{Limit: limit}
}

func (b *CPUBudget) clock() time.Duration {
	if b.Clock != nil {
		return b.Clock()
	}
	return processCPUTime()
}

func (b *CPUBudget) Begin() {
	if b.running {
		return
	}
	b.started = b.clock()
	b.running = true
}

func (b *CPUBudget) End() {
	if !b.running {
		return
	}
	b.spent += b.clock() - b.started
	b.running = false
}

func (b *CPUBudget) Used() time.Duration {
	if b.running {
		return b.spent + b.clock() - b.started
	}
	return b.spent
}

func (b *CPUBudget) Exceeded() bool {
	return b.Limit > 0 && b.Used() > b.Limit
}

// ResourceUsage is what one execution consumed.
type ResourceUsage struct {
	CPUTime      time.Duration
	Instructions int
}

// Add accumulates other into u.
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.CPUTime += other.CPUTime
	u.Instructions += other.Instructions
}

var processStart = time.Now()

func wallClock() time.Duration {
	return time.Since(processStart)
}
