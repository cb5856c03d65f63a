package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Interrupt checkpoint
// ---------------------------------------------------------------------------
//
// One timer goroutine raises the trigger flags; the interpreter goroutine
// polls and clears them at safe points. The flags are monotone triggers, so
// a late observation only delays a process switch by one safe point.

// DefaultInterruptInterval is the period of the interrupt timer.
const DefaultInterruptInterval = 20 * time.Millisecond

// InterruptCheckpoint is the cooperative preemption state of one VM.
type InterruptCheckpoint struct {
	shouldTrigger        atomic.Bool
	shouldTriggerNoTimer atomic.Bool

	active               atomic.Bool
	interruptPending     atomic.Bool
	nextWakeupTick       atomic.Int64
	pendingFinalizations atomic.Bool

	mu         sync.Mutex
	semaphores []int

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	// Triggers counts how many times Consume reported a trigger.
	Triggers atomic.Uint64
}

// NewInterruptCheckpoint creates an active checkpoint ticking at interval.
// The timer does not run until Start.
func NewInterruptCheckpoint(interval time.Duration) *InterruptCheckpoint {
	if interval <= 0 {
		interval = DefaultInterruptInterval
	}
	c := &InterruptCheckpoint{interval: interval}
	c.active.Store(true)
	return c
}

// Interval returns the timer period.
func (c *InterruptCheckpoint) Interval() time.Duration { return c.interval }

// Start launches the timer goroutine. It stops
// with ctx or with Stop. Starting a running checkpoint is a no-op.
func (c *InterruptCheckpoint) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	interruptLog.Infof("interrupt timer started (%s)", c.interval)
}

// Stop stops the timer goroutine and waits for it.
func (c *InterruptCheckpoint) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	interruptLog.Info("interrupt timer stopped")
}

// IsRunning reports whether the timer goroutine is running.
func (c *InterruptCheckpoint) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *InterruptCheckpoint) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(time.Now().UnixMilli())
		}
	}
}

// tick applies the timer rule for one period at time now (milliseconds).
// An unconsumed timer trigger is left alone.
func (c *InterruptCheckpoint) tick(now int64) {
	if c.shouldTrigger.Load() {
		return
	}
	active := c.active.Load()
	work := c.pendingFinalizations.Load() || c.hasSemaphoresToSignal()
	c.shouldTrigger.Store(active && (c.wakeupDue(now) || work))
	c.shouldTriggerNoTimer.Store(active && work)
}

func (c *InterruptCheckpoint) wakeupDue(now int64) bool {
	wakeup := c.nextWakeupTick.Load()
	return wakeup != 0 && wakeup <= now
}

// Activate enables triggering without starting the timer.
func (c *InterruptCheckpoint) Activate() { c.active.Store(true) }

// Deactivate disables triggering and drops unconsumed triggers.
func (c *InterruptCheckpoint) Deactivate() {
	c.active.Store(false)
	c.shouldTrigger.Store(false)
	c.shouldTriggerNoTimer.Store(false)
}

// IsActive reports whether the checkpoint may trigger.
func (c *InterruptCheckpoint) IsActive() bool { return c.active.Load() }

// SetInterruptPending records a user interrupt and triggers immediately
// when active.
func (c *InterruptCheckpoint) SetInterruptPending() {
	c.interruptPending.Store(true)
	active := c.active.Load()
	c.shouldTrigger.Store(active)
	c.shouldTriggerNoTimer.Store(active)
}

// TakeInterruptPending clears and returns the pending user interrupt.
func (c *InterruptCheckpoint) TakeInterruptPending() bool {
	return c.interruptPending.Swap(false)
}

// SetNextWakeupTick sets the millisecond clock value at which the timer
// semaphore is due. Zero disables it.
func (c *InterruptCheckpoint) SetNextWakeupTick(msTime int64) { c.nextWakeupTick.Store(msTime) }

// NextWakeupTick returns the pending wakeup time, or zero.
func (c *InterruptCheckpoint) NextWakeupTick() int64 { return c.nextWakeupTick.Load() }

// SetPendingFinalizations flags finalization work for the scheduler.
func (c *InterruptCheckpoint) SetPendingFinalizations(pending bool) {
	c.pendingFinalizations.Store(pending)
}

// SignalSemaphoreWithIndex queues an external semaphore signal.
func (c *InterruptCheckpoint) SignalSemaphoreWithIndex(index int) {
	c.mu.Lock()
	c.semaphores = append(c.semaphores, index)
	c.mu.Unlock()
}

// NextSemaphoreToSignal dequeues the oldest semaphore signal.
func (c *InterruptCheckpoint) NextSemaphoreToSignal() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.semaphores) == 0 {
		return 0, false
	}
	index := c.semaphores[0]
	c.semaphores = c.semaphores[1:]
	return index, true
}

func (c *InterruptCheckpoint) hasSemaphoresToSignal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.semaphores) > 0
}

// TriggerNoTimer raises the trigger without involving the timer, as a
// primitive yielding the processor would.
func (c *InterruptCheckpoint) TriggerNoTimer() { c.shouldTriggerNoTimer.Store(true) }

// Trigger raises the timer trigger.
func (c *InterruptCheckpoint) Trigger() { c.shouldTrigger.Store(true) }

// ShouldTrigger reports whether a safe point should switch processes.
func (c *InterruptCheckpoint) ShouldTrigger() bool {
	return c.shouldTrigger.Load() || c.shouldTriggerNoTimer.Load()
}

// Consume clears both trigger flags and reports whether either was set.
// The wakeup tick and pending interrupt are left for the scheduler.
func (c *InterruptCheckpoint) Consume() bool {
	timer := c.shouldTrigger.Swap(false)
	noTimer := c.shouldTriggerNoTimer.Swap(false)
	if timer || noTimer {
		c.Triggers.Add(1)
		return true
	}
	return false
}

// Reset clears all state and reactivates the checkpoint. The timer
// goroutine, if running, keeps running.
func (c *InterruptCheckpoint) Reset() {
	c.active.Store(true)
	c.shouldTrigger.Store(false)
	c.shouldTriggerNoTimer.Store(false)
	c.interruptPending.Store(false)
	c.nextWakeupTick.Store(0)
	c.pendingFinalizations.Store(false)
	c.mu.Lock()
	c.semaphores = nil
	c.mu.Unlock()
}
