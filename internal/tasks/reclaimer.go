package tasks

import (
	"sync"
	"time"
)

// Reclaimer cancels orphaned task records left behind by a previous process.
// A record is an orphan when it is active in the durable tier, has no
// volatile entry, and is older than the grace window. Sweeps run once at
// startup, on a timer, and on demand before submissions.
type Reclaimer struct {
	registry *Registry
	events   *EventBus
	grace    time.Duration
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	started bool
}

// NewReclaimer creates a reclaimer with the given grace window and sweep
// interval.
func NewReclaimer(registry *Registry, events *EventBus, grace, interval time.Duration) *Reclaimer {
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &Reclaimer{
		registry: registry,
		events:   events,
		grace:    grace,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start runs an immediate sweep and begins periodic sweeps in the
// background. Calling Start more than once is a no-op.
func (c *Reclaimer) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.Sweep()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends periodic sweeping.
func (c *Reclaimer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stop)
}

// Sweep reclaims orphans once and publishes one event per reclaimed task.
func (c *Reclaimer) Sweep() int {
	reclaimed, err := c.registry.ReclaimOrphans(c.grace)
	if err != nil {
		return 0
	}

	for _, task := range reclaimed {
		c.events.Publish(Event{
			TaskID:  task.ID,
			Type:    EventTypeReclaim,
			Status:  task.Status,
			Message: task.Message,
		})
	}
	return len(reclaimed)
}
