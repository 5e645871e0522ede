// Package drain implements the in-band stop protocol of a consumer:
// RUNNING until a stop command arrives after the dwell time, DRAINING while
// outstanding work completes, then HALTED.
package drain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/reconciler/internal/model"
)

// State is a consumer lifecycle state.
type State int32

const (
	Running State = iota
	Draining
	Halted
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case Halted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultDwell        = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Config tunes a Controller. Zero durations fall back to the defaults.
type Config struct {
	StopCode     model.CommandCode
	Dwell        time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	// OnHalt is called once, from the poll goroutine, after the state
	// becomes Halted. The process supervisor decides what halting means.
	OnHalt func()
}

// Controller tracks one consumer's stop state. idle must report true only
// when no flush is in flight and every buffer is empty.
type Controller struct {
	name   string
	cfg    Config
	idle   func() bool
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	firstSeen time.Time

	draining chan struct{}
	halted   chan struct{}
}

// New creates a controller in the Running state.
func New(name string, cfg Config, idle func() bool) *Controller {
	if cfg.Dwell <= 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		name:     name,
		cfg:      cfg,
		idle:     idle,
		logger:   slog.With("consumer", name),
		draining: make(chan struct{}),
		halted:   make(chan struct{}),
	}
}

// Observe inspects a command batch. The first batch ever observed starts the
// dwell clock; a stop code seen once the dwell has elapsed moves the
// controller to Draining. It reports whether this call made the transition.
func (c *Controller) Observe(commands []model.Command) bool {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.firstSeen.IsZero() {
		c.firstSeen = now
	}
	if c.state != Running || !model.HasCode(commands, c.cfg.StopCode) {
		return false
	}
	if elapsed := now.Sub(c.firstSeen); elapsed < c.cfg.Dwell {
		c.logger.Warn("stop code ignored before dwell elapsed",
			"code", c.cfg.StopCode, "elapsed", elapsed, "dwell", c.cfg.Dwell)
		return false
	}

	c.state = Draining
	close(c.draining)
	c.logger.Info("stop code received, draining", "code", c.cfg.StopCode)
	return true
}

// Run waits for the Draining transition, then polls idle every PollInterval
// until it reports true and the controller halts. Returns when halted or
// when ctx is done.
func (c *Controller) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-c.draining:
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.idle() {
				continue
			}
			c.mu.Lock()
			c.state = Halted
			c.mu.Unlock()
			close(c.halted)

			c.logger.Info("drained, halting")
			if c.cfg.OnHalt != nil {
				c.cfg.OnHalt()
			}
			return
		}
	}
}

// Park blocks a caller that delivered a batch after draining began. It never
// returns on its own; only ctx cancellation releases it.
func (c *Controller) Park(ctx context.Context) error {
	c.logger.Debug("batch parked while draining")
	<-ctx.Done()
	return ctx.Err()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepting reports whether new batches may be processed.
func (c *Controller) Accepting() bool { return c.State() == Running }

// Halted is closed once the controller reaches Halted.
func (c *Controller) Halted() <-chan struct{} { return c.halted }
