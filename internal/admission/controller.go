// Package admission gates transfer starts. It enforces one transfer per
// owner, a global concurrency ceiling, and a per-tier cooldown after
// each transfer finishes. Holds are reference counted so a batch that
// runs several transfers under one owner counts as a single occupancy.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyActive means the owner already holds a transfer slot.
	ErrAlreadyActive = errors.New("owner already has an active transfer")
	// ErrCapacity means the global concurrency ceiling is reached.
	ErrCapacity = errors.New("transfer capacity exceeded")
)

// CooldownError rejects a start that arrives before the owner's
// cooldown has expired.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("owner is cooling down for another %s", e.Remaining.Round(time.Second))
}

// Tier selects the cooldown duration applied after an owner's last hold
// is released.
type Tier int

const (
	TierStandard Tier = iota
	TierPrivileged
)

func (t Tier) String() string {
	if t == TierPrivileged {
		return "privileged"
	}
	return "standard"
}

// State is the owner's position in the Idle -> Active -> Cooling cycle.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCooling:
		return "cooling"
	default:
		return "idle"
	}
}

// Config tunes the controller.
type Config struct {
	// MaxConcurrent caps the number of simultaneously active owners.
	MaxConcurrent int
	// StandardDelay is the post-transfer cooldown for standard owners.
	StandardDelay time.Duration
	// PrivilegedDelay is the shorter cooldown for privileged owners.
	PrivilegedDelay time.Duration
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller tracks active transfers and cooldowns. One mutex guards
// all of its maps; every mutating operation runs under it.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	onRelease func(owner string)
	now       func() time.Time

	mu            sync.Mutex
	refs          map[string]int
	tiers         map[string]Tier
	tasks         map[string]*task
	cooldownUntil map[string]time.Time
}

// NewController creates an admission controller. onRelease, if non-nil,
// runs after an owner's last hold is released (used to refresh the
// owner's session-pool activity timestamp); it must not call back into
// the controller.
func NewController(cfg Config, onRelease func(owner string), logger *slog.Logger) *Controller {
	logger.Info("admission controller initialized",
		"max_concurrent", cfg.MaxConcurrent,
		"standard_delay", cfg.StandardDelay,
		"privileged_delay", cfg.PrivilegedDelay)
	return &Controller{
		cfg:           cfg,
		logger:        logger,
		onRelease:     onRelease,
		now:           time.Now,
		refs:          make(map[string]int),
		tiers:         make(map[string]Tier),
		tasks:         make(map[string]*task),
		cooldownUntil: make(map[string]time.Time),
	}
}

// Start admits the owner and launches run as a tracked, cancellable
// task. Rejections are synchronous and side-effect free: a pending
// cooldown yields *CooldownError, a held slot yields ErrAlreadyActive,
// and a full controller yields ErrCapacity. The completion path always
// runs when run returns, releasing the hold and applying the cooldown
// whether run succeeded, failed, or was cancelled.
func (c *Controller) Start(ctx context.Context, owner string, tier Tier, run func(ctx context.Context) error) error {
	c.mu.Lock()
	if err := c.admitLocked(owner); err != nil {
		c.mu.Unlock()
		return err
	}

	c.refs[owner]++
	c.tiers[owner] = tier

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	c.tasks[owner] = t
	c.logger.Info("transfer admitted", "owner", owner, "tier", tier, "active", len(c.refs))
	c.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		defer c.ReleaseHold(owner)
		if err := run(taskCtx); err != nil {
			c.logger.Warn("transfer task finished with error", "owner", owner, "err", err)
		}
	}()
	return nil
}

func (c *Controller) admitLocked(owner string) error {
	if until, ok := c.cooldownUntil[owner]; ok {
		if remaining := until.Sub(c.now()); remaining > 0 {
			return &CooldownError{Remaining: remaining}
		}
		delete(c.cooldownUntil, owner)
	}
	if c.refs[owner] > 0 {
		return ErrAlreadyActive
	}
	if len(c.refs) >= c.cfg.MaxConcurrent {
		return ErrCapacity
	}
	return nil
}

// AddHold takes an extra reference on an already admissible owner. A
// batch takes its own hold before starting its items so the owner stays
// Active between them; the batch hold must outlive every inner one.
// The first hold for an owner goes through the same admission checks
// as Start.
func (c *Controller) AddHold(owner string, tier Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[owner] == 0 {
		if err := c.admitLocked(owner); err != nil {
			return err
		}
		c.tiers[owner] = tier
	}
	c.refs[owner]++
	return nil
}

// ReleaseHold drops one reference. When the count reaches zero the
// owner transitions to Cooling with the delay of the tier recorded at
// admission, and the release hook fires.
func (c *Controller) ReleaseHold(owner string) {
	c.mu.Lock()
	if c.refs[owner] == 0 {
		c.mu.Unlock()
		return
	}
	c.refs[owner]--
	if c.refs[owner] > 0 {
		c.mu.Unlock()
		return
	}

	delete(c.refs, owner)
	delete(c.tasks, owner)
	tier := c.tiers[owner]
	delete(c.tiers, owner)
	delay := c.cfg.StandardDelay
	if tier == TierPrivileged {
		delay = c.cfg.PrivilegedDelay
	}
	if delay > 0 {
		c.cooldownUntil[owner] = c.now().Add(delay)
	}
	c.logger.Info("transfer hold released", "owner", owner, "cooldown", delay, "active", len(c.refs))
	c.mu.Unlock()

	if c.onRelease != nil {
		c.onRelease(owner)
	}
}

// Cancel aborts the owner's tracked task, if any. The task's completion
// path still runs, so the cooldown applies the same as a normal finish.
// Reports whether a task was cancelled.
func (c *Controller) Cancel(owner string) bool {
	c.mu.Lock()
	t, ok := c.tasks[owner]
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.logger.Info("cancelling transfer", "owner", owner)
	t.cancel()
	<-t.done
	return true
}

// CancelAll aborts every tracked task and waits for their completion
// paths to run. Returns the number of tasks cancelled.
func (c *Controller) CancelAll() int {
	c.mu.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for owner, t := range c.tasks {
		c.logger.Info("cancelling transfer", "owner", owner)
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	return len(tasks)
}

// Active reports whether the owner holds at least one reference. This
// is the activity check the session pool consults before evicting or
// reaping.
func (c *Controller) Active(owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[owner] > 0
}

// ActiveCount returns the number of owners currently holding a slot.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

// Status returns the owner's admission state.
func (c *Controller) Status(owner string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[owner] > 0 {
		return StateActive
	}
	if until, ok := c.cooldownUntil[owner]; ok && until.After(c.now()) {
		return StateCooling
	}
	return StateIdle
}

// Cooldown returns the time remaining on the owner's cooldown, or zero.
func (c *Controller) Cooldown(owner string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.cooldownUntil[owner]; ok {
		if remaining := until.Sub(c.now()); remaining > 0 {
			return remaining
		}
	}
	return 0
}

// SweepStale drops finished task handles that a racing release did not
// clear, and expired cooldown entries, so neither map grows without
// bound.
func (c *Controller) SweepStale(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for owner, t := range c.tasks {
		select {
		case <-t.done:
			delete(c.tasks, owner)
			c.logger.Debug("swept finished task handle", "owner", owner)
		default:
		}
	}
	for owner, until := range c.cooldownUntil {
		if !until.After(now) {
			delete(c.cooldownUntil, owner)
		}
	}
}

// RunSweeper sweeps stale bookkeeping on the given interval until ctx
// is done.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.SweepStale(now)
		}
	}
}
