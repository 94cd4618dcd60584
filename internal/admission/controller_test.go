package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkpipe/bulkpipe/internal/logging"
)

func newTestController(cfg Config, onRelease func(string)) (*Controller, *time.Time) {
	now := time.Now()
	c := NewController(cfg, onRelease, logging.New("test", "error"))
	c.now = func() time.Time { return now }
	return c, &now
}

func waitIdle(t *testing.T, c *Controller, owner string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.Active(owner)
	}, 2*time.Second, 5*time.Millisecond, "owner %s never released", owner)
}

func TestStartRunsAndReleases(t *testing.T) {
	released := make(chan string, 1)
	c, _ := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute}, func(owner string) {
		released <- owner
	})

	ran := make(chan struct{})
	err := c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	require.NoError(t, err)

	<-ran
	waitIdle(t, c, "alice")
	assert.Equal(t, "alice", <-released)
	assert.Equal(t, StateCooling, c.Status("alice"))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestStartRejectsAlreadyActive(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4}, nil)

	block := make(chan struct{})
	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error {
		<-block
		return nil
	}))
	defer close(block)

	err := c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, StateActive, c.Status("alice"))
}

func TestStartEnforcesGlobalCeiling(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 2}, nil)

	block := make(chan struct{})
	defer close(block)
	wait := func(ctx context.Context) error { <-block; return nil }

	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, wait))
	require.NoError(t, c.Start(t.Context(), "bob", TierStandard, wait))

	err := c.Start(t.Context(), "carol", TierStandard, wait)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, c.ActiveCount())
}

func TestCooldownBlocksUntilExpiry(t *testing.T) {
	c, now := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute, PrivilegedDelay: 10 * time.Second}, nil)

	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error { return nil }))
	waitIdle(t, c, "alice")
	require.Equal(t, StateCooling, c.Status("alice"))

	var cooldown *CooldownError
	err := c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error { return nil })
	require.ErrorAs(t, err, &cooldown)
	assert.InDelta(t, time.Minute, cooldown.Remaining, float64(time.Second))

	*now = now.Add(61 * time.Second)
	assert.Equal(t, StateIdle, c.Status("alice"))
	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error { return nil }))
	waitIdle(t, c, "alice")
}

func TestPrivilegedTierShorterCooldown(t *testing.T) {
	c, now := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute, PrivilegedDelay: 10 * time.Second}, nil)

	require.NoError(t, c.Start(t.Context(), "vip", TierPrivileged, func(ctx context.Context) error { return nil }))
	waitIdle(t, c, "vip")
	require.Equal(t, StateCooling, c.Status("vip"))

	*now = now.Add(11 * time.Second)
	assert.Equal(t, StateIdle, c.Status("vip"))
}

func TestCancelStillAppliesCooldown(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute}, nil)

	started := make(chan struct{})
	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	assert.True(t, c.Cancel("alice"))
	assert.Equal(t, StateCooling, c.Status("alice"))
	assert.False(t, c.Cancel("alice"), "second cancel has nothing to abort")
}

func TestBatchHoldOutlivesInnerTransfers(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute}, nil)

	require.NoError(t, c.AddHold("batch-owner", TierStandard))
	for range 5 {
		require.NoError(t, c.AddHold("batch-owner", TierStandard))
		assert.Equal(t, StateActive, c.Status("batch-owner"))
		c.ReleaseHold("batch-owner")
		assert.Equal(t, StateActive, c.Status("batch-owner"),
			"owner must stay active between batch items")
	}

	c.ReleaseHold("batch-owner")
	assert.Equal(t, StateCooling, c.Status("batch-owner"))
}

func TestBatchCountsAsOneOccupancy(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4}, nil)

	require.NoError(t, c.AddHold("alice", TierStandard))
	require.NoError(t, c.AddHold("alice", TierStandard))
	assert.Equal(t, 1, c.ActiveCount())

	c.ReleaseHold("alice")
	c.ReleaseHold("alice")
	assert.Equal(t, 0, c.ActiveCount())
}

func TestCancelAll(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4}, nil)

	for _, owner := range []string{"alice", "bob", "carol"} {
		require.NoError(t, c.Start(t.Context(), owner, TierStandard, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	}
	assert.Equal(t, 3, c.CancelAll())
	assert.Equal(t, 0, c.ActiveCount())
}

func TestSweepStale(t *testing.T) {
	c, now := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute}, nil)

	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error { return nil }))
	waitIdle(t, c, "alice")

	// A finished task handle left behind by a racing release.
	doneTask := &task{cancel: func() {}, done: make(chan struct{})}
	close(doneTask.done)
	c.mu.Lock()
	c.tasks["zombie"] = doneTask
	c.mu.Unlock()

	*now = now.Add(2 * time.Minute)
	c.SweepStale(*now)

	c.mu.Lock()
	_, hasZombie := c.tasks["zombie"]
	_, hasCooldown := c.cooldownUntil["alice"]
	c.mu.Unlock()
	assert.False(t, hasZombie, "finished task handle not swept")
	assert.False(t, hasCooldown, "expired cooldown not swept")
}

func TestRunErrorStillCools(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 4, StandardDelay: time.Minute}, nil)

	require.NoError(t, c.Start(t.Context(), "alice", TierStandard, func(ctx context.Context) error {
		return errors.New("mid-transfer failure")
	}))
	waitIdle(t, c, "alice")
	assert.Equal(t, StateCooling, c.Status("alice"))
}
