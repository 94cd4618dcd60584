// Package session caches authenticated endpoint connections per owner.
// Sessions are expensive (a connect plus an authorization round trip), so
// the pool keeps them alive between transfers, bounded by capacity with
// LRU eviction and an idle reaper. Neither eviction nor reaping ever
// touches a session whose owner has a transfer in flight.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bulkpipe/bulkpipe/internal/remote"
)

var (
	// ErrNoCredentials means the owner has no stored authorization.
	ErrNoCredentials = errors.New("no stored credentials")
	// ErrInvalidSession means the stored credentials connected but did
	// not pass authorization; the caller may want to discard them.
	ErrInvalidSession = errors.New("stored session is not authorized")
	// ErrCreationFailed wraps transient connect/handshake failures.
	ErrCreationFailed = errors.New("session creation failed")
	// ErrSlotsFull means the pool is at capacity and every pooled owner
	// has an active transfer, so nothing can be evicted.
	ErrSlotsFull = errors.New("all session slots busy")
)

// CredentialStore supplies stored authorization material per owner.
type CredentialStore interface {
	Credentials(owner string) (remote.Credentials, bool)
}

// ActivityChecker reports whether an owner currently has a transfer in
// flight. Implemented by the admission controller.
type ActivityChecker interface {
	Active(owner string) bool
}

// Pool is the keyed session cache. A single mutex serializes every
// mutating operation, including session creation; concurrent callers for
// different owners queue behind each other by design.
type Pool struct {
	maxSessions int
	idleTimeout time.Duration
	dialer      remote.Dialer
	creds       CredentialStore
	activity    ActivityChecker
	logger      *slog.Logger

	mu           sync.Mutex
	entries      map[string]*entry
	order        *list.List // front = least recently used
	lastActivity map[string]time.Time
}

type entry struct {
	owner string
	sess  *remote.Session
	elem  *list.Element
}

// NewPool creates a session pool.
func NewPool(maxSessions int, idleTimeout time.Duration, dialer remote.Dialer, creds CredentialStore, activity ActivityChecker, logger *slog.Logger) *Pool {
	if maxSessions < 1 {
		maxSessions = 1
	}
	logger.Info("session pool initialized", "max_sessions", maxSessions, "idle_timeout", idleTimeout)
	return &Pool{
		maxSessions:  maxSessions,
		idleTimeout:  idleTimeout,
		dialer:       dialer,
		creds:        creds,
		activity:     activity,
		logger:       logger,
		entries:      make(map[string]*entry),
		order:        list.New(),
		lastActivity: make(map[string]time.Time),
	}
}

// GetOrCreate returns the owner's pooled session, creating one if needed.
// An existing session is moved to most recently used and its activity
// timestamp refreshed; a single logical transfer never re-authenticates.
// At capacity the least recently used owner without an active transfer is
// evicted; if every owner is active the call fails with ErrSlotsFull and
// no session is disturbed.
func (p *Pool) GetOrCreate(ctx context.Context, owner string) (*remote.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[owner]; ok {
		p.order.MoveToBack(e.elem)
		p.lastActivity[owner] = time.Now()
		p.logger.Debug("reusing pooled session", "owner", owner)
		return e.sess, nil
	}

	creds, ok := p.creds.Credentials(owner)
	if !ok {
		return nil, ErrNoCredentials
	}

	if len(p.entries) >= p.maxSessions {
		if !p.evictLocked() {
			p.logger.Warn("cannot pool session: every slot has an active transfer",
				"owner", owner, "max_sessions", p.maxSessions)
			return nil, ErrSlotsFull
		}
	}

	sess, err := remote.NewSession(ctx, p.dialer, owner, creds, p.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}
	authorized, err := sess.Authorized(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %w", ErrCreationFailed, err)
	}
	if !authorized {
		_ = sess.Close()
		p.logger.Error("stored session is not authorized", "owner", owner)
		return nil, ErrInvalidSession
	}

	e := &entry{owner: owner, sess: sess}
	e.elem = p.order.PushBack(e)
	p.entries[owner] = e
	p.lastActivity[owner] = time.Now()
	p.logger.Info("pooled new session", "owner", owner, "sessions", len(p.entries), "max_sessions", p.maxSessions)
	return sess, nil
}

// evictLocked disconnects the least recently used owner without an active
// transfer. Reports whether a slot was freed.
func (p *Pool) evictLocked() bool {
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if p.activity != nil && p.activity.Active(e.owner) {
			continue
		}
		p.dropLocked(e)
		p.logger.Info("evicted least recently used idle session", "owner", e.owner)
		return true
	}
	return false
}

func (p *Pool) dropLocked(e *entry) {
	if err := e.sess.Close(); err != nil {
		p.logger.Debug("error disconnecting session", "owner", e.owner, "err", err)
	}
	p.order.Remove(e.elem)
	delete(p.entries, e.owner)
	delete(p.lastActivity, e.owner)
}

// Remove disconnects and drops the owner's session unconditionally
// (explicit logout), regardless of activity state.
func (p *Pool) Remove(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[owner]; ok {
		p.dropLocked(e)
		p.logger.Info("removed session", "owner", owner)
	}
}

// Touch refreshes the owner's activity timestamp without changing LRU
// order. Called when a transfer finishes so the idle clock restarts.
func (p *Pool) Touch(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[owner]; ok {
		p.lastActivity[owner] = time.Now()
	}
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ReapIdle disconnects sessions idle past the timeout. Owners with an
// active transfer are skipped and logged, never interrupted. Activity
// timestamps with no corresponding session are purged.
func (p *Pool) ReapIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reaped := 0
	for owner, last := range p.lastActivity {
		idle := now.Sub(last)
		if idle < p.idleTimeout {
			continue
		}
		e, ok := p.entries[owner]
		if !ok {
			delete(p.lastActivity, owner)
			p.logger.Debug("purged orphaned activity entry", "owner", owner)
			continue
		}
		if p.activity != nil && p.activity.Active(owner) {
			p.logger.Info("skipping idle reap: owner has active transfer", "owner", owner, "idle", idle)
			continue
		}
		p.dropLocked(e)
		reaped++
		p.logger.Info("reaped idle session", "owner", owner, "idle", idle)
	}
	return reaped
}

// DisconnectAll tears down every pooled session (shutdown path).
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if err := e.sess.Close(); err != nil {
			p.logger.Debug("error disconnecting session", "owner", e.owner, "err", err)
		}
	}
	p.entries = make(map[string]*entry)
	p.order.Init()
	p.lastActivity = make(map[string]time.Time)
	p.logger.Info("all sessions disconnected")
}

// RunReaper reaps idle sessions on the given interval until ctx is done.
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.ReapIdle(now)
		}
	}
}
