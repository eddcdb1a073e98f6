// Package connpool is the Connection Pool (C1): it produces, caches,
// health-checks, and retires IMAP sessions, enforcing per-host concurrency
// and rate discipline. The host-group locking/waiter pattern (per-host
// mutex, a priority-ordered heap of waiters each woken through its own
// channel, an atomic live-session counter) is grounded on a pooled-resource
// manager from the example corpus; see DESIGN.md.
package connpool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	atomicpkg "go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
)

const (
	creationMaxRetries = 3
	creationBaseDelay  = 1 * time.Second
	creationMaxDelay   = 5 * time.Second

	livenessSweepInterval = 5 * time.Minute
	orphanPurgeInterval   = 10 * time.Minute
	livenessSweepFanout   = 16
)

// Factory dials and authenticates a new Session for a mailbox. Supplied by
// internal/imapconn at wiring time — the Pool never constructs IMAP
// transport details itself.
type Factory func(ctx context.Context, mb model.Mailbox) (SessionImpl, error)

// ReconnectNotifier is invoked when a cached session fails its liveness
// check, so the Scheduler can mark the mailbox for reconnection. Replaces
// the source's ad-hoc event-emitter mesh with a single typed callback.
type ReconnectNotifier func(mailboxID string, cause error)

// HostLimits configures one host group's capacity and rate budget.
type HostLimits struct {
	MaxConcurrent int           // C_host
	RateWindow    time.Duration // W
	MaxPerWindow  int           // R_host
}

// Config configures a Pool.
type Config struct {
	Factory           Factory
	DefaultLimits     HostLimits
	OnReconnectNeeded ReconnectNotifier
}

// Pool is the Connection Pool. Explicitly constructed via New and owned by
// the application context — never a package-level singleton.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]*hostGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.DefaultLimits.MaxConcurrent == 0 {
		cfg.DefaultLimits.MaxConcurrent = 80
	}
	if cfg.DefaultLimits.RateWindow == 0 {
		cfg.DefaultLimits.RateWindow = 60 * time.Second
	}
	if cfg.DefaultLimits.MaxPerWindow == 0 {
		cfg.DefaultLimits.MaxPerWindow = 200
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		groups: make(map[string]*hostGroup),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.livenessLoop() }()
	go func() { defer p.wg.Done(); p.orphanPurgeLoop() }()
	return p
}

// hostGroup owns every live session whose mailbox resolves to the same
// canonical host, plus the capacity/rate budget they share.
//
// Locking discipline: mu guards sessions, waiters and the rate window
// ring; it is also the lock backing cond, which callers must hold while
// calling cond.Wait/Signal/Broadcast. liveCount is an atomic counter, but
// admit and Utilization read and update it with mu held.
type hostGroup struct {
	key    string
	limits HostLimits

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*Session // mailboxID -> session
	waiters  waiterHeap

	liveCount   atomicpkg.Int32
	windowStart time.Time
	windowCount int

	breaker *gobreaker.CircuitBreaker
}

type waiter struct {
	priority model.Priority
	seq      int64
	ready    chan struct{}
}

// waiterHeap is a priority queue: higher priority first, FIFO (lower seq)
// within a tier.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waiterHeap) Push(x any)        { *h = append(*h, x.(*waiter)) }
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (p *Pool) groupFor(host string) *hostGroup {
	canon := canonicalizeHost(host)
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[canon]
	if ok {
		return g
	}
	g = &hostGroup{
		key:         canon,
		limits:      p.cfg.DefaultLimits,
		sessions:    make(map[string]*Session),
		windowStart: time.Now(),
	}
	g.cond = sync.NewCond(&g.mu)
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connpool-" + canon,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	p.groups[canon] = g
	return g
}

// deadlineFor derives the per-request capacity-wait deadline from task
// priority: higher-priority requests, which are woken first, get the
// shorter wait before failing with ErrBusy.
func deadlineFor(priority model.Priority) time.Duration {
	switch priority {
	case model.PriorityHigh:
		return 10 * time.Second
	case model.PriorityMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

var seqCounter atomicpkg.Int64

// Acquire returns a live session for mb, creating one if needed. It blocks
// on the host group's wait queue if capacity or rate budget is exhausted,
// up to a deadline derived from priority; exceeding it yields ferrors.ErrBusy.
func (p *Pool) Acquire(ctx context.Context, mb model.Mailbox, priority model.Priority) (*Session, error) {
	g := p.groupFor(mb.Host)

	// Fast path: cached session that passes a liveness probe.
	g.mu.Lock()
	if sess, ok := g.sessions[mb.ID]; ok {
		g.mu.Unlock()
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sess.Noop(probeCtx)
		cancel()
		if err == nil {
			sess.LastUsedAt = time.Now()
			return sess, nil
		}
		slog.Debug("cached session failed liveness probe, recreating", "mailbox", mb.ID, "error", err)
		g.mu.Lock()
		delete(g.sessions, mb.ID)
		g.liveCount.Dec()
		g.mu.Unlock()
		_ = sess.Close()
		g.mu.Lock()
	}
	g.mu.Unlock()

	deadline := time.Now().Add(deadlineFor(priority))
	return p.acquireNew(ctx, g, mb, priority, deadline)
}

func (p *Pool) acquireNew(ctx context.Context, g *hostGroup, mb model.Mailbox, priority model.Priority, deadline time.Time) (*Session, error) {
	for {
		g.mu.Lock()
		if g.admit() {
			g.mu.Unlock()
			sess, err := p.createSession(ctx, g, mb)
			if err != nil {
				g.mu.Lock()
				g.liveCount.Dec()
				g.mu.Unlock()
				return nil, err
			}
			return sess, nil
		}

		w := &waiter{priority: priority, seq: seqCounter.Inc(), ready: make(chan struct{})}
		heap.Push(&g.waiters, w)
		g.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(g, w)
			return nil, fmt.Errorf("acquire %s: %w", mb.ID, ferrors.ErrBusy)
		}

		select {
		case <-w.ready:
			continue
		case <-time.After(remaining):
			p.removeWaiter(g, w)
			return nil, fmt.Errorf("acquire %s: %w", mb.ID, ferrors.ErrBusy)
		case <-ctx.Done():
			p.removeWaiter(g, w)
			return nil, ctx.Err()
		case <-p.ctx.Done():
			p.removeWaiter(g, w)
			return nil, fmt.Errorf("pool shutting down")
		}
	}
}

func (p *Pool) removeWaiter(g *hostGroup, target *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == target {
			heap.Remove(&g.waiters, i)
			return
		}
	}
}

// admit checks (and, if granted, reserves) host capacity and rate budget.
// Caller must hold g.mu.
func (g *hostGroup) admit() bool {
	now := time.Now()
	if now.Sub(g.windowStart) >= g.limits.RateWindow {
		g.windowStart = now
		g.windowCount = 0
	}
	if int(g.liveCount.Load()) >= g.limits.MaxConcurrent {
		return false
	}
	if g.windowCount >= g.limits.MaxPerWindow {
		return false
	}
	g.windowCount++
	g.liveCount.Inc()
	return true
}

func (p *Pool) createSession(ctx context.Context, g *hostGroup, mb model.Mailbox) (*Session, error) {
	result, err := g.breaker.Execute(func() (any, error) {
		return p.dialWithRetry(ctx, mb)
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", mb.ID, err)
	}

	sess := NewSession(mb.ID, g.key, result.(SessionImpl))

	g.mu.Lock()
	g.sessions[mb.ID] = sess
	g.mu.Unlock()
	return sess, nil
}

func (p *Pool) dialWithRetry(ctx context.Context, mb model.Mailbox) (SessionImpl, error) {
	var lastErr error
	delay := creationBaseDelay
	for attempt := 1; attempt <= creationMaxRetries; attempt++ {
		impl, err := p.cfg.Factory(ctx, mb)
		if err == nil {
			return impl, nil
		}
		lastErr = err
		slog.Warn("session creation failed", "mailbox", mb.ID, "attempt", attempt, "error", err)
		if attempt == creationMaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > creationMaxDelay {
			delay = creationMaxDelay
		}
	}
	return nil, fmt.Errorf("%w: %v", ferrors.ErrTransient, lastErr)
}

// Release returns a borrowed session to the pool for reuse. It does not
// close the underlying connection; EvictDead does that.
func (p *Pool) Release(mailboxID, host string) {
	g := p.groupFor(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		close(w.ready)
	}
}

// EvictDead removes and closes a session known to be unhealthy (e.g. the
// Session Monitor observed a connection error mid-task).
func (p *Pool) EvictDead(mailboxID, host string, cause error) {
	g := p.groupFor(host)
	g.mu.Lock()
	sess, ok := g.sessions[mailboxID]
	if ok {
		delete(g.sessions, mailboxID)
		g.liveCount.Dec()
	}
	if g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		close(w.ready)
	}
	g.mu.Unlock()

	if ok {
		_ = sess.Close()
	}
	if p.cfg.OnReconnectNeeded != nil {
		p.cfg.OnReconnectNeeded(mailboxID, cause)
	}
}

// livenessLoop NOOPs every cached session every ~5 minutes; failures are
// closed, removed, and surfaced to the Scheduler via OnReconnectNeeded.
func (p *Pool) livenessLoop() {
	ticker := time.NewTicker(livenessSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepLiveness()
		}
	}
}

// sweepLiveness NOOPs every cached session across every host group. Probes
// are independent per mailbox — unlike envelope submission there is no
// cross-session ordering requirement — so they fan out concurrently,
// bounded to livenessSweepFanout in flight so a fleet of thousands of
// sessions doesn't open thousands of simultaneous probes at once.
func (p *Pool) sweepLiveness() {
	p.mu.Lock()
	groups := make([]*hostGroup, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(p.ctx)
	g.SetLimit(livenessSweepFanout)

	for _, hg := range groups {
		hg.mu.Lock()
		targets := make([]*Session, 0, len(hg.sessions))
		for _, sess := range hg.sessions {
			targets = append(targets, sess)
		}
		hg.mu.Unlock()

		for _, sess := range targets {
			hostKey, sess := hg.key, sess
			g.Go(func() error {
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := sess.Noop(probeCtx)
				cancel()
				if err != nil {
					slog.Info("liveness sweep: session unhealthy, evicting", "mailbox", sess.MailboxID, "host", hostKey, "error", err)
					p.EvictDead(sess.MailboxID, hostKey, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// orphanPurgeLoop removes host groups that are empty (no sessions, no
// waiters) every ~10 minutes, so bookkeeping for mailboxes that were
// deactivated does not accumulate indefinitely.
func (p *Pool) orphanPurgeLoop() {
	ticker := time.NewTicker(orphanPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.purgeOrphans()
		}
	}
}

func (p *Pool) purgeOrphans() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, g := range p.groups {
		g.mu.Lock()
		empty := len(g.sessions) == 0 && g.waiters.Len() == 0
		g.mu.Unlock()
		if empty {
			delete(p.groups, key)
		}
	}
}

// Utilization reports live/max session counts per host, for the
// observability surface's per-host pool utilization view.
type Utilization struct {
	Host          string
	LiveSessions  int
	MaxConcurrent int
	Waiters       int
}

func (p *Pool) Utilization() []Utilization {
	p.mu.Lock()
	groups := make([]*hostGroup, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	out := make([]Utilization, 0, len(groups))
	for _, g := range groups {
		g.mu.Lock()
		u := Utilization{
			Host:          g.key,
			LiveSessions:  int(g.liveCount.Load()),
			MaxConcurrent: g.limits.MaxConcurrent,
			Waiters:       g.waiters.Len(),
		}
		g.mu.Unlock()
		out = append(out, u)
	}
	return out
}

// Shutdown cancels background loops and closes every live session,
// joining errors with multierr instead of returning only the first one.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, g := range p.groups {
		g.mu.Lock()
		for id, sess := range g.sessions {
			if cerr := sess.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("close %s: %w", id, cerr))
			}
		}
		g.sessions = make(map[string]*Session)
		g.mu.Unlock()
	}
	return err
}
