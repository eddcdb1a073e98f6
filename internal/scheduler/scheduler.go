// Package scheduler is the Scheduler (C3): holds one Schedule Entry per
// active mailbox, ticks every 10s to emit due tasks onto the Worker
// Fleet's queue, and adjusts priority/interval/IDLE-enablement from
// reported outcomes. The single-ticker-plus-per-entry-timer shape
// generalizes the cron-style loop used throughout the example corpus for
// periodic background work.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meko-christian/imap-fleet/internal/model"
)

const (
	tickInterval = 10 * time.Second

	highInterval   = 60 * time.Second
	mediumInterval = 300 * time.Second
	lowInterval    = 900 * time.Second

	idleRetryFloor   = 300 * time.Second
	idleBackoffBase  = 60 * time.Second
	idleBackoffCap   = 300 * time.Second
	pollBackoffCap   = 300 * time.Second
	quarantineCap    = 1 * time.Hour
	maxRetriesPerTask = 2
)

// Enqueuer is the subset of the Worker Fleet's surface the Scheduler uses
// to publish due tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.Task) error
}

// Scheduler owns the schedule-entry map. All structural mutation happens
// under mu; the tick loop is single-threaded over entries so next-due
// computations stay consistent.
type Scheduler struct {
	enqueuer Enqueuer

	mu      sync.Mutex
	entries map[string]*model.ScheduleEntry
	mboxes  map[string]model.Mailbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timers map[string]*time.Timer
}

// SetEnqueuer binds the Worker Fleet after both have been constructed,
// breaking the Scheduler/Worker Fleet constructor cycle (the fleet also
// needs a reference back to the Scheduler as its OutcomeReporter).
func (s *Scheduler) SetEnqueuer(enqueuer Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueuer = enqueuer
}

func New(enqueuer Enqueuer) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		enqueuer: enqueuer,
		entries:  make(map[string]*model.ScheduleEntry),
		mboxes:   make(map[string]model.Mailbox),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the 10s tick loop. Must be called once after the initial
// mailbox set has been loaded via Sync.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tickLoop()
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now()
	s.mu.Lock()
	due := make([]*model.ScheduleEntry, 0)
	for _, e := range s.entries {
		if e.Active && !e.NextDueAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.emit(e)
	}
}

// emit publishes one task for entry and advances NextDueAt optimistically
// (the real advance happens again on ReportOutcome, but this prevents a
// slow enqueue from causing a double-emit on the next tick).
func (s *Scheduler) emit(e *model.ScheduleEntry) {
	s.mu.Lock()
	mb, ok := s.mboxes[e.MailboxID]
	if !ok || !e.Active {
		s.mu.Unlock()
		return
	}
	kind := s.nextTaskKind(e)
	e.NextDueAt = time.Now().Add(e.Interval)
	if kind == model.TaskIdle {
		e.Idle.LastAttemptAt = time.Now()
	}
	s.mu.Unlock()

	task := model.Task{
		ID:         uuid.NewString(),
		MailboxID:  e.MailboxID,
		Mailbox:    mb,
		Priority:   e.Priority,
		Kind:       kind,
		EnqueuedAt: time.Now(),
		MaxRetries: maxRetriesPerTask,
	}

	if err := s.enqueuer.Enqueue(s.ctx, task); err != nil {
		slog.Warn("failed to enqueue task", "mailbox", e.MailboxID, "kind", kind, "error", err)
	}

	s.armPreciseTimer(e)
}

// armPreciseTimer schedules a one-shot timer for high-priority entries so
// they don't wait for the next 10s tick to be noticed once due — the
// tick loop remains the correctness backstop for every tier. Caller must
// not hold mu.
func (s *Scheduler) armPreciseTimer(e *model.ScheduleEntry) {
	s.mu.Lock()
	if old, ok := s.timers[e.MailboxID]; ok {
		old.Stop()
		delete(s.timers, e.MailboxID)
	}
	if e.Priority != model.PriorityHigh || !e.Active {
		s.mu.Unlock()
		return
	}
	delay := time.Until(e.NextDueAt)
	s.mu.Unlock()
	if delay <= 0 {
		delay = time.Millisecond
	}

	s.mu.Lock()
	s.timers[e.MailboxID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if !e.Active || time.Now().Before(e.NextDueAt) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.emit(e)
	})
	s.mu.Unlock()
}

// nextTaskKind decides whether an entry is due for an IDLE session or a
// plain poll. Caller must hold mu.
func (s *Scheduler) nextTaskKind(e *model.ScheduleEntry) model.TaskKind {
	if e.Idle.Enabled && e.Idle.Supported &&
		time.Since(e.Idle.LastAttemptAt) > idleRetryFloor {
		return model.TaskIdle
	}
	return model.TaskPoll
}

// Sync replaces the tracked mailbox set, adding schedule entries for new
// active mailboxes and deactivating entries for mailboxes no longer
// present or no longer active. In-flight tasks for a removed schedule are
// allowed to complete but are not re-enqueued.
func (s *Scheduler) Sync(mailboxes []model.Mailbox, idleDefault func(host string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(mailboxes))
	for _, mb := range mailboxes {
		seen[mb.ID] = true
		s.mboxes[mb.ID] = mb
		if e, ok := s.entries[mb.ID]; ok {
			e.Active = mb.Active
			e.BasePriority = priorityFromVolume(mb.DailySendLimit)
			continue
		}
		priority := priorityFromVolume(mb.DailySendLimit)
		s.entries[mb.ID] = &model.ScheduleEntry{
			MailboxID:    mb.ID,
			Priority:     priority,
			BasePriority: priority,
			Interval:     intervalFor(priority),
			NextDueAt:   time.Now(),
			VolumeTier:  model.VolumeLow,
			SuccessRate: 1,
			Active:      mb.Active,
			Idle: model.IdleState{
				Supported: idleDefault(mb.Host),
				Enabled:   idleDefault(mb.Host),
			},
		}
	}

	for id, e := range s.entries {
		if !seen[id] {
			e.Active = false
		}
	}
}

func priorityFromVolume(dailyLimit int) model.Priority {
	switch {
	case dailyLimit > 1000:
		return model.PriorityHigh
	case dailyLimit > 100:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func intervalFor(p model.Priority) time.Duration {
	switch p {
	case model.PriorityHigh:
		return highInterval
	case model.PriorityMedium:
		return mediumInterval
	default:
		return lowInterval
	}
}

func intervalForVolume(v model.VolumeTier) time.Duration {
	switch v {
	case model.VolumeHigh:
		return highInterval
	case model.VolumeMedium:
		return mediumInterval
	default:
		return lowInterval
	}
}

// ReportOutcome applies the outcome-handling formulas (quarantine on
// repeated failure, IDLE disablement, volume reclassification) to the
// entry named by report.Task.MailboxID.
func (s *Scheduler) ReportOutcome(report model.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[report.Task.MailboxID]
	if !ok {
		return
	}

	switch report.Outcome {
	case model.OutcomePollSuccess:
		s.onPollSuccess(e, report)
	case model.OutcomePollFailure:
		s.onPollFailure(e)
	case model.OutcomeIdleOK:
		s.onIdleOK(e, report)
	case model.OutcomeIdleFailed:
		s.onIdleFailed(e)
	}
}

func (s *Scheduler) onPollSuccess(e *model.ScheduleEntry, report model.Report) {
	now := time.Now()
	e.LastServicedAt = now
	e.ConsecutiveFailures = 0
	e.SuccessRate = min(1, e.SuccessRate+0.1)
	s.restoreFromQuarantine(e)
	s.adaptVolume(e, report.NewMessages)
	e.NextDueAt = now.Add(e.Interval)
}

func (s *Scheduler) onPollFailure(e *model.ScheduleEntry) {
	e.ConsecutiveFailures++
	e.SuccessRate = max(0, e.SuccessRate-0.2)
	if e.ConsecutiveFailures >= 3 {
		s.quarantine(e)
		return
	}
	backoff := e.Interval * time.Duration(1<<uint(e.ConsecutiveFailures))
	if backoff > pollBackoffCap {
		backoff = pollBackoffCap
	}
	e.NextDueAt = time.Now().Add(backoff)
}

func (s *Scheduler) onIdleOK(e *model.ScheduleEntry, report model.Report) {
	e.Idle.Failures = 0
	s.restoreFromQuarantine(e)
	s.adaptVolume(e, report.NewMessages)
	e.NextDueAt = time.Now().Add(60 * time.Second)
}

func (s *Scheduler) onIdleFailed(e *model.ScheduleEntry) {
	e.Idle.Failures++
	if e.Idle.Failures >= 3 {
		e.Idle.Enabled = false
		e.NextDueAt = time.Now().Add(30 * time.Second)
		return
	}
	backoff := idleBackoffBase * time.Duration(1<<uint(e.Idle.Failures))
	if backoff > idleBackoffCap {
		backoff = idleBackoffCap
	}
	e.NextDueAt = time.Now().Add(backoff)
}

// quarantine doubles the interval (capped at 1h) and demotes priority to
// low.
func (s *Scheduler) quarantine(e *model.ScheduleEntry) {
	e.Priority = model.PriorityLow
	e.Interval *= 2
	if e.Interval > quarantineCap {
		e.Interval = quarantineCap
	}
	e.NextDueAt = time.Now().Add(e.Interval)
	slog.Warn("mailbox quarantined", "mailbox", e.MailboxID, "interval", e.Interval)
}

// restoreFromQuarantine lifts a priority demotion imposed by quarantine
// once the mailbox has recovered: §4.3 says quarantine lasts "until the
// next success restores it," so a success that finds Priority demoted
// below BasePriority restores it.
func (s *Scheduler) restoreFromQuarantine(e *model.ScheduleEntry) {
	if e.Priority != e.BasePriority {
		e.Priority = e.BasePriority
		e.Interval = intervalFor(e.Priority)
	}
}

// adaptVolume reclassifies the volume tier from messages observed this
// cycle and, if the tier changed, recomputes NextDueAt to pull it earlier
// when the new interval is shorter.
func (s *Scheduler) adaptVolume(e *model.ScheduleEntry, newMessages int) {
	var tier model.VolumeTier
	switch {
	case newMessages > 100:
		tier = model.VolumeHigh
	case newMessages > 10:
		tier = model.VolumeMedium
	default:
		tier = model.VolumeLow
	}
	if tier == e.VolumeTier {
		return
	}
	e.VolumeTier = tier
	newInterval := intervalForVolume(tier)
	if newInterval < e.Interval {
		e.Interval = newInterval
		candidate := time.Now().Add(newInterval)
		if candidate.Before(e.NextDueAt) {
			e.NextDueAt = candidate
		}
	} else {
		e.Interval = newInterval
	}
}

// Snapshot returns a read-only copy of every schedule entry, for the
// observability surface's schedule-detail endpoint.
func (s *Scheduler) Snapshot() []model.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
