// Package workerfleet is the Worker Fleet (C4): a bounded pool executing
// scheduled tasks with priority ordering, retry/backoff, and stuck-worker
// detection. Concurrency is bounded by sourcegraph/conc's pool.Pool; the
// priority queue generalizes internal/connpool's waiterHeap shape to
// task dispatch.
package workerfleet

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/sessionmon"
)

const (
	defaultMaxWorkers  = 50
	defaultQueueCap    = 10_000
	defaultTaskTimeout = 5 * time.Minute
	watchdogInterval   = 15 * time.Second
	metricsInterval    = 30 * time.Second
	maxRetries         = 2
	retryBackoffBase   = 1 * time.Second
	retryBackoffCap    = 30 * time.Second
)

// Acquirer is the subset of the Connection Pool's surface the fleet uses.
type Acquirer interface {
	Acquire(ctx context.Context, mb model.Mailbox, priority model.Priority) (*connpool.Session, error)
	Release(mailboxID, host string)
	EvictDead(mailboxID, host string, cause error)
}

// OutcomeReporter is the subset of the Scheduler's surface the fleet
// reports task completions to.
type OutcomeReporter interface {
	ReportOutcome(report model.Report)
}

// CounterSink is the subset of the Status Store Adapter's surface used to
// record per-task attempt/success/failure counters.
type CounterSink interface {
	IncrementCounters(ctx context.Context, mailboxID string, attempts, successes, failures, processed int64) error
}

// Config wires the fleet's collaborators.
type Config struct {
	Pool        Acquirer
	Monitor     *sessionmon.Monitor
	Scheduler   OutcomeReporter
	Counters    CounterSink
	MaxWorkers  int
	TaskTimeout time.Duration
}

// queuedTask wraps a model.Task with its FIFO sequence for stable
// within-tier ordering.
type queuedTask struct {
	task model.Task
	seq  int64
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// running tracks one in-flight task for the stuck-worker watchdog.
type running struct {
	task      model.Task
	startedAt time.Time
	cancel    context.CancelFunc
}

// Fleet is the Worker Fleet. Explicitly constructed and owned by the
// application context.
type Fleet struct {
	cfg Config

	mu      sync.Mutex
	queue   taskHeap
	seq     int64
	notify  chan struct{}
	running map[int64]*running
	runSeq  int64

	activeCount int
	idleCount   int

	pool *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Fleet {
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fleet{
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
		running: make(map[int64]*running),
		pool:    pool.New().WithMaxGoroutines(cfg.MaxWorkers),
		ctx:     ctx,
		cancel:  cancel,
		idleCount: cfg.MaxWorkers,
	}
	return f
}

// Start launches the dispatch loop, the stuck-worker watchdog, and the
// 30s metrics aggregator.
func (f *Fleet) Start() {
	f.wg.Add(3)
	go func() { defer f.wg.Done(); f.dispatchLoop() }()
	go func() { defer f.wg.Done(); f.watchdogLoop() }()
	go func() { defer f.wg.Done(); f.metricsLoop() }()
}

// Enqueue pushes task onto the priority queue. Overflow past the fixed
// capacity yields ferrors.ErrQueueFull rather than growing unbounded.
func (f *Fleet) Enqueue(ctx context.Context, task model.Task) error {
	f.mu.Lock()
	if len(f.queue) >= defaultQueueCap {
		f.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", task.MailboxID, ferrors.ErrQueueFull)
	}
	f.seq++
	heap.Push(&f.queue, &queuedTask{task: task, seq: f.seq})
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

// enqueueFront re-queues task ahead of everything at its priority tier —
// used for stuck-worker requeue, which must be serviced before new work.
func (f *Fleet) enqueueFront(task model.Task) {
	f.mu.Lock()
	heap.Push(&f.queue, &queuedTask{task: task, seq: -1})
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Fleet) dispatchLoop() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.notify:
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				f.mu.Unlock()
				break
			}
			qt := heap.Pop(&f.queue).(*queuedTask)
			f.mu.Unlock()

			task := qt.task
			f.pool.Go(func() {
				f.runTask(task)
			})
		}
	}
}

func (f *Fleet) runTask(task model.Task) {
	f.mu.Lock()
	f.activeCount++
	f.idleCount--
	f.runSeq++
	id := f.runSeq
	taskCtx, cancel := context.WithTimeout(f.ctx, f.cfg.TaskTimeout)
	f.running[id] = &running{task: task, startedAt: time.Now(), cancel: cancel}
	f.mu.Unlock()

	start := time.Now()
	report := f.execute(taskCtx, task)
	report.Duration = time.Since(start)

	f.mu.Lock()
	delete(f.running, id)
	f.activeCount--
	f.idleCount++
	f.mu.Unlock()
	cancel()

	f.recordCounters(task, report)

	if report.Err != nil && task.RetryCount < task.MaxRetries {
		f.scheduleRetry(task)
		return
	}

	if f.cfg.Scheduler != nil {
		f.cfg.Scheduler.ReportOutcome(report)
	}
}

func (f *Fleet) execute(ctx context.Context, task model.Task) model.Report {
	sess, err := f.cfg.Pool.Acquire(ctx, task.Mailbox, task.Priority)
	if err != nil {
		return model.Report{Task: task, Outcome: failureOutcomeFor(task.Kind), Err: fmt.Errorf("acquire session: %w", err)}
	}
	defer f.cfg.Pool.Release(task.MailboxID, task.Mailbox.Host)

	var result sessionmon.Result
	switch task.Kind {
	case model.TaskIdle:
		result = f.cfg.Monitor.RunIdle(ctx, sess, task.Mailbox)
	default:
		result = f.cfg.Monitor.RunPoll(ctx, sess, task.Mailbox)
	}

	if result.Err != nil && isConnectionFatal(result.Err) {
		f.cfg.Pool.EvictDead(task.MailboxID, task.Mailbox.Host, result.Err)
	}

	return model.Report{
		Task:        task,
		Outcome:     result.Outcome,
		NewMessages: result.NewMessages,
		Err:         result.Err,
	}
}

func failureOutcomeFor(kind model.TaskKind) model.Outcome {
	if kind == model.TaskIdle {
		return model.OutcomeIdleFailed
	}
	return model.OutcomePollFailure
}

// isConnectionFatal reports whether err indicates the underlying IMAP
// session itself is broken and should be evicted from the pool, per §7's
// error table: transient I/O and IDLE instability are connection-level
// failures, but a sink rejection (retry the task, watermark unadvanced)
// or a parse error (drop the message, continue) say nothing about the
// session's health and must not trigger eviction.
func isConnectionFatal(err error) bool {
	return errors.Is(err, ferrors.ErrTransient) || errors.Is(err, ferrors.ErrIdleUnsupported)
}

// scheduleRetry re-enqueues task with RetryCount incremented after an
// exponential backoff.
func (f *Fleet) scheduleRetry(task model.Task) {
	retry := task
	retry.RetryCount++
	retry.EnqueuedAt = time.Now()

	delay := retryBackoffBase * time.Duration(1<<uint(retry.RetryCount))
	if delay > retryBackoffCap {
		delay = retryBackoffCap
	}

	time.AfterFunc(delay, func() {
		if err := f.Enqueue(f.ctx, retry); err != nil {
			slog.Warn("retry re-enqueue failed", "mailbox", retry.MailboxID, "error", err)
		}
	})
}

func (f *Fleet) recordCounters(task model.Task, report model.Report) {
	if f.cfg.Counters == nil {
		return
	}
	var attempts, successes, failures, processed int64
	attempts = 1
	if report.Err == nil {
		successes = 1
	} else {
		failures = 1
	}
	processed = int64(report.NewMessages)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.cfg.Counters.IncrementCounters(ctx, task.MailboxID, attempts, successes, failures, processed); err != nil {
		slog.Warn("increment counters failed", "mailbox", task.MailboxID, "error", err)
	}
}

// watchdogLoop resets workers whose current task has exceeded its
// timeout: the task context is cancelled (aborting blocking IMAP calls)
// and the task is re-queued at the front of its priority tier.
func (f *Fleet) watchdogLoop() {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.sweepStuck()
		}
	}
}

func (f *Fleet) sweepStuck() {
	now := time.Now()
	f.mu.Lock()
	var stuck []*running
	for _, r := range f.running {
		if now.Sub(r.startedAt) > f.cfg.TaskTimeout {
			stuck = append(stuck, r)
		}
	}
	f.mu.Unlock()

	for _, r := range stuck {
		slog.Warn("stuck worker detected, cancelling and requeueing", "mailbox", r.task.MailboxID, "running_for", now.Sub(r.startedAt))
		r.cancel()
		f.enqueueFront(r.task)
	}
}

// Metrics is the aggregate snapshot published every 30s.
type Metrics struct {
	Total      int
	Active     int
	Idle       int
	QueueDepth int
}

func (f *Fleet) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			m := f.Snapshot()
			slog.Info("worker fleet metrics", "total", m.Total, "active", m.Active, "idle", m.Idle, "queue_depth", m.QueueDepth)
		}
	}
}

// Snapshot returns the current aggregate metrics, for the observability
// surface's metrics endpoint.
func (f *Fleet) Snapshot() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Metrics{
		Total:      f.cfg.MaxWorkers,
		Active:     f.activeCount,
		Idle:       f.idleCount,
		QueueDepth: len(f.queue),
	}
}

// Shutdown cancels the fleet context, which stops dispatch and cancels
// every in-flight task's context at once, then waits for running tasks to
// return and, up to ctx's deadline, for the background loops to exit.
// In-flight tasks are not given a drain window before cancellation.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.cancel()
	f.pool.Wait()

	done := make(chan struct{})
	go func() { f.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker fleet shutdown: %w", ctx.Err())
	}
}
