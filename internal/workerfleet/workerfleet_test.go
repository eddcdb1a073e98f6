package workerfleet

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/sessionmon"
)

type fakeImpl struct {
	exists      uint32
	uidValidity uint32
	openErr     error
}

func (f *fakeImpl) Noop(ctx context.Context) error    { return nil }
func (f *fakeImpl) Connect(ctx context.Context) error { return nil }
func (f *fakeImpl) OpenMailbox(ctx context.Context, name string) (uint32, uint32, error) {
	if f.openErr != nil {
		return 0, 0, f.openErr
	}
	return f.exists, f.uidValidity, nil
}
func (f *fakeImpl) FetchRange(ctx context.Context, from, to uint32) ([]connpool.FetchedMessage, error) {
	return nil, nil
}
func (f *fakeImpl) Idle(ctx context.Context, startupDeadline, noopInterval time.Duration, updates chan<- connpool.IdleEvent) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeImpl) MarkSeen(ctx context.Context, uid uint32) error { return nil }
func (f *fakeImpl) Close() error                                  { return nil }

type fakeAcquirer struct {
	mu        sync.Mutex
	impl      *fakeImpl
	evictions []string
}

func (a *fakeAcquirer) Acquire(ctx context.Context, mb model.Mailbox, priority model.Priority) (*connpool.Session, error) {
	return connpool.NewSession(mb.ID, mb.Host, a.impl), nil
}
func (a *fakeAcquirer) Release(mailboxID, host string) {}
func (a *fakeAcquirer) EvictDead(mailboxID, host string, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictions = append(a.evictions, mailboxID)
}

type fakeSink struct{}

func (fakeSink) SubmitBatch(ctx context.Context, envelopes []model.Envelope) error { return nil }

type fakeWatermarks struct{}

func (fakeWatermarks) Get(ctx context.Context, mailboxID string) (model.StatusRecord, error) {
	return model.StatusRecord{}, sql.ErrNoRows
}
func (fakeWatermarks) AdvanceWatermark(ctx context.Context, mailboxID string, uidValidity, watermark uint32) error {
	return nil
}

type fakeScheduler struct {
	mu      sync.Mutex
	reports []model.Report
}

func (s *fakeScheduler) ReportOutcome(report model.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type fakeCounters struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeCounters) IncrementCounters(ctx context.Context, mailboxID string, attempts, successes, failures, processed int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestTaskHeapOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	var h taskHeap
	items := []*queuedTask{
		{task: model.Task{MailboxID: "low1"}, seq: 1},
		{task: model.Task{MailboxID: "high1", Priority: model.PriorityHigh}, seq: 2},
		{task: model.Task{MailboxID: "high2", Priority: model.PriorityHigh}, seq: 3},
		{task: model.Task{MailboxID: "medium1", Priority: model.PriorityMedium}, seq: 4},
	}
	for _, it := range items {
		heap.Push(&h, it)
	}

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(&h).(*queuedTask).task.MailboxID)
	}

	want := []string{"high1", "high2", "medium1", "low1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestEnqueueRejectsOverflow(t *testing.T) {
	t.Parallel()

	f := New(Config{Pool: &fakeAcquirer{impl: &fakeImpl{}}})
	f.queue = make(taskHeap, 0, defaultQueueCap)
	for i := 0; i < defaultQueueCap; i++ {
		heap.Push(&f.queue, &queuedTask{task: model.Task{MailboxID: "x"}, seq: int64(i)})
	}

	err := f.Enqueue(context.Background(), model.Task{MailboxID: "overflow"})
	if err == nil {
		t.Fatal("expected overflow enqueue to fail")
	}
}

func TestRunTaskReportsSuccessAndCounters(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{exists: 5, uidValidity: 1}
	acquirer := &fakeAcquirer{impl: impl}
	sched := &fakeScheduler{}
	counters := &fakeCounters{}
	monitor := sessionmon.New(fakeSink{}, fakeWatermarks{})

	f := New(Config{Pool: acquirer, Monitor: monitor, Scheduler: sched, Counters: counters, MaxWorkers: 2})
	f.Start()
	defer f.Shutdown(context.Background())

	task := model.Task{MailboxID: "mb1", Mailbox: model.Mailbox{ID: "mb1", Host: "example.com"}, Kind: model.TaskPoll, MaxRetries: 2}
	if err := f.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sched.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if sched.count() != 1 {
		t.Fatalf("expected 1 reported outcome, got %d", sched.count())
	}
	if counters.calls != 1 {
		t.Errorf("expected 1 counters increment, got %d", counters.calls)
	}
}

func TestRunTaskRetriesOnFailureBeforeReporting(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{openErr: errors.New("boom")}
	acquirer := &fakeAcquirer{impl: impl}
	sched := &fakeScheduler{}
	monitor := sessionmon.New(fakeSink{}, fakeWatermarks{})

	f := New(Config{Pool: acquirer, Monitor: monitor, Scheduler: sched, MaxWorkers: 2})
	f.Start()
	defer f.Shutdown(context.Background())

	task := model.Task{MailboxID: "mb1", Mailbox: model.Mailbox{ID: "mb1", Host: "example.com"}, Kind: model.TaskPoll, MaxRetries: 2}
	if err := f.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First attempt fails and is retried rather than reported immediately.
	time.Sleep(100 * time.Millisecond)
	if sched.count() != 0 {
		t.Errorf("expected no reported outcome on first retriable failure, got %d", sched.count())
	}
}

func TestIsConnectionFatalDiscriminatesByErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", fmt.Errorf("%w: socket reset", ferrors.ErrTransient), true},
		{"idle unsupported", fmt.Errorf("%w: startup timeout", ferrors.ErrIdleUnsupported), true},
		{"sink submission", fmt.Errorf("%w: batch rejected", ferrors.ErrSinkSubmission), false},
		{"parse", fmt.Errorf("%w: missing message-id", ferrors.ErrParse), false},
		{"watermark", fmt.Errorf("%w: duplicate key", ferrors.ErrWatermark), false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isConnectionFatal(tc.err); got != tc.want {
				t.Errorf("isConnectionFatal(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
