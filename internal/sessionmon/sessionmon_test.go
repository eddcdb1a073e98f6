package sessionmon

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/model"
)

var errStartupFailed = errors.New("idle startup failed")

type fakeImpl struct {
	exists      uint32
	uidValidity uint32
	messages    []connpool.FetchedMessage
	idleUpdates []connpool.IdleEvent
	idleErr     error
}

func (f *fakeImpl) Noop(ctx context.Context) error    { return nil }
func (f *fakeImpl) Connect(ctx context.Context) error { return nil }
func (f *fakeImpl) OpenMailbox(ctx context.Context, name string) (uint32, uint32, error) {
	return f.exists, f.uidValidity, nil
}
func (f *fakeImpl) FetchRange(ctx context.Context, from, to uint32) ([]connpool.FetchedMessage, error) {
	var out []connpool.FetchedMessage
	for _, m := range f.messages {
		if m.UID >= from && m.UID <= to {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeImpl) Idle(ctx context.Context, startupDeadline, noopInterval time.Duration, updates chan<- connpool.IdleEvent) error {
	for _, u := range f.idleUpdates {
		select {
		case updates <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.idleErr != nil {
		return f.idleErr
	}
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeImpl) MarkSeen(ctx context.Context, uid uint32) error { return nil }
func (f *fakeImpl) Close() error                                  { return nil }

type fakeSink struct {
	mu    sync.Mutex
	calls [][]model.Envelope
}

func (s *fakeSink) SubmitBatch(ctx context.Context, envelopes []model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, envelopes)
	return nil
}

type fakeWatermarks struct {
	mu      sync.Mutex
	records map[string]model.StatusRecord
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{records: make(map[string]model.StatusRecord)}
}

func (w *fakeWatermarks) Get(ctx context.Context, mailboxID string) (model.StatusRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[mailboxID]
	if !ok {
		return model.StatusRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (w *fakeWatermarks) AdvanceWatermark(ctx context.Context, mailboxID string, uidValidity, watermark uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := w.records[mailboxID]
	rec.MailboxID = mailboxID
	rec.LastUIDValidity = uidValidity
	rec.LastUIDWatermark = watermark
	w.records[mailboxID] = rec
	return nil
}

func TestRunPollFreshStartSkipsBackfill(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{exists: 100, uidValidity: 1}
	sink := &fakeSink{}
	wm := newFakeWatermarks()
	mon := New(sink, wm)
	sess := connpool.NewSession("mb1", "example.com", impl)

	result := mon.RunPoll(context.Background(), sess, model.Mailbox{ID: "mb1"})
	if result.Outcome != model.OutcomePollSuccess {
		t.Fatalf("expected poll_success, got %v (err=%v)", result.Outcome, result.Err)
	}
	if result.NewMessages != 0 {
		t.Errorf("expected no new messages on fresh start, got %d", result.NewMessages)
	}

	rec, _ := wm.Get(context.Background(), "mb1")
	if rec.LastUIDWatermark != 100 {
		t.Errorf("expected watermark initialized to 100, got %d", rec.LastUIDWatermark)
	}
	if len(sink.calls) != 0 {
		t.Error("expected no sink submissions on a fresh-start initialization poll")
	}
}

func TestRunPollFetchesNewRangeAndAdvances(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{
		exists:      12,
		uidValidity: 1,
		messages: []connpool.FetchedMessage{
			{UID: 11, MessageID: "<a@example.com>", RawSource: []byte("a")},
			{UID: 12, MessageID: "<b@example.com>", RawSource: []byte("b")},
		},
	}
	sink := &fakeSink{}
	wm := newFakeWatermarks()
	wm.records["mb1"] = model.StatusRecord{MailboxID: "mb1", LastUIDValidity: 1, LastUIDWatermark: 10}
	mon := New(sink, wm)
	sess := connpool.NewSession("mb1", "example.com", impl)

	result := mon.RunPoll(context.Background(), sess, model.Mailbox{ID: "mb1"})
	if result.Outcome != model.OutcomePollSuccess {
		t.Fatalf("expected poll_success, got %v (err=%v)", result.Outcome, result.Err)
	}
	if result.NewMessages != 2 {
		t.Errorf("expected 2 new messages, got %d", result.NewMessages)
	}

	rec, _ := wm.Get(context.Background(), "mb1")
	if rec.LastUIDWatermark != 12 {
		t.Errorf("expected watermark advanced to 12, got %d", rec.LastUIDWatermark)
	}
	if len(sink.calls) != 1 || len(sink.calls[0]) != 2 {
		t.Errorf("expected one batch of 2 envelopes submitted, got %v", sink.calls)
	}
}

func TestRunPollResetsWatermarkOnUIDValidityChange(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{exists: 5, uidValidity: 99}
	sink := &fakeSink{}
	wm := newFakeWatermarks()
	wm.records["mb1"] = model.StatusRecord{MailboxID: "mb1", LastUIDValidity: 1, LastUIDWatermark: 500}
	mon := New(sink, wm)
	sess := connpool.NewSession("mb1", "example.com", impl)

	result := mon.RunPoll(context.Background(), sess, model.Mailbox{ID: "mb1"})
	if result.Outcome != model.OutcomePollSuccess {
		t.Fatalf("expected poll_success, got %v (err=%v)", result.Outcome, result.Err)
	}

	rec, _ := wm.Get(context.Background(), "mb1")
	if rec.LastUIDValidity != 99 {
		t.Errorf("expected uidvalidity updated to 99, got %d", rec.LastUIDValidity)
	}
	if rec.LastUIDWatermark != 5 {
		t.Errorf("expected watermark reinitialized to current exists (5), got %d", rec.LastUIDWatermark)
	}
}

func TestRunIdleDegradesToPollOnStartupFailure(t *testing.T) {
	t.Parallel()

	impl := &fakeImpl{exists: 3, uidValidity: 1, idleErr: errStartupFailed}
	sink := &fakeSink{}
	wm := newFakeWatermarks()
	mon := New(sink, wm)
	sess := connpool.NewSession("mb1", "example.com", impl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := mon.RunIdle(ctx, sess, model.Mailbox{ID: "mb1"})
	if result.Outcome != model.OutcomeIdleFailed {
		t.Errorf("expected idle_failed on startup failure, got %v (err=%v)", result.Outcome, result.Err)
	}
	if result.NewMessages != 0 {
		t.Errorf("expected a degrade-to-poll fresh-start init to report 0 new messages, got %d", result.NewMessages)
	}
}
