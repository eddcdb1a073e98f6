package connpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
)

type fakeSession struct {
	closed atomic.Bool
	noopErr error
}

func (f *fakeSession) Noop(ctx context.Context) error    { return f.noopErr }
func (f *fakeSession) Connect(ctx context.Context) error { return nil }
func (f *fakeSession) OpenMailbox(ctx context.Context, name string) (uint32, uint32, error) {
	return 0, 1, nil
}
func (f *fakeSession) FetchRange(ctx context.Context, from, to uint32) ([]FetchedMessage, error) {
	return nil, nil
}
func (f *fakeSession) Idle(ctx context.Context, startupDeadline, noopInterval time.Duration, updates chan<- IdleEvent) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeSession) MarkSeen(ctx context.Context, uid uint32) error { return nil }
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func testMailbox(id, host string) model.Mailbox {
	return model.Mailbox{ID: id, Address: id + "@" + host, Host: host, Port: 993, TLSMode: model.TLSImplicit}
}

func TestPoolAcquireCachesSession(t *testing.T) {
	t.Parallel()

	var dialCount atomic.Int32
	factory := func(ctx context.Context, mb model.Mailbox) (SessionImpl, error) {
		dialCount.Add(1)
		return &fakeSession{}, nil
	}

	p := New(Config{Factory: factory, DefaultLimits: HostLimits{MaxConcurrent: 2, RateWindow: time.Minute, MaxPerWindow: 10}})
	defer p.Shutdown(context.Background())

	mb := testMailbox("m1", "example.com")

	sess, err := p.Acquire(context.Background(), mb, model.PriorityHigh)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(mb.ID, mb.Host)

	sess2, err := p.Acquire(context.Background(), mb, model.PriorityHigh)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	p.Release(mb.ID, mb.Host)

	if sess != sess2 {
		t.Error("expected cached session to be reused on second acquire")
	}
	if dialCount.Load() != 1 {
		t.Errorf("expected exactly one dial, got %d", dialCount.Load())
	}
}

func TestPoolAcquireRespectsHostCapacity(t *testing.T) {
	t.Parallel()

	factory := func(ctx context.Context, mb model.Mailbox) (SessionImpl, error) {
		return &fakeSession{}, nil
	}

	p := New(Config{Factory: factory, DefaultLimits: HostLimits{MaxConcurrent: 1, RateWindow: time.Minute, MaxPerWindow: 10}})
	defer p.Shutdown(context.Background())

	mbA := testMailbox("a", "busy.example.com")
	mbB := testMailbox("b", "busy.example.com")

	if _, err := p.Acquire(context.Background(), mbA, model.PriorityLow); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx, mbB, model.PriorityLow)
	if err == nil {
		t.Fatal("expected second mailbox on a full host group to fail")
	}
	if !errors.Is(err, ferrors.ErrBusy) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected ErrBusy or deadline exceeded, got %v", err)
	}
}

func TestPoolEvictDeadClosesSession(t *testing.T) {
	t.Parallel()

	var created *fakeSession
	factory := func(ctx context.Context, mb model.Mailbox) (SessionImpl, error) {
		created = &fakeSession{}
		return created, nil
	}

	var notified atomic.Bool
	p := New(Config{
		Factory:           factory,
		DefaultLimits:     HostLimits{MaxConcurrent: 5, RateWindow: time.Minute, MaxPerWindow: 10},
		OnReconnectNeeded: func(mailboxID string, cause error) { notified.Store(true) },
	})
	defer p.Shutdown(context.Background())

	mb := testMailbox("m1", "example.com")
	if _, err := p.Acquire(context.Background(), mb, model.PriorityMedium); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.EvictDead(mb.ID, mb.Host, errors.New("boom"))

	if !created.closed.Load() {
		t.Error("expected evicted session to be closed")
	}
	if !notified.Load() {
		t.Error("expected OnReconnectNeeded to be invoked")
	}
}
