// Package sessionmon is the Session Monitor (C2): per-task IMAP
// interaction in poll or IDLE mode, envelope construction, and handoff to
// the Sink Adapter. It never dials a connection itself — it operates on a
// *connpool.Session borrowed by the caller (internal/workerfleet).
package sessionmon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
)

const (
	idleStartupDeadline = 30 * time.Second
	idleNoopInterval    = 30 * time.Second
	fetchBatchSize      = 10
	inboxName           = "INBOX"
)

// Sink is the subset of the Sink Adapter's surface the monitor needs.
type Sink interface {
	SubmitBatch(ctx context.Context, envelopes []model.Envelope) error
}

// Watermarks is the subset of the Status Store Adapter's surface the
// monitor needs to read and advance the persisted watermark.
type Watermarks interface {
	Get(ctx context.Context, mailboxID string) (model.StatusRecord, error)
	AdvanceWatermark(ctx context.Context, mailboxID string, uidValidity, watermark uint32) error
}

// Monitor drives one mailbox lock's worth of IMAP work at a time; mailbox
// locks enforce a serialized-per-mailbox discipline even when poll and
// idle tasks for the same mailbox race to run.
type Monitor struct {
	sink       Sink
	watermarks Watermarks

	mu        sync.Mutex
	mboxLocks sync.Map // map[string]*sync.Mutex
}

func New(sink Sink, watermarks Watermarks) *Monitor {
	return &Monitor{sink: sink, watermarks: watermarks}
}

func (m *Monitor) lockFor(mailboxID string) *sync.Mutex {
	actual, _ := m.mboxLocks.LoadOrStore(mailboxID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Result is reported back to the Worker Fleet (and from there to the
// Scheduler) once a task completes.
type Result struct {
	Outcome     model.Outcome
	NewMessages int
	Err         error
}

// RunPoll executes the Poll-mode flow: open INBOX, diff against the
// stored watermark, fetch the new range, emit envelopes, advance the
// watermark. Returns poll_success or poll_failure.
func (m *Monitor) RunPoll(ctx context.Context, sess *connpool.Session, mb model.Mailbox) Result {
	lock := m.lockFor(mb.ID)
	lock.Lock()
	defer lock.Unlock()

	n, err := m.pollOnce(ctx, sess, mb)
	if err != nil {
		return Result{Outcome: model.OutcomePollFailure, Err: err}
	}
	return Result{Outcome: model.OutcomePollSuccess, NewMessages: n}
}

func (m *Monitor) pollOnce(ctx context.Context, sess *connpool.Session, mb model.Mailbox) (int, error) {
	exists, uidValidity, err := sess.OpenMailbox(ctx, inboxName)
	if err != nil {
		return 0, fmt.Errorf("%w: open mailbox: %v", ferrors.ErrTransient, err)
	}

	rec, err := m.watermarks.Get(ctx, mb.ID)
	if err != nil && !isNoRows(err) {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	watermark := rec.LastUIDWatermark
	if rec.LastUIDValidity != 0 && rec.LastUIDValidity != uidValidity {
		slog.Info("uidvalidity changed, resetting watermark", "mailbox", mb.ID, "old", rec.LastUIDValidity, "new", uidValidity)
		watermark = 0
	}

	// Missing watermark, or one invalidated by a UIDVALIDITY change ⇒ start
	// from current EXISTS, no backfill.
	if watermark == 0 {
		if err := m.watermarks.AdvanceWatermark(ctx, mb.ID, uidValidity, exists); err != nil {
			return 0, fmt.Errorf("%w: initialize watermark: %v", ferrors.ErrWatermark, err)
		}
		return 0, nil
	}

	if exists <= watermark {
		return 0, nil
	}

	envelopes, err := m.fetchAndBuild(ctx, sess, mb.ID, watermark+1, exists)
	if err != nil {
		return 0, err
	}

	if len(envelopes) > 0 {
		if err := m.submitInBatches(ctx, envelopes); err != nil {
			return 0, fmt.Errorf("%w: %v", ferrors.ErrSinkSubmission, err)
		}
	}

	if err := m.watermarks.AdvanceWatermark(ctx, mb.ID, uidValidity, exists); err != nil {
		return len(envelopes), fmt.Errorf("%w: advance watermark: %v", ferrors.ErrWatermark, err)
	}

	return len(envelopes), nil
}

func (m *Monitor) fetchAndBuild(ctx context.Context, sess *connpool.Session, mailboxID string, from, to uint32) ([]model.Envelope, error) {
	fetched, err := sess.FetchRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch range [%d,%d]: %v", ferrors.ErrTransient, from, to, err)
	}

	now := time.Now()
	envelopes := make([]model.Envelope, 0, len(fetched))
	for _, fm := range fetched {
		env, ok := buildEnvelope(mailboxID, fm, now)
		if !ok {
			slog.Warn("dropping message missing message-id and internal id", "mailbox", mailboxID, "uid", fm.UID)
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// submitInBatches preserves per-mailbox sequence ordering by submitting
// synchronously in order, in chunks of fetchBatchSize.
func (m *Monitor) submitInBatches(ctx context.Context, envelopes []model.Envelope) error {
	for start := 0; start < len(envelopes); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(envelopes) {
			end = len(envelopes)
		}
		if err := m.sink.SubmitBatch(ctx, envelopes[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// RunIdle executes the IDLE-mode flow: issue IDLE with a startup
// deadline, fetch-and-emit on each EXISTS notification, maintain liveness
// with periodic NOOPs. On startup failure it degrades to poll on the same
// borrow rather than failing the task outright.
func (m *Monitor) RunIdle(ctx context.Context, sess *connpool.Session, mb model.Mailbox) Result {
	lock := m.lockFor(mb.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := sess.OpenMailbox(ctx, inboxName); err != nil {
		return Result{Outcome: model.OutcomeIdleFailed, Err: fmt.Errorf("%w: open mailbox: %v", ferrors.ErrTransient, err)}
	}

	updates := make(chan connpool.IdleEvent, 4)
	idleCtx, cancel := context.WithTimeout(ctx, idleStartupDeadline+10*time.Minute)
	defer cancel()

	idleErrCh := make(chan error, 1)
	go func() {
		idleErrCh <- sess.Idle(idleCtx, idleStartupDeadline, idleNoopInterval, updates)
	}()

	total := 0
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-idleErrCh
			return Result{Outcome: model.OutcomeIdleOK, NewMessages: total}

		case err := <-idleErrCh:
			// An IDLE that ends because its own context expired or was
			// cancelled completed normally; only other errors count as failure.
			if err != nil && idleCtx.Err() == nil {
				if total == 0 {
					slog.Warn("idle startup failed, degrading to poll", "mailbox", mb.ID, "error", err)
					n, perr := m.pollOnce(ctx, sess, mb)
					if perr != nil {
						return Result{Outcome: model.OutcomeIdleFailed, Err: perr}
					}
					return Result{Outcome: model.OutcomeIdleFailed, NewMessages: n, Err: fmt.Errorf("%w: %v", ferrors.ErrIdleUnsupported, err)}
				}
				return Result{Outcome: model.OutcomeIdleFailed, NewMessages: total, Err: err}
			}
			return Result{Outcome: model.OutcomeIdleOK, NewMessages: total}

		case upd := <-updates:
			if upd.Err != nil {
				continue
			}
			n, err := m.pollOnce(ctx, sess, mb)
			total += n
			if err != nil {
				slog.Warn("idle fetch-and-emit failed", "mailbox", mb.ID, "error", err)
			}
		}
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
