// Package app is the composition root: it constructs every component
// (Connection Pool, Session Monitor, Scheduler, Worker Fleet, Sink
// Adapter, Status Store Adapter) explicitly and wires them together —
// no package-level singletons anywhere in the fleet.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"

	"github.com/meko-christian/imap-fleet/internal/config"
	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/imapconn"
	"github.com/meko-christian/imap-fleet/internal/mailboxstore"
	"github.com/meko-christian/imap-fleet/internal/model"
	"github.com/meko-christian/imap-fleet/internal/obshttp"
	"github.com/meko-christian/imap-fleet/internal/scheduler"
	"github.com/meko-christian/imap-fleet/internal/sessionmon"
	"github.com/meko-christian/imap-fleet/internal/sink"
	"github.com/meko-christian/imap-fleet/internal/sqlitedb"
	"github.com/meko-christian/imap-fleet/internal/statusstore"
	"github.com/meko-christian/imap-fleet/internal/workerfleet"
)

const mailboxSyncInterval = 60 * time.Second

// App owns every live component for the lifetime of one fleet process.
type App struct {
	cfg *config.Fleet

	db          *sqlitedb.DB
	mailboxes   *mailboxstore.Store
	status      *statusstore.Store
	pool        *connpool.Pool
	monitor     *sessionmon.Monitor
	sched       *scheduler.Scheduler
	fleet       *workerfleet.Fleet
	sinkAdapter *sink.Sink
	obs         *obshttp.Server
	cfgWatcher  *fsnotify.Watcher

	cancel context.CancelFunc
}

// New constructs every component and wires them together. No component
// dials, ticks, or listens until Run is called.
func New(cfg *config.Fleet) (*App, error) {
	db, err := sqlitedb.Open(cfg.MailboxStorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %v", ferrors.ErrFatal, err)
	}

	mailboxes := mailboxstore.New(db)
	status := statusstore.New(db)

	sinkAdapter, err := sink.New(sink.Config{AMQPURL: cfg.SinkAMQPURL, Topic: cfg.SinkExchange})
	if err != nil {
		return nil, fmt.Errorf("construct sink: %w", err)
	}

	a := &App{cfg: cfg, db: db, mailboxes: mailboxes, status: status, sinkAdapter: sinkAdapter}

	a.pool = connpool.New(connpool.Config{
		Factory: imapconn.Dial,
		DefaultLimits: connpool.HostLimits{
			MaxConcurrent: cfg.MaxConnectionsPerHost,
			RateWindow:    cfg.RateLimitWindow,
			MaxPerWindow:  cfg.MaxRateLimit,
		},
		OnReconnectNeeded: a.onReconnectNeeded,
	})

	a.monitor = sessionmon.New(sinkMonitorAdapter{sinkAdapter}, status)
	a.sched = scheduler.New(nil) // enqueuer set below, after fleet exists
	a.fleet = workerfleet.New(workerfleet.Config{
		Pool:        a.pool,
		Monitor:     a.monitor,
		Scheduler:   a.sched,
		Counters:    status,
		MaxWorkers:  cfg.MaxWorkers,
		TaskTimeout: cfg.WorkerTimeout,
	})
	a.sched.SetEnqueuer(a.fleet)

	a.obs = obshttp.New(cfg.ObsHTTPAddr, cfg.ObsAuthToken, obshttp.Dependencies{
		Pool:      a.pool,
		Fleet:     a.fleet,
		Scheduler: a.sched,
		StoreAlive: func() bool {
			return db.Conn().Ping() == nil
		},
	})

	return a, nil
}

// sinkMonitorAdapter adapts *sink.Sink to sessionmon.Sink without the
// Session Monitor importing the concrete sink package.
type sinkMonitorAdapter struct{ s *sink.Sink }

func (a sinkMonitorAdapter) SubmitBatch(ctx context.Context, envelopes []model.Envelope) error {
	return a.s.SubmitBatch(ctx, envelopes)
}

func (a *App) onReconnectNeeded(mailboxID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := a.status.Get(ctx, mailboxID)
	if err != nil {
		rec = model.StatusRecord{MailboxID: mailboxID}
	}
	rec.State = model.StateReconnecting
	rec.LastErrorAt = time.Now()
	if cause != nil {
		rec.LastErrorMessage = cause.Error()
	}
	if err := a.status.Upsert(ctx, rec); err != nil {
		slog.Warn("failed to mark mailbox for reconnection", "mailbox", mailboxID, "error", err)
	}
}

// Run starts every background loop and blocks until ctx is cancelled
// (typically by SIGINT/SIGTERM via signal.NotifyContext), then shuts every
// component down within a fixed deadline before returning.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.loadMailboxes(runCtx); err != nil {
		return fmt.Errorf("initial mailbox load: %w", err)
	}

	watcher, err := config.Watch(func(f *config.Fleet) {
		a.cfg = f
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}
	a.cfgWatcher = watcher

	a.sched.Start()
	a.fleet.Start()

	go a.obs.Start(runCtx)
	go a.mailboxSyncLoop(runCtx)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")
	return a.shutdown()
}

func (a *App) loadMailboxes(ctx context.Context) error {
	mailboxes, err := a.mailboxes.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, mb := range mailboxes {
		if err := a.status.EnsureExists(ctx, mb.ID); err != nil {
			slog.Warn("failed to seed status record", "mailbox", mb.ID, "error", err)
		}
	}
	a.sched.Sync(mailboxes, connpool.DefaultIdleSupported)
	slog.Info("loaded active mailboxes", "count", len(mailboxes))
	return nil
}

func (a *App) mailboxSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(mailboxSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.loadMailboxes(ctx); err != nil {
				slog.Warn("mailbox resync failed", "error", err)
			}
		}
	}
}

// shutdown stops the worker fleet (cancelling in-flight tasks), the
// scheduler and the pool (closing sessions), then closes the sink, the
// config watcher and the store, all within a fixed deadline, joining every
// component's close error with multierr instead of returning only the
// first. Status upserts are written synchronously, so none are pending.
func (a *App) shutdown() error {
	const drainDeadline = 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	var err error
	if cerr := a.fleet.Shutdown(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("fleet shutdown: %w", cerr))
	}
	if cerr := a.sched.Shutdown(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("scheduler shutdown: %w", cerr))
	}
	if cerr := a.pool.Shutdown(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("pool shutdown: %w", cerr))
	}
	if cerr := a.sinkAdapter.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("sink close: %w", cerr))
	}
	if a.cfgWatcher != nil {
		if cerr := a.cfgWatcher.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("config watcher close: %w", cerr))
		}
	}
	if cerr := a.db.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("db close: %w", cerr))
	}
	return err
}
