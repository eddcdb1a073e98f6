package connpool

import (
	"context"
	"time"
)

// FetchedMessage is one IMAP FETCH result: envelope fields plus raw source,
// as consumed by the Session Monitor's parse step.
type FetchedMessage struct {
	UID         uint32
	MessageID   string
	InReplyTo   string
	References  []string
	From        string
	To          []string
	Subject     string
	Date        time.Time
	RawSource   []byte
}

// IdleEvent is pushed on the channel supplied to Session.Idle whenever the
// server reports a new EXISTS count for the selected mailbox.
type IdleEvent struct {
	Exists uint32
	Err    error
}

// Session is the concrete capability set a live IMAP connection must
// provide, expressed as an explicit interface rather than a runtime
// capability check. Every adapter (real IMAP client, or a test fake)
// implements this interface in full.
type Session struct {
	MailboxID  string
	HostKey    string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Live       bool
	impl       SessionImpl
}

// SessionImpl is the capability set implemented by internal/imapconn's
// go-imap-backed adapter.
type SessionImpl interface {
	Noop(ctx context.Context) error
	Connect(ctx context.Context) error
	OpenMailbox(ctx context.Context, name string) (exists uint32, uidValidity uint32, err error)
	FetchRange(ctx context.Context, from, to uint32) ([]FetchedMessage, error)
	Idle(ctx context.Context, startupDeadline time.Duration, noopInterval time.Duration, updates chan<- IdleEvent) error
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// NewSession wraps an already-live SessionImpl, for callers that build and
// inject their own connections (notably tests in other packages that fake
// the IMAP transport).
func NewSession(mailboxID, hostKey string, impl SessionImpl) *Session {
	return &Session{MailboxID: mailboxID, HostKey: hostKey, CreatedAt: time.Now(), LastUsedAt: time.Now(), Live: true, impl: impl}
}

func (s *Session) Noop(ctx context.Context) error { return s.impl.Noop(ctx) }

func (s *Session) Connect(ctx context.Context) error { return s.impl.Connect(ctx) }

func (s *Session) OpenMailbox(ctx context.Context, name string) (uint32, uint32, error) {
	return s.impl.OpenMailbox(ctx, name)
}

func (s *Session) FetchRange(ctx context.Context, from, to uint32) ([]FetchedMessage, error) {
	return s.impl.FetchRange(ctx, from, to)
}

func (s *Session) Idle(ctx context.Context, startupDeadline, noopInterval time.Duration, updates chan<- IdleEvent) error {
	return s.impl.Idle(ctx, startupDeadline, noopInterval, updates)
}

func (s *Session) MarkSeen(ctx context.Context, uid uint32) error { return s.impl.MarkSeen(ctx, uid) }

func (s *Session) Close() error { return s.impl.Close() }
