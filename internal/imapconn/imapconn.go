// Package imapconn is the concrete connpool.SessionImpl adapter: a thin
// wrapper over github.com/emersion/go-imap/client and go-imap-idle. It
// owns nothing but wire protocol — admission control, retries, and
// liveness all live in internal/connpool, grounded on
// internal/reflector/imap.go's connect/select/fetch shape.
package imapconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	idle "github.com/emersion/go-imap-idle"
	gomessage "github.com/emersion/go-message"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
)

const fetchBatchSize = 10

// Adapter implements connpool.SessionImpl against a live *client.Client.
type Adapter struct {
	mb     model.Mailbox
	client *client.Client
}

// Dial connects, selects no mailbox yet, and authenticates, dispatching on
// mb.TLSMode the way internal/reflector/imap.go's connectAndLoginWithTimeout
// does for the implicit-TLS case, generalized to also cover STARTTLS and
// plaintext.
func Dial(ctx context.Context, mb model.Mailbox) (connpool.SessionImpl, error) {
	address := fmt.Sprintf("%s:%d", mb.Host, mb.Port)

	type result struct {
		c   *client.Client
		err error
	}
	done := make(chan result, 1)

	go func() {
		c, err := dialByMode(address, mb.Host, mb.TLSMode)
		done <- result{c, err}
	}()

	var c *client.Client
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ferrors.ErrTransient, address, r.err)
		}
		c = r.c
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if _, err := c.Capability(); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: capability check %s: %v", ferrors.ErrTransient, address, err)
	}

	if err := c.Login(mb.Username, mb.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: login %s: %v", ferrors.ErrAuth, mb.Address, err)
	}

	return &Adapter{mb: mb, client: c}, nil
}

func dialByMode(address, host string, mode model.TLSMode) (*client.Client, error) {
	switch mode {
	case model.TLSImplicit:
		return client.DialTLS(address, &tls.Config{ServerName: host})
	case model.TLSStartTLS:
		c, err := client.Dial(address)
		if err != nil {
			return nil, err
		}
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	default:
		return client.Dial(address)
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.client.Capability()
	if err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrTransient, err)
	}
	return nil
}

func (a *Adapter) Noop(ctx context.Context) error {
	if err := a.client.Noop(); err != nil {
		return fmt.Errorf("%w: noop: %v", ferrors.ErrTransient, err)
	}
	return nil
}

// OpenMailbox selects INBOX read-write and returns its EXISTS count and
// UIDVALIDITY, the two values the Session Monitor needs to detect a fresh
// epoch when the server's UIDVALIDITY changes.
func (a *Adapter) OpenMailbox(ctx context.Context, name string) (uint32, uint32, error) {
	status, err := a.client.Select(name, false)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: select %s: %v", ferrors.ErrTransient, name, err)
	}
	return status.Messages, status.UidValidity, nil
}

// FetchRange pulls envelopes, uid, and raw source for message sequence
// numbers in [from, to], in batches of fetchBatchSize, mirroring
// internal/reflector/imap.go's two-phase validate-then-fetch but collapsed
// into one sequence-number Fetch per batch, since the Session Monitor
// derives the range from the watermark and the current EXISTS count.
func (a *Adapter) FetchRange(ctx context.Context, from, to uint32) ([]connpool.FetchedMessage, error) {
	var out []connpool.FetchedMessage
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	for batchStart := from; batchStart <= to; batchStart += fetchBatchSize {
		batchEnd := batchStart + fetchBatchSize - 1
		if batchEnd > to {
			batchEnd = to
		}

		seqset := new(imap.SeqSet)
		seqset.AddRange(batchStart, batchEnd)

		messages := make(chan *imap.Message, fetchBatchSize)
		fetchDone := make(chan error, 1)
		go func() {
			fetchDone <- a.client.Fetch(seqset, items, messages)
		}()

		select {
		case err := <-fetchDone:
			if err != nil {
				return out, fmt.Errorf("%w: fetch [%d,%d]: %v", ferrors.ErrTransient, batchStart, batchEnd, err)
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}

		for msg := range messages {
			if msg == nil {
				continue
			}
			fm := connpool.FetchedMessage{UID: msg.Uid}
			if msg.Envelope != nil {
				fm.MessageID = msg.Envelope.MessageId
				fm.InReplyTo = msg.Envelope.InReplyTo
				fm.Subject = msg.Envelope.Subject
				fm.Date = msg.Envelope.Date
				if len(msg.Envelope.From) > 0 && msg.Envelope.From[0] != nil {
					fm.From = msg.Envelope.From[0].Address()
				}
				for _, to := range msg.Envelope.To {
					if to != nil {
						fm.To = append(fm.To, to.Address())
					}
				}
			}
			if body := msg.GetBody(section); body != nil {
				raw, err := io.ReadAll(body)
				if err == nil {
					fm.RawSource = raw
					fm.References = parseReferences(raw)
				}
			}
			out = append(out, fm)
		}
	}
	return out, nil
}

// Idle runs one IDLE command until ctx ends or the connection fails,
// emitting an IdleEvent whenever the server reports a new EXISTS count,
// falling back to periodic NOOPs internally via IdleWithFallback — grounded
// on vdavid/vmail's IDLE listener loop. startupDeadline is not used by this
// adapter: IDLE startup is bounded only by ctx.
func (a *Adapter) Idle(ctx context.Context, startupDeadline, noopInterval time.Duration, updates chan<- connpool.IdleEvent) error {
	idleClient := idle.NewClient(a.client)

	wireUpdates := make(chan client.Update, 10)
	a.client.Updates = wireUpdates

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, noopInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			if err != nil {
				updates <- connpool.IdleEvent{Err: fmt.Errorf("%w: idle: %v", ferrors.ErrTransient, err)}
			}
			return err
		case upd := <-wireUpdates:
			mboxUpdate, ok := upd.(*client.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			updates <- connpool.IdleEvent{Exists: mboxUpdate.Mailbox.Messages}
		}
	}
}

func (a *Adapter) MarkSeen(ctx context.Context, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []any{imap.SeenFlag}
	if err := a.client.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("%w: mark seen %d: %v", ferrors.ErrTransient, uid, err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.client.Logout()
}

// parseReferences extracts the References header from a raw RFC 5322
// message. The IMAP ENVELOPE structure (imap.Envelope) carries no
// References field — it's a header the client must read off the message
// itself — so this walks the already-fetched raw source with go-message
// rather than issuing a second header-only fetch.
func parseReferences(raw []byte) []string {
	entity, err := gomessage.Read(strings.NewReader(string(raw)))
	if err != nil {
		return nil
	}
	field := strings.TrimSpace(entity.Header.Get("References"))
	if field == "" {
		return nil
	}
	return strings.Fields(field)
}
