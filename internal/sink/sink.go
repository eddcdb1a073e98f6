// Package sink is the Sink Adapter (X1): submits normalized Envelopes to
// the external durable queue in batches of at most 10, using watermill's
// transport-agnostic message.Publisher backed by watermill-amqp/v3 — the
// same publisher abstraction webitel-im-delivery-service wraps around its
// AMQP factory, generalized here to the ingestion fleet's envelope shape.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/meko-christian/imap-fleet/internal/ferrors"
	"github.com/meko-christian/imap-fleet/internal/model"
)

const maxBatchSize = 10

// Sink publishes Envelopes onto one configured topic. The group key
// (mailbox id) rides as message metadata alongside the envelope
// attributes.
type Sink struct {
	publisher message.Publisher
	topic     string
}

// Config configures the AMQP-backed publisher.
type Config struct {
	AMQPURL string
	Topic   string
}

func New(cfg Config) (*Sink, error) {
	amqpConfig := amqp.NewDurablePubSubConfig(cfg.AMQPURL, nil)
	publisher, err := amqp.NewPublisher(amqpConfig, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, fmt.Errorf("%w: sink: new publisher: %v", ferrors.ErrFatal, err)
	}
	return &Sink{publisher: publisher, topic: cfg.Topic}, nil
}

// wireEnvelope is the JSON-serialized body sent over the wire.
type wireEnvelope struct {
	MailboxID         string             `json:"mailbox_id"`
	OriginalMessageID string             `json:"original_message_id"`
	InternalID        string             `json:"internal_id"`
	ThreadID          string             `json:"thread_id"`
	InReplyTo         string             `json:"in_reply_to"`
	References        []string           `json:"references"`
	From              string             `json:"from"`
	To                []string           `json:"to"`
	Subject           string             `json:"subject"`
	Body              string             `json:"body"`
	ReceivedAt        time.Time          `json:"received_at"`
	IsReply           bool               `json:"is_reply"`
	Attachments       []model.Attachment `json:"attachments,omitempty"`
	Truncated         bool               `json:"truncated"`
}

func toWire(env model.Envelope) wireEnvelope {
	threadID := env.ThreadID
	if threadID == "" {
		threadID = env.InReplyTo
	}
	return wireEnvelope{
		MailboxID:         env.MailboxID,
		OriginalMessageID: env.OriginalMessageID,
		InternalID:        env.InternalID,
		ThreadID:          threadID,
		InReplyTo:         env.InReplyTo,
		References:        env.References,
		From:              env.From,
		To:                env.To,
		Subject:           env.Subject,
		Body:              env.Body,
		ReceivedAt:        env.ReceivedAt,
		IsReply:           env.IsReply,
		Attachments:       env.Attachments,
		Truncated:         env.Truncated,
	}
}

// buildMessage maps one Envelope onto a watermill message.Message,
// attaching the downstream-consumer metadata attribute set.
func buildMessage(env model.Envelope) (*message.Message, error) {
	payload, err := json.Marshal(toWire(env))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope %s: %v", ferrors.ErrSinkSubmission, env.InternalID, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("MessageType", "envelope")
	msg.Metadata.Set("AccountId", env.MailboxID)
	msg.Metadata.Set("OriginalMessageId", env.OriginalMessageID)
	msg.Metadata.Set("InternalMessageId", env.InternalID)
	msg.Metadata.Set("ThreadId", env.ThreadID)
	msg.Metadata.Set("IsReply", fmt.Sprintf("%t", env.IsReply))
	msg.Metadata.Set("HasTextContent", fmt.Sprintf("%t", env.Body != ""))
	msg.Metadata.Set("TextLength", fmt.Sprintf("%d", len(env.Body)))
	msg.Metadata.Set("Timestamp", env.ReceivedAt.Format(time.RFC3339))
	msg.Metadata.Set("GroupKey", env.MailboxID)
	msg.Metadata.Set("DeduplicationKey", fmt.Sprintf("%s_%d", env.MailboxID, time.Now().UnixMilli()))

	return msg, nil
}

// SubmitBatch publishes up to maxBatchSize envelopes one at a time, in the
// order given. The Session Monitor calls SubmitBatch with envelopes in
// ascending IMAP sequence-number order, and §5 requires the Sink to observe
// that same order per mailbox — publishing concurrently would let a later
// envelope's round trip finish before an earlier one's, so each Publish
// call must complete before the next starts.
func (s *Sink) SubmitBatch(ctx context.Context, envelopes []model.Envelope) error {
	if len(envelopes) > maxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds cap %d", ferrors.ErrSinkSubmission, len(envelopes), maxBatchSize)
	}

	for _, env := range envelopes {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := buildMessage(env)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)
		if err := s.publisher.Publish(s.topic, msg); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ferrors.ErrSinkSubmission, env.InternalID, err)
		}
	}
	return nil
}

func (s *Sink) Close() error {
	return s.publisher.Close()
}
