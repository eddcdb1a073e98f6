// Package model holds the value types shared across the ingestion control
// plane. Every cross-component call passes one of these by value (or a
// pointer to an immutable snapshot) so no component leaks a mutable
// reference to another's internals.
package model

import "time"

// TLSMode selects how a Session dials its IMAP endpoint.
type TLSMode int

const (
	TLSImplicit TLSMode = iota // port 993
	TLSStartTLS                // port 587 (or explicit STARTTLS request)
	TLSNone
)

// Priority is the Scheduler's tier for a mailbox.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// VolumeTier is the Scheduler's observed-volume classification.
type VolumeTier int

const (
	VolumeLow VolumeTier = iota
	VolumeMedium
	VolumeHigh
)

// Mailbox is an account to be monitored, as loaded from the
// configuration/credential store.
type Mailbox struct {
	ID             string
	Address        string
	Host           string
	Port           int
	TLSMode        TLSMode
	Username       string
	Password       string
	Active         bool
	Owner          string
	DailySendLimit int
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConnState is the IMAP session / mailbox status lifecycle state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateIdle         ConnState = "idle"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
	StateReconnecting ConnState = "reconnecting"
)

// TaskKind selects which operation the Session Monitor performs.
type TaskKind string

const (
	TaskPoll        TaskKind = "poll"
	TaskIdle        TaskKind = "idle"
	TaskHealthCheck TaskKind = "health-check"
)

// Task is a unit of work dispatched onto the Worker Fleet's priority queue.
// Immutable once enqueued; retries produce a new Task value with
// RetryCount incremented, never a mutation of the original.
type Task struct {
	ID         string
	MailboxID  string
	Mailbox    Mailbox
	Priority   Priority
	Kind       TaskKind
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
}

// Attachment is a decoded MIME part with Content-Disposition: attachment.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Base64      string
}

// Envelope is the normalized record emitted per observed message.
type Envelope struct {
	MailboxID         string
	OriginalMessageID string
	InternalID        string
	ThreadID          string
	InReplyTo         string
	References        []string
	From              string
	To                []string
	Subject           string
	Body              string
	ReceivedAt        time.Time
	IsReply           bool
	Attachments       []Attachment
	Truncated         bool
}

// StatusRecord is the per-mailbox connection lifecycle state persisted to
// the Status Store Adapter.
type StatusRecord struct {
	MailboxID         string
	State             ConnState
	LastConnectedAt   time.Time
	LastDisconnectAt  time.Time
	LastErrorAt       time.Time
	LastErrorMessage  string
	Attempts          int64
	Successes         int64
	Failures          int64
	MessagesProcessed int64
	NextReconnectAt   time.Time
	Active            bool
	LastUIDWatermark  uint32
	LastUIDValidity   uint32
}

// IdleState is the Schedule Entry's IDLE sub-state block.
type IdleState struct {
	Supported       bool
	Enabled         bool
	Failures        int
	LastAttemptAt   time.Time
}

// ScheduleEntry is the Scheduler's per-mailbox record.
type ScheduleEntry struct {
	MailboxID string
	// Priority is the entry's current priority, which quarantine may
	// temporarily demote to PriorityLow. BasePriority is what it is
	// restored to on the next success.
	Priority     Priority
	BasePriority Priority
	Interval     time.Duration
	LastServicedAt      time.Time
	NextDueAt           time.Time
	VolumeTier          VolumeTier
	SuccessRate         float64
	ConsecutiveFailures int
	Active              bool
	Idle                IdleState
}

// Outcome is what a worker reports back to the Scheduler after a task runs.
type Outcome string

const (
	OutcomePollSuccess Outcome = "poll_success"
	OutcomePollFailure Outcome = "poll_failure"
	OutcomeIdleOK      Outcome = "idle_ok"
	OutcomeIdleFailed  Outcome = "idle_failed"
)

// Report is the result of executing one Task, handed back from the Worker
// Fleet to the Scheduler and Status Store Adapter.
type Report struct {
	Task          Task
	Outcome       Outcome
	NewMessages   int
	Err           error
	Duration      time.Duration
	NewWatermark  uint32
}
