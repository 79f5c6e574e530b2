package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// User is an identity: a human or an agent.
type User struct {
	ID          string
	DisplayName string
	IsAdmin     bool
	IsAgent     bool
	AvatarURL   string
	ArchivedAt  *time.Time
	CreatedAt   time.Time
}

// MailboxToken is a bearer-token credential bound to an identity.
type MailboxToken struct {
	ID                string
	Token             string
	Identity          string
	Label             string
	CreatedBy         string
	CreatedAt         time.Time
	LastUsedAt        *time.Time
	RevokedAt         *time.Time
	ExpiresAt         *time.Time
	WebhookURL        string
	WebhookToken      string
	BackupAgent       string
	StaleTriggerHours int
}

// Valid reports whether the token is usable right now.
func (t MailboxToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Invite is a consumable registration code.
type Invite struct {
	ID           string
	Code         string
	IdentityHint string
	IsAdmin      bool
	MaxUses      int
	UseCount     int
	ExpiresAt    *time.Time
	CreatedBy    string
	CreatedAt    time.Time
}

// Consumable reports whether the invite can still be used by identity.
func (i Invite) Consumable(identity string, now time.Time) error {
	if i.ExpiresAt != nil && !i.ExpiresAt.After(now) {
		return errors.New("invite expired")
	}
	if i.UseCount >= i.MaxUses {
		return errors.New("invite already used")
	}
	if i.IdentityHint != "" && i.IdentityHint != identity {
		return errors.New("identity does not match invite hint")
	}
	return nil
}

const (
	MailboxStatusUnread = "unread"
	MailboxStatusRead   = "read"
)

// MailboxMessage is one row in an identity's inbox.
type MailboxMessage struct {
	ID                int64
	Sender            string
	Recipient         string
	Title             string
	Body              string
	Status            string
	Urgent            bool
	CreatedAt         time.Time
	ViewedAt          *time.Time
	ThreadID          string
	ReplyToMessageID  *int64
	DedupeKey         string
	Metadata          string
	ResponseWaiting   bool
	WaitingResponder  string
	WaitingSince      *time.Time
}

const (
	ChatKindDM    = "dm"
	ChatKindGroup = "group"
)

// ChatChannel is a DM or group conversation.
type ChatChannel struct {
	ID        string
	Kind      string
	CreatedAt time.Time
}

// ChatMember is one identity's membership in a channel.
type ChatMember struct {
	ChannelID  string
	Identity   string
	LastReadAt *time.Time
}

// ChatMessage is one posted chat message.
type ChatMessage struct {
	ID        int64
	ChannelID string
	Sender    string
	Body      string
	CreatedAt time.Time
}

// Workflow is a markdown reference document attached to a task.
type Workflow struct {
	ID          string
	TaskID      string
	Title       string
	Body        string
	URL         string
	TaggedUsers []string
	CreatedBy   string
	CreatedAt   time.Time
}

// WorkflowAttachment is opaque blob metadata for a Workflow.
type WorkflowAttachment struct {
	ID          string
	WorkflowID  string
	Filename    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

const (
	BlockingModeNone = "none"
	BlockingModeSoft = "soft"
	BlockingModeHard = "hard"
)

// SwarmProject groups tasks and defines an optional working-hours window.
type SwarmProject struct {
	ID                  string
	Title                string
	Color                string
	Description          string
	ProjectLeadUserID    string
	DeveloperLeadUserID  string
	WorkHoursStart       string
	WorkHoursEnd         string
	WorkHoursTimezone    string
	BlockingMode         string
	ArchivedAt           *time.Time
	URLs                 []string
	CreatedAt            time.Time
}

const (
	SwarmStatusQueued     = "queued"
	SwarmStatusReady      = "ready"
	SwarmStatusInProgress = "in_progress"
	SwarmStatusHolding    = "holding"
	SwarmStatusReview     = "review"
	SwarmStatusComplete   = "complete"
)

// SwarmTask is a unit of work tracked through a fixed status machine.
type SwarmTask struct {
	ID                      string
	ProjectID               string
	Title                   string
	Detail                  string
	FollowUp                string
	IssueURL                string
	CreatorUserID           string
	AssigneeUserID          string
	Status                  string
	SortKey                 string
	OnOrAfterAt             *time.Time
	MustBeDoneAfterTaskID   string
	NextTaskID              string
	NextTaskAssigneeUserID  string
	RecurringTemplateID     string
	RecurringInstanceAt     *time.Time
	CompletedAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

const (
	TaskEventCreated       = "created"
	TaskEventStatusChanged = "status_changed"
	TaskEventAssigned      = "assigned"
	TaskEventReordered     = "reordered"
)

// SwarmTaskEvent is an append-only audit row for a SwarmTask mutation.
type SwarmTaskEvent struct {
	ID          string
	TaskID      string
	ActorUserID string
	Kind        string
	BeforeState string
	AfterState  string
	CreatedAt   time.Time
}

// BroadcastWebhook is a tokenized ingest capability.
type BroadcastWebhook struct {
	ID          string
	AppName     string
	Token       string
	Title       string
	Owner       string
	ForUsers    []string
	WakeAgent   string
	NotifyAgent string
	Enabled     bool
	LastHitAt   *time.Time
	CreatedAt   time.Time
}

// BroadcastEvent is one ingested external event.
type BroadcastEvent struct {
	ID              string
	WebhookID       string
	AppName         string
	Title           string
	ForUsers        []string
	ContentType     string
	BodyText        string
	BodyJSON        string
	Signature       string
	ReceivedAt      time.Time
	DeliveredToWake []string
}

// DeliveredTo reports whether identity has already been served this event.
func (e BroadcastEvent) DeliveredTo(identity string) bool {
	for _, id := range e.DeliveredToWake {
		if id == identity {
			return true
		}
	}
	return false
}

// RecurringTemplate mints SwarmTask instances on a cron cadence.
type RecurringTemplate struct {
	ID             string
	ProjectID      string
	Title          string
	Detail         string
	AssigneeUserID string
	CronExpr       string
	Timezone       string
	InitialStatus  string
	Enabled        bool
	LastTickAt     *time.Time
	CreatedAt      time.Time
}

// NotebookPage is a collaborative document's persisted snapshot.
type NotebookPage struct {
	ID          string
	Title       string
	Content     string
	CreatedBy   string
	TaggedUsers []string
	Tags        []string
	Locked      bool
	LockedBy    string
	ExpiresAt   *time.Time
	ReviewAt    *time.Time
	ArchivedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
