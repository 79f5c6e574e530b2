// Package mailbox implements the asynchronous, per-identity inbox agents
// and humans use to hand off work: send, list, acknowledge, reply, and a
// pending-response commitment tracker surfaced through wake aggregation.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

// Notifier is the subset of webhook.Dispatcher mailbox needs. Defined here
// so this package doesn't import webhook directly and can be tested with a
// stub.
type Notifier interface {
	Notify(ctx context.Context, identity, message string)
}

type Service struct {
	store    *store.Store
	bus      *eventbus.Bus
	notifier Notifier
	clock    clockx.Clock
	logger   *slog.Logger
}

func New(st *store.Store, bus *eventbus.Bus, notifier Notifier, clock clockx.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: bus, notifier: notifier, clock: clock, logger: logger}
}

// SendInput is the payload for Send.
type SendInput struct {
	Sender    string
	Recipient string
	Title     string
	Body      string
	Urgent    bool
	DedupeKey string
	Metadata  string
}

// Send inserts a message, or returns the pre-existing row if DedupeKey
// collides with one already sent from sender to recipient.
func (s *Service) Send(ctx context.Context, in SendInput) (*store.MailboxMessage, error) {
	if in.Recipient == "" {
		return nil, herr.New(herr.BadRequest, "recipient is required")
	}
	if in.Title == "" {
		return nil, herr.New(herr.BadRequest, "title is required")
	}

	msg, err := s.store.SendMessage(store.MailboxMessage{
		Sender:    in.Sender,
		Recipient: in.Recipient,
		Title:     in.Title,
		Body:      in.Body,
		Urgent:    in.Urgent,
		DedupeKey: in.DedupeKey,
		Metadata:  in.Metadata,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "send message", err)
	}

	s.notifyNewMessage(ctx, msg)
	return msg, nil
}

func (s *Service) notifyNewMessage(ctx context.Context, msg *store.MailboxMessage) {
	s.bus.Emit(msg.Recipient, eventbus.Event{
		Type:     eventbus.KindMessage,
		Identity: msg.Recipient,
		Data: map[string]any{
			"id": msg.ID, "sender": msg.Sender, "title": msg.Title, "urgent": msg.Urgent,
		},
	})
	if s.notifier != nil {
		go s.notifier.Notify(ctx, msg.Recipient, fmt.Sprintf("New message from %s: %s", msg.Sender, msg.Title))
	}
}

// List returns a page of recipient's messages.
func (s *Service) List(recipient, status string, limit int, cursor int64) (*store.ListMessagesPage, error) {
	page, err := s.store.ListMessages(recipient, status, limit, cursor)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list messages", err)
	}
	return page, nil
}

// Ack marks a message read.
func (s *Service) Ack(id int64) error {
	if err := s.store.AckMessage(id, s.clock.Now()); err != nil {
		return herr.Wrap(herr.Internal, "ack message", err)
	}
	return nil
}

// Reply inserts a threaded response. sender must be the original message's
// recipient.
func (s *Service) Reply(ctx context.Context, sender string, originalID int64, body string) (*store.MailboxMessage, error) {
	original, err := s.store.GetMessage(originalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "original message not found")
		}
		return nil, herr.Wrap(herr.Internal, "lookup original message", err)
	}
	if original.Recipient != sender {
		return nil, herr.New(herr.NotFound, "original message not found")
	}

	threadID := original.ThreadID
	if threadID == "" {
		threadID = strconv.FormatInt(original.ID, 10)
	}

	msg, err := s.store.SendMessage(store.MailboxMessage{
		Sender:           sender,
		Recipient:        original.Sender,
		Title:            "Re: " + original.Title,
		Body:             body,
		ThreadID:         threadID,
		ReplyToMessageID: &originalID,
		CreatedAt:        s.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "send reply", err)
	}

	s.notifyNewMessage(ctx, msg)
	return msg, nil
}

// MarkPending records that responder has taken on an open commitment to
// respond to message id.
func (s *Service) MarkPending(id int64, responder string) error {
	if err := s.store.MarkPending(id, responder, s.clock.Now()); err != nil {
		return herr.Wrap(herr.Internal, "mark pending", err)
	}
	return nil
}

// ClearPending closes out a pending-response commitment.
func (s *Service) ClearPending(id int64) error {
	if err := s.store.ClearPending(id); err != nil {
		return herr.Wrap(herr.Internal, "clear pending", err)
	}
	return nil
}

// ListMyPending returns open commitments responder owes.
func (s *Service) ListMyPending(responder string) ([]*store.MailboxMessage, error) {
	out, err := s.store.ListMyPending(responder)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list my pending", err)
	}
	return out, nil
}

// ListWaitingOnOthers returns messages sender is waiting on a reply for.
func (s *Service) ListWaitingOnOthers(sender string) ([]*store.MailboxMessage, error) {
	out, err := s.store.ListWaitingOnOthers(sender)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list waiting on others", err)
	}
	return out, nil
}

// PendingAge reports how long id has been waiting on a response, for wake
// aggregation's "Xh ago" phrasing.
func PendingAge(msg *store.MailboxMessage, now time.Time) time.Duration {
	if msg.WaitingSince == nil {
		return 0
	}
	return now.Sub(*msg.WaitingSince)
}
