// Package chat implements direct and group messaging channels: a thin
// service layer over the store that emits chat_message and chat_typing
// events for the SSE gateway to fan out.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

// Notifier is the subset of webhook.Dispatcher chat needs, mirroring
// mailbox.Notifier so both messaging surfaces can push to the same
// dispatcher without an import cycle.
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

// OpenDM returns the DM channel between a and b, creating it if needed.
func (s *Service) OpenDM(a, b string) (*store.ChatChannel, error) {
	if a == "" || b == "" {
		return nil, herr.New(herr.BadRequest, "both identities are required")
	}
	ch, err := s.store.GetOrCreateDM(a, b, s.clock.Now())
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "open dm", err)
	}
	return ch, nil
}

// CreateGroup creates a group channel with the given members.
func (s *Service) CreateGroup(members []string) (*store.ChatChannel, error) {
	if len(members) < 2 {
		return nil, herr.New(herr.BadRequest, "a group needs at least two members")
	}
	ch, err := s.store.CreateGroupChannel(members, s.clock.Now())
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create group", err)
	}
	return ch, nil
}

// ListChannels returns every channel identity belongs to.
func (s *Service) ListChannels(identity string) ([]*store.ChatChannel, error) {
	out, err := s.store.ListChannelsFor(identity)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list channels", err)
	}
	return out, nil
}

// Members returns a channel's member list.
func (s *Service) Members(channelID string) ([]*store.ChatMember, error) {
	out, err := s.store.ChannelMembers(channelID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list members", err)
	}
	return out, nil
}

// Post requires sender to be a member of channelID, then inserts the
// message and notifies the rest of the channel's members.
func (s *Service) Post(ctx context.Context, channelID, sender, body string) (*store.ChatMessage, error) {
	if body == "" {
		return nil, herr.New(herr.BadRequest, "body is required")
	}
	members, err := s.store.ChannelMembers(channelID)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list members", err)
	}
	if !isMember(members, sender) {
		return nil, herr.New(herr.Forbidden, "not a member of this channel")
	}

	msg, err := s.store.PostChatMessage(channelID, sender, body, s.clock.Now())
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "post chat message", err)
	}

	data := map[string]any{
		"id": msg.ID, "channelId": msg.ChannelID, "sender": msg.Sender, "body": msg.Body,
	}
	for _, m := range members {
		if m.Identity == sender {
			continue
		}
		s.bus.Emit(m.Identity, eventbus.Event{
			Type:     eventbus.KindChatMessage,
			Identity: m.Identity,
			Data:     data,
		})
		if s.notifier != nil {
			go s.notifier.Notify(ctx, m.Identity, fmt.Sprintf("New message from %s", sender))
		}
	}
	return msg, nil
}

// Typing emits an unaddressed typing indicator for channelID on the shared
// chat channel, so every connected stream receives it, not only the
// channel's members. It does not touch storage: the signal is ephemeral.
func (s *Service) Typing(channelID, identity string) {
	s.bus.Emit(eventbus.ChannelChat, eventbus.Event{
		Type: eventbus.KindChatTyping,
		Data: map[string]any{"channelId": channelID, "identity": identity},
	})
}

// History returns a channel's recent messages, oldest first.
func (s *Service) History(channelID string, limit int) ([]*store.ChatMessage, error) {
	out, err := s.store.ListChatMessages(channelID, limit)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list chat messages", err)
	}
	return out, nil
}

// MarkRead records that identity has seen channelID through now.
func (s *Service) MarkRead(channelID, identity string) error {
	if err := s.store.MarkChannelRead(channelID, identity, s.clock.Now()); err != nil {
		return herr.Wrap(herr.Internal, "mark channel read", err)
	}
	return nil
}

// UnreadCount reports how many messages identity hasn't seen in channelID.
func (s *Service) UnreadCount(channelID, identity string) (int, error) {
	count, err := s.store.UnreadCount(channelID, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, herr.New(herr.NotFound, "not a member of this channel")
		}
		return 0, herr.Wrap(herr.Internal, "unread count", err)
	}
	return count, nil
}

func isMember(members []*store.ChatMember, identity string) bool {
	for _, m := range members {
		if m.Identity == identity {
			return true
		}
	}
	return false
}
