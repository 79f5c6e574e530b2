package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenDM_IsIdempotent(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	first, err := svc.OpenDM("alice", "bob")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	second, err := svc.OpenDM("bob", "alice")
	if err != nil {
		t.Fatalf("open dm reversed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same dm channel regardless of argument order, got %q and %q", first.ID, second.ID)
	}
}

func TestCreateGroup_RequiresTwoMembers(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	if _, err := svc.CreateGroup([]string{"alice"}); err == nil {
		t.Error("expected error for a single-member group")
	}
}

func TestPost_RejectsNonMember(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	ch, err := svc.OpenDM("alice", "bob")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	if _, err := svc.Post(context.Background(), ch.ID, "carol", "hi"); err == nil {
		t.Error("expected error when poster is not a channel member")
	}
}

func TestPost_EmitsChatMessageOnRecipientsIdentityChannelOnly(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	svc := New(st, bus, nil, nil, nil)

	ch, err := svc.OpenDM("alice", "bob")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}

	var bobGot eventbus.Event
	var bobSeen bool
	unsubBob := bus.Subscribe("bob", func(e eventbus.Event) { bobGot = e; bobSeen = true })
	defer unsubBob()

	var aliceSeen bool
	unsubAlice := bus.Subscribe("alice", func(e eventbus.Event) { aliceSeen = true })
	defer unsubAlice()

	var chatChannelSeen bool
	unsubChat := bus.Subscribe(eventbus.ChannelChat, func(e eventbus.Event) { chatChannelSeen = true })
	defer unsubChat()

	msg, err := svc.Post(context.Background(), ch.ID, "alice", "hello bob")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Body != "hello bob" {
		t.Errorf("body = %q", msg.Body)
	}
	if !bobSeen || bobGot.Type != eventbus.KindChatMessage {
		t.Errorf("expected bob's identity channel to receive a chat_message event, got %+v (seen=%v)", bobGot, bobSeen)
	}
	if bobGot.Identity != "bob" {
		t.Errorf("event identity = %q, want bob", bobGot.Identity)
	}
	if aliceSeen {
		t.Error("sender should not receive their own chat_message event")
	}
	if chatChannelSeen {
		t.Error("chat_message must not be broadcast on the reserved __chat__ channel")
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	ch, err := svc.OpenDM("alice", "bob")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	if _, err := svc.Post(context.Background(), ch.ID, "alice", "msg 1"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := svc.Post(context.Background(), ch.ID, "alice", "msg 2"); err != nil {
		t.Fatalf("post: %v", err)
	}

	count, err := svc.UnreadCount(ch.ID, "bob")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 2 {
		t.Errorf("unread count = %d, want 2", count)
	}

	if err := svc.MarkRead(ch.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	count, err = svc.UnreadCount(ch.ID, "bob")
	if err != nil {
		t.Fatalf("unread count after read: %v", err)
	}
	if count != 0 {
		t.Errorf("unread count after read = %d, want 0", count)
	}
}

func TestHistoryOrdersOldestFirst(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	ch, err := svc.OpenDM("alice", "bob")
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	if _, err := svc.Post(context.Background(), ch.ID, "alice", "first"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := svc.Post(context.Background(), ch.ID, "bob", "second"); err != nil {
		t.Fatalf("post: %v", err)
	}

	history, err := svc.History(ch.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Body != "first" || history[1].Body != "second" {
		t.Fatalf("history = %+v", history)
	}
}
