package mailbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
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

type recordingNotifier struct {
	mu       sync.Mutex
	identity string
	message  string
	calls    int
}

func (n *recordingNotifier) Notify(_ context.Context, identity, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identity = identity
	n.message = message
	n.calls++
}

func (n *recordingNotifier) snapshot() (string, string, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity, n.message, n.calls
}

func waitForCalls(t *testing.T, n *recordingNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, calls := n.snapshot(); calls >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("notifier was not called %d times in time", want)
}

func TestSend_RequiresRecipientAndTitle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	if _, err := svc.Send(context.Background(), SendInput{Title: "hi"}); err == nil {
		t.Error("expected error for missing recipient")
	}
	if _, err := svc.Send(context.Background(), SendInput{Recipient: "bob"}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestSend_EmitsAndNotifies(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	notifier := &recordingNotifier{}
	svc := New(st, bus, notifier, nil, nil)

	var received eventbus.Event
	var gotEvent bool
	unsub := bus.Subscribe("bob", func(e eventbus.Event) {
		received = e
		gotEvent = true
	})
	defer unsub()

	msg, err := svc.Send(context.Background(), SendInput{Sender: "alice", Recipient: "bob", Title: "hello", Body: "hi there"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == 0 {
		t.Error("expected a generated message id")
	}
	if !gotEvent || received.Type != eventbus.KindMessage {
		t.Errorf("expected a message event, got %+v (delivered=%v)", received, gotEvent)
	}

	waitForCalls(t, notifier, 1)
	identity, message, _ := notifier.snapshot()
	if identity != "bob" {
		t.Errorf("notify identity = %q, want bob", identity)
	}
	if message == "" {
		t.Error("expected a non-empty notify message")
	}
}

func TestSend_DedupeReturnsExistingRow(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)

	first, err := svc.Send(context.Background(), SendInput{Sender: "alice", Recipient: "bob", Title: "hi", DedupeKey: "k1"})
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := svc.Send(context.Background(), SendInput{Sender: "alice", Recipient: "bob", Title: "hi again", DedupeKey: "k1"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected dedupe to return the same row, got ids %d and %d", first.ID, second.ID)
	}
}

func TestList_UnreadOrdersUrgentFirst(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)
	ctx := context.Background()

	if _, err := svc.Send(ctx, SendInput{Sender: "a", Recipient: "bob", Title: "normal-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.Send(ctx, SendInput{Sender: "a", Recipient: "bob", Title: "urgent-1", Urgent: true}); err != nil {
		t.Fatalf("send: %v", err)
	}

	page, err := svc.List("bob", store.MailboxStatusUnread, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	if !page.Messages[0].Urgent {
		t.Errorf("expected urgent message first, got %+v", page.Messages[0])
	}
}

func TestAck_SetsReadAndViewedAt(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, clockx.Fixed(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)), nil)

	msg, err := svc.Send(context.Background(), SendInput{Sender: "a", Recipient: "bob", Title: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.Ack(msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, err := st.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != store.MailboxStatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
	if got.ViewedAt == nil {
		t.Error("expected viewedAt to be set")
	}
}

func TestReply_FailsIfSenderIsNotOriginalRecipient(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Recipient: "bob", Title: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := svc.Reply(ctx, "carol", msg.ID, "not yours to reply to"); err == nil {
		t.Error("expected error when replier is not the original recipient")
	}
}

func TestReply_SetsThreadAndTitle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)
	ctx := context.Background()

	original, err := svc.Send(ctx, SendInput{Sender: "alice", Recipient: "bob", Title: "question"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := svc.Reply(ctx, "bob", original.ID, "here's my answer")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Title != "Re: question" {
		t.Errorf("title = %q", reply.Title)
	}
	if reply.Recipient != "alice" {
		t.Errorf("recipient = %q, want alice", reply.Recipient)
	}
	if reply.ThreadID == "" {
		t.Error("expected a threadId to be set")
	}
	if reply.ReplyToMessageID == nil || *reply.ReplyToMessageID != original.ID {
		t.Errorf("replyToMessageId = %v, want %d", reply.ReplyToMessageID, original.ID)
	}
}

func TestPendingLifecycle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil, nil)
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendInput{Sender: "alice", Recipient: "bob", Title: "can you handle this?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.MarkPending(msg.ID, "bob"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	pending, err := svc.ListMyPending("bob")
	if err != nil {
		t.Fatalf("list my pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("pending = %+v", pending)
	}

	waiting, err := svc.ListWaitingOnOthers("alice")
	if err != nil {
		t.Fatalf("list waiting on others: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != msg.ID {
		t.Fatalf("waiting = %+v", waiting)
	}

	if err := svc.ClearPending(msg.ID); err != nil {
		t.Fatalf("clear pending: %v", err)
	}
	pending, err = svc.ListMyPending("bob")
	if err != nil {
		t.Fatalf("list my pending after clear: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending after clear, got %+v", pending)
	}
}

func TestPendingAge(t *testing.T) {
	since := time.Date(2026, 7, 30, 6, 0, 0, 0, time.UTC)
	msg := &store.MailboxMessage{WaitingSince: &since}
	now := since.Add(3 * time.Hour)

	if got := PendingAge(msg, now); got != 3*time.Hour {
		t.Errorf("PendingAge = %v, want 3h", got)
	}

	if got := PendingAge(&store.MailboxMessage{}, now); got != 0 {
		t.Errorf("PendingAge with no waitingSince = %v, want 0", got)
	}
}
