package tracker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/store"
)

type fakeMessenger struct {
	mu       sync.Mutex
	err      error
	panicMsg string
	direct   []string
	replies  []string
	onSend   func()
}

func (f *fakeMessenger) SendDirect(_ context.Context, conversationID, text string) (string, error) {
	return f.record(&f.direct, conversationID+":"+text)
}

func (f *fakeMessenger) SendAsReply(_ context.Context, replyHandle, text string) (string, error) {
	return f.record(&f.replies, replyHandle+":"+text)
}

func (f *fakeMessenger) record(dst *[]string, v string) (string, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return "", f.err
	}
	*dst = append(*dst, v)
	return "platform-" + strconv.Itoa(len(*dst)), nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, m Messenger, opts ...Option) (*Engine, *store.MemoryStore, *fixedClock) {
	t.Helper()
	repo := store.NewMemory(nil)
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(repo, m, opts...), repo, clock
}

func userMessage(id, msgID string, at time.Time) domain.InboundEvent {
	return domain.InboundEvent{
		ConversationID:    id,
		SenderID:          "sender-" + id,
		DisplayName:       "Alice",
		SourceKind:        domain.SourceIndividual,
		Text:              "hello " + msgID,
		ExternalMessageID: msgID,
		ReceivedAt:        at,
		IsRepliable:       true,
	}
}

func withReminders(t *testing.T, repo store.Repository, id string, count int, at time.Time) {
	t.Helper()
	_, err := repo.Upsert(context.Background(), id, func(c *domain.Conversation, _ bool) error {
		c.ReminderCount = count
		c.LastReminderAt = &at
		return nil
	})
	if err != nil {
		t.Fatalf("seed reminders: %v", err)
	}
}

func TestHandleUserMessageCreatesRecord(t *testing.T) {
	engine, _, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	conv, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now()))
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if !conv.NeedsReply || conv.LastInbound == nil || conv.LastInbound.ExternalMessageID != "m1" {
		t.Fatalf("unexpected record: %+v", conv)
	}
	if conv.DisplayName != "Alice" {
		t.Errorf("expected display name Alice, got %q", conv.DisplayName)
	}
	if len(conv.ConfirmationToken) != 2*tokenBytes {
		t.Errorf("expected %d hex chars of token, got %q", 2*tokenBytes, conv.ConfirmationToken)
	}
}

func TestHandleUserMessageResetsRemindersAndRotatesToken(t *testing.T) {
	engine, repo, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	first, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now()))
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	withReminders(t, repo, "c1", 3, clock.Now())

	clock.Advance(time.Minute)
	second, err := engine.HandleUserMessage(ctx, userMessage("c1", "m2", clock.Now()))
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if second.ReminderCount != 0 || second.LastReminderAt != nil {
		t.Fatalf("expected reminder bookkeeping reset, got count=%d at=%v", second.ReminderCount, second.LastReminderAt)
	}
	if second.ConfirmationToken == first.ConfirmationToken {
		t.Fatal("expected confirmation token to rotate")
	}

	if _, err := engine.Confirm(ctx, "c1", first.ConfirmationToken); !errors.Is(err, domain.ErrTokenMismatch) {
		t.Fatalf("stale token must fail with ErrTokenMismatch, got %v", err)
	}
	got, _ := repo.Get(ctx, "c1")
	if !got.NeedsReply {
		t.Fatal("stale confirmation must not mutate the record")
	}
}

func TestUnknownDisplayNameDoesNotOverwrite(t *testing.T) {
	engine, _, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	ev := userMessage("c1", "m2", clock.Now())
	ev.DisplayName = domain.UnknownDisplayName
	conv, err := engine.HandleUserMessage(ctx, ev)
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if conv.DisplayName != "Alice" {
		t.Fatalf("expected resolved name to survive a failed lookup, got %q", conv.DisplayName)
	}
}

func TestReplySuccessClearsReplyFlag(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	withReminders(t, repo, "c1", 2, clock.Now())

	conv, err := engine.Reply(ctx, "c1", "thanks!")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if conv.NeedsReply || conv.ReminderCount != 0 || conv.LastReminderAt != nil {
		t.Fatalf("expected replied state, got %+v", conv)
	}
	if conv.LastOutbound == nil || conv.LastOutbound.Text != "thanks!" {
		t.Fatalf("expected outbound snapshot, got %+v", conv.LastOutbound)
	}
	if conv.LastOutbound.GeneratedMessageID == "" {
		t.Fatal("expected a locally generated message id")
	}
	if len(m.direct) != 1 || m.direct[0] != "c1:thanks!" {
		t.Fatalf("expected one direct send, got %v", m.direct)
	}
}

func TestReplyUsesReplyHandle(t *testing.T) {
	m := &fakeMessenger{}
	engine, _, clock := newTestEngine(t, m)
	ctx := context.Background()

	ev := userMessage("c1", "m1", clock.Now())
	ev.ReplyHandle = "thread-9"
	if _, err := engine.HandleUserMessage(ctx, ev); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if _, err := engine.Reply(ctx, "c1", "ok"); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if len(m.replies) != 1 || m.replies[0] != "thread-9:ok" {
		t.Fatalf("expected threaded reply, got direct=%v replies=%v", m.direct, m.replies)
	}
}

func TestReplyGeneratesUniqueIDs(t *testing.T) {
	engine, _, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m"+strconv.Itoa(i), clock.Now())); err != nil {
			t.Fatalf("HandleUserMessage failed: %v", err)
		}
		conv, err := engine.Reply(ctx, "c1", "reply")
		if err != nil {
			t.Fatalf("Reply failed: %v", err)
		}
		if seen[conv.LastOutbound.GeneratedMessageID] {
			t.Fatalf("duplicate generated id %s", conv.LastOutbound.GeneratedMessageID)
		}
		seen[conv.LastOutbound.GeneratedMessageID] = true
	}
}

func TestReplyFailureKeepsState(t *testing.T) {
	m := &fakeMessenger{err: errors.New("platform down")}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	reminderAt := clock.Now().Add(time.Minute)
	withReminders(t, repo, "c1", 1, reminderAt)

	_, err := engine.Reply(ctx, "c1", "thanks!")
	if !errors.Is(err, domain.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}

	got, _ := repo.Get(ctx, "c1")
	if !got.NeedsReply {
		t.Fatal("failed send must leave the conversation awaiting a reply")
	}
	if got.ReminderCount != 1 || got.LastReminderAt == nil || !got.LastReminderAt.Equal(reminderAt) {
		t.Fatalf("failed send must not touch reminder bookkeeping, got %+v", got)
	}
	if got.LastOutbound != nil {
		t.Fatal("failed send must not record an outbound message")
	}
}

func TestReplyPanicIsReportedAsSendFailed(t *testing.T) {
	m := &fakeMessenger{panicMsg: "nil map"}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if _, err := engine.Reply(ctx, "c1", "hi"); !errors.Is(err, domain.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	got, _ := repo.Get(ctx, "c1")
	if !got.NeedsReply {
		t.Fatal("panicking send must leave the conversation awaiting a reply")
	}
}

func TestReplyDoesNotClearNewerMessage(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}

	// A second message lands while the reply to the first is in flight.
	m.onSend = func() {
		m.onSend = nil
		clock.Advance(time.Second)
		if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m2", clock.Now())); err != nil {
			t.Errorf("HandleUserMessage failed: %v", err)
		}
	}

	conv, err := engine.Reply(ctx, "c1", "answer to m1")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !conv.NeedsReply {
		t.Fatal("newer message must remain unanswered")
	}
	if conv.LastOutbound == nil {
		t.Fatal("expected outbound snapshot to be recorded")
	}
	got, _ := repo.Get(ctx, "c1")
	if got.LastInbound.ExternalMessageID != "m2" {
		t.Fatalf("expected m2 as last inbound, got %s", got.LastInbound.ExternalMessageID)
	}
}

func TestReplyDoesNotClearNewerMessageWithoutPlatformID(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	// Same second, no platform message id: only the local id tells them apart.
	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	m.onSend = func() {
		m.onSend = nil
		if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "", clock.Now())); err != nil {
			t.Errorf("HandleUserMessage failed: %v", err)
		}
	}

	conv, err := engine.Reply(ctx, "c1", "answer to the first")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if !conv.NeedsReply {
		t.Fatal("second message must remain unanswered")
	}
	got, _ := repo.Get(ctx, "c1")
	if got.LastInbound.LocalID == "" {
		t.Fatal("expected a local id on the inbound snapshot")
	}
}

func TestInboundSame(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b *domain.InboundMessage
		want bool
	}{
		{"both nil", nil, nil, true},
		{"one nil", &domain.InboundMessage{LocalID: "x"}, nil, false},
		{"same local id", &domain.InboundMessage{LocalID: "x", ReceivedAt: at}, &domain.InboundMessage{LocalID: "x", ReceivedAt: at}, true},
		{"different local id", &domain.InboundMessage{LocalID: "x", ReceivedAt: at}, &domain.InboundMessage{LocalID: "y", ReceivedAt: at}, false},
		{"legacy snapshots", &domain.InboundMessage{ExternalMessageID: "m1", ReceivedAt: at}, &domain.InboundMessage{ExternalMessageID: "m1", ReceivedAt: at}, true},
		{"legacy against new", &domain.InboundMessage{ExternalMessageID: "m1", ReceivedAt: at}, &domain.InboundMessage{ExternalMessageID: "m1", ReceivedAt: at, LocalID: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Same(tt.b); got != tt.want {
				t.Fatalf("Same() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnknownConversationOperations(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, _ := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.Reply(ctx, "ghost", "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Reply: expected ErrNotFound, got %v", err)
	}
	if _, err := engine.MarkReplied(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("MarkReplied: expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Status(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Status: expected ErrNotFound, got %v", err)
	}
	if _, err := engine.Confirm(ctx, "ghost", "token"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Confirm: expected ErrNotFound, got %v", err)
	}
	if _, err := engine.CheckToken(ctx, "ghost", "token"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CheckToken: expected ErrNotFound, got %v", err)
	}
	if repo.Len() != 0 {
		t.Fatalf("operations on unknown conversations must not create records, got %d", repo.Len())
	}
	if len(m.direct) != 0 {
		t.Fatal("no message may be sent to an unknown conversation")
	}
}

func TestMarkReplied(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	withReminders(t, repo, "c1", 4, clock.Now())

	conv, err := engine.MarkReplied(ctx, "c1")
	if err != nil {
		t.Fatalf("MarkReplied failed: %v", err)
	}
	if conv.NeedsReply || conv.ReminderCount != 0 || conv.LastReminderAt != nil {
		t.Fatalf("expected cleared state, got %+v", conv)
	}
	if conv.LastOutbound != nil || len(m.direct) != 0 {
		t.Fatal("MarkReplied must not send or record an outbound message")
	}
}

func TestResetGlobal(t *testing.T) {
	engine, repo, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := engine.HandleUserMessage(ctx, userMessage(id, "m1", clock.Now())); err != nil {
			t.Fatalf("HandleUserMessage failed: %v", err)
		}
	}
	if _, err := engine.MarkReplied(ctx, "c"); err != nil {
		t.Fatalf("MarkReplied failed: %v", err)
	}

	cleared, err := engine.Reset(ctx, "a")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
	for _, id := range []string{"a", "b", "c"} {
		got, _ := repo.Get(ctx, id)
		if got.NeedsReply {
			t.Errorf("%s still needs reply after global reset", id)
		}
	}
}

func TestResetConversationScope(t *testing.T) {
	engine, repo, clock := newTestEngine(t, &fakeMessenger{}, WithResetScope(ResetConversation))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := engine.HandleUserMessage(ctx, userMessage(id, "m1", clock.Now())); err != nil {
			t.Fatalf("HandleUserMessage failed: %v", err)
		}
	}

	cleared, err := engine.Reset(ctx, "a")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}
	a, _ := repo.Get(ctx, "a")
	b, _ := repo.Get(ctx, "b")
	if a.NeedsReply || !b.NeedsReply {
		t.Fatalf("expected only a cleared, got a=%v b=%v", a.NeedsReply, b.NeedsReply)
	}

	// ResetAll ignores the configured scope.
	cleared, err = engine.ResetAll(ctx)
	if err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared by ResetAll, got %d", cleared)
	}
	if b, _ = repo.Get(ctx, "b"); b.NeedsReply {
		t.Fatal("expected b cleared by ResetAll")
	}
}

func TestConfirm(t *testing.T) {
	engine, repo, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	conv, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now()))
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}

	for _, bad := range []string{"", "nope", conv.ConfirmationToken + "x", conv.ConfirmationToken[:10]} {
		if _, err := engine.Confirm(ctx, "c1", bad); !errors.Is(err, domain.ErrTokenMismatch) {
			t.Errorf("token %q: expected ErrTokenMismatch, got %v", bad, err)
		}
	}
	got, _ := repo.Get(ctx, "c1")
	if !got.NeedsReply {
		t.Fatal("rejected confirmations must not mutate")
	}

	if _, err := engine.CheckToken(ctx, "c1", conv.ConfirmationToken); err != nil {
		t.Fatalf("CheckToken failed: %v", err)
	}

	confirmed, err := engine.Confirm(ctx, "c1", conv.ConfirmationToken)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.NeedsReply || confirmed.LastOutbound != nil {
		t.Fatalf("expected replied without outbound message, got %+v", confirmed)
	}
}

func TestSendNoticeLeavesStateAlone(t *testing.T) {
	m := &fakeMessenger{}
	engine, repo, clock := newTestEngine(t, m)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now())); err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if err := engine.SendNotice(ctx, "c1", "", "status text"); err != nil {
		t.Fatalf("SendNotice failed: %v", err)
	}
	got, _ := repo.Get(ctx, "c1")
	if !got.NeedsReply || got.LastOutbound != nil {
		t.Fatalf("notice must not change reply state, got %+v", got)
	}
}

func TestNeedsReplyFollowsLastTransition(t *testing.T) {
	engine, repo, clock := newTestEngine(t, &fakeMessenger{})
	ctx := context.Background()

	steps := []struct {
		name string
		do   func() error
		want bool
	}{
		{"message", func() error {
			_, err := engine.HandleUserMessage(ctx, userMessage("c1", "m1", clock.Now()))
			return err
		}, true},
		{"reply", func() error { _, err := engine.Reply(ctx, "c1", "r1"); return err }, false},
		{"message", func() error {
			clock.Advance(time.Second)
			_, err := engine.HandleUserMessage(ctx, userMessage("c1", "m2", clock.Now()))
			return err
		}, true},
		{"mark", func() error { _, err := engine.MarkReplied(ctx, "c1"); return err }, false},
		{"message", func() error {
			clock.Advance(time.Second)
			_, err := engine.HandleUserMessage(ctx, userMessage("c1", "m3", clock.Now()))
			return err
		}, true},
		{"confirm", func() error {
			conv, _ := repo.Get(ctx, "c1")
			_, err := engine.Confirm(ctx, "c1", conv.ConfirmationToken)
			return err
		}, false},
	}

	for i, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("step %d (%s) failed: %v", i, step.name, err)
		}
		got, _ := repo.Get(ctx, "c1")
		if got.NeedsReply != step.want {
			t.Fatalf("step %d (%s): expected needsReply=%v", i, step.name, step.want)
		}
	}
}
