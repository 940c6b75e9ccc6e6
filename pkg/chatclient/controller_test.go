package chatclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"legalchat/pkg/types"
)

type sentFrame struct {
	event string
	data  interface{}
}

// fakeTransport records outbound frames and lets the test inject inbound ones
type fakeTransport struct {
	mu       sync.Mutex
	user     string
	frames   []sentFrame
	attached *Controller
	failSend bool
	onJoin   func(ctl *Controller)
}

func (f *fakeTransport) send(event string, data interface{}) error {
	f.mu.Lock()
	if f.failSend {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.frames = append(f.frames, sentFrame{event: event, data: data})
	ctl, onJoin := f.attached, f.onJoin
	f.mu.Unlock()

	if event == types.EventJoinChat && onJoin != nil {
		go onJoin(ctl)
	}
	return nil
}

func (f *fakeTransport) self() string { return f.user }

func (f *fakeTransport) attach(ctl *Controller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = ctl
	return nil
}

func (f *fakeTransport) detach(ctl *Controller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == ctl {
		f.attached = nil
	}
}

func (f *fakeTransport) sent(event string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, fr := range f.frames {
		if fr.event == event {
			out = append(out, fr)
		}
	}
	return out
}

type stubHistory struct {
	mu    sync.Mutex
	pages map[int]*types.MessagePage
	calls int
	err   error
}

func (s *stubHistory) FetchHistory(ctx context.Context, roomKey string, page types.Page) (*types.MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.pages[page.Number]; ok {
		return p, nil
	}
	return &types.MessagePage{Page: page.Number, Limit: page.Limit}, nil
}

const testRoom = "dm:alice:bob"

func envelope(t *testing.T, event string, data interface{}) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return env
}

func acceptJoins(t *testing.T) func(ctl *Controller) {
	return func(ctl *Controller) {
		ctl.handle(envelope(t, types.EventChatJoined, types.ChatJoined{RoomKey: testRoom, Success: true}))
	}
}

func openController(t *testing.T, opts ControllerOptions) (*Controller, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{user: "alice", onJoin: acceptJoins(t)}
	ctl := newController(ft, testRoom, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctl.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ctl.State() != StateReady {
		t.Fatalf("expected ready, got %s", ctl.State())
	}
	return ctl, ft
}

func newMessage(id, tempID, sender string, seq int64) types.NewMessage {
	return types.NewMessage{
		ID:        id,
		RoomKey:   testRoom,
		Content:   "hello",
		Type:      types.MessageTypeText,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
		Sender:    types.SenderSummary{UserID: sender},
		TempID:    tempID,
	}
}

func TestController_OpenLoadsHistory(t *testing.T) {
	history := &stubHistory{pages: map[int]*types.MessagePage{
		1: {Messages: []*types.Message{
			{ID: "m1", RoomKey: testRoom, Seq: 1, SenderID: "bob", Content: "first"},
			{ID: "m2", RoomKey: testRoom, Seq: 2, SenderID: "alice", Content: "second"},
		}, Page: 1, HasMore: true},
	}}
	ctl, ft := openController(t, ControllerOptions{History: history})

	msgs := ctl.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if len(ft.sent(types.EventJoinChat)) != 1 {
		t.Error("expected one join_chat")
	}
}

// FUNCTIONAL VALIDATION TEST: a refused join leaves the controller closed
func TestController_OpenJoinRefused(t *testing.T) {
	ft := &fakeTransport{user: "alice"}
	ft.onJoin = func(ctl *Controller) {
		ctl.handle(envelope(t, types.EventError, types.ErrorEvent{
			Message: "Access denied to chat room", Code: types.CodeAccessDenied, RoomKey: testRoom,
		}))
	}
	ctl := newController(ft, testRoom, ControllerOptions{})

	err := ctl.Open(context.Background())
	var joinErr *JoinError
	if !errors.As(err, &joinErr) || joinErr.Code != types.CodeAccessDenied {
		t.Fatalf("expected access denied JoinError, got %v", err)
	}
	if ctl.State() != StateClosed {
		t.Errorf("expected closed after refused join, got %s", ctl.State())
	}
	if ft.attached != nil {
		t.Error("refused controller should be detached")
	}
}

func TestController_OpenHonoursContext(t *testing.T) {
	ft := &fakeTransport{user: "alice"}
	ctl := newController(ft, testRoom, ControllerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ctl.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestController_SendRequiresReady(t *testing.T) {
	ctl := newController(&fakeTransport{user: "alice"}, testRoom, ControllerOptions{})
	if _, err := ctl.Send("hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestController_SendRejectsBlank(t *testing.T) {
	ctl, ft := openController(t, ControllerOptions{})
	if _, err := ctl.Send("   "); !errors.Is(err, types.ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if len(ft.sent(types.EventSendMessage)) != 0 || len(ctl.Messages()) != 0 {
		t.Error("blank content must not be sent or shown")
	}
}

// FUNCTIONAL VALIDATION TEST: confirmation works whichever event arrives first
func TestController_Reconciliation(t *testing.T) {
	tests := []struct {
		name      string
		sentFirst bool
	}{
		{"new_message then message_sent", false},
		{"message_sent then new_message", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl, ft := openController(t, ControllerOptions{})

			tempID, err := ctl.Send("  hello  ")
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			pending := ctl.Messages()
			if len(pending) != 1 || !pending[0].Sending || pending[0].Content != "hello" {
				t.Fatalf("expected one trimmed sending entry, got %+v", pending)
			}
			frames := ft.sent(types.EventSendMessage)
			if len(frames) != 1 || frames[0].data.(types.SendMessageRequest).TempID != tempID {
				t.Fatalf("expected send_message carrying tempId, got %+v", frames)
			}

			sent := envelope(t, types.EventMessageSent, types.MessageSent{
				MessageID: "m1", TempID: tempID, Timestamp: time.Now().UTC(), RoomKey: testRoom,
			})
			broadcast := envelope(t, types.EventNewMessage, newMessage("m1", tempID, "alice", 1))
			if tt.sentFirst {
				ctl.handle(sent)
				ctl.handle(broadcast)
			} else {
				ctl.handle(broadcast)
				ctl.handle(sent)
			}

			msgs := ctl.Messages()
			if len(msgs) != 1 {
				t.Fatalf("expected exactly one entry, got %+v", msgs)
			}
			if msgs[0].ID != "m1" || msgs[0].Seq != 1 || msgs[0].Sending || msgs[0].Status != StatusConfirmed {
				t.Errorf("entry not reconciled: %+v", msgs[0])
			}
			if len(ft.sent(types.EventMarkRead)) != 0 {
				t.Error("own messages must not be marked read")
			}
		})
	}
}

func TestController_TimeoutThenLateConfirmation(t *testing.T) {
	ctl, _ := openController(t, ControllerOptions{ConfirmTimeout: 20 * time.Millisecond})

	tempID, err := ctl.Send("hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msgs := ctl.Messages(); len(msgs) == 1 && msgs[0].Status == StatusUnconfirmed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := ctl.Messages()
	if len(msgs) != 1 || msgs[0].Sending || msgs[0].Status != StatusUnconfirmed {
		t.Fatalf("expected unconfirmed entry after timeout, got %+v", msgs)
	}

	ctl.handle(envelope(t, types.EventNewMessage, newMessage("m1", tempID, "alice", 1)))
	msgs = ctl.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Status != StatusConfirmed {
		t.Errorf("late arrival should confirm the entry in place, got %+v", msgs)
	}
}

func TestController_ErrorRemovesPendingEntry(t *testing.T) {
	ctl, _ := openController(t, ControllerOptions{})

	tempID, err := ctl.Send("hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ctl.handle(envelope(t, types.EventError, types.ErrorEvent{
		Message: "Rate limit exceeded, slow down", Code: types.CodeRateLimited, RoomKey: testRoom, TempID: tempID,
	}))

	if msgs := ctl.Messages(); len(msgs) != 0 {
		t.Errorf("refused message should be removed, got %+v", msgs)
	}
	select {
	case f := <-ctl.Failures():
		if f.TempID != tempID || f.Code != types.CodeRateLimited || f.Content != "hello" {
			t.Errorf("unexpected failure: %+v", f)
		}
	default:
		t.Error("expected a failure to be reported")
	}
}

func TestController_ErrorWithoutPendingIsNotice(t *testing.T) {
	ctl, _ := openController(t, ControllerOptions{})

	ctl.handle(envelope(t, types.EventError, types.ErrorEvent{
		Message: "Chat is awaiting acceptance", Code: types.CodeRoomNotActive, RoomKey: testRoom,
	}))
	select {
	case n := <-ctl.Notices():
		if n.Code != types.CodeRoomNotActive {
			t.Errorf("unexpected notice: %+v", n)
		}
	default:
		t.Error("expected a notice")
	}
}

func TestController_SendFailureRemovesEntry(t *testing.T) {
	ctl, ft := openController(t, ControllerOptions{})
	ft.mu.Lock()
	ft.failSend = true
	ft.mu.Unlock()

	if _, err := ctl.Send("hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if len(ctl.Messages()) != 0 {
		t.Error("unsent entry should be removed")
	}
}

func TestController_IncomingDedupeAndMarkRead(t *testing.T) {
	ctl, ft := openController(t, ControllerOptions{})

	msg := envelope(t, types.EventNewMessage, newMessage("m7", "", "bob", 7))
	ctl.handle(msg)
	ctl.handle(msg)

	if msgs := ctl.Messages(); len(msgs) != 1 || msgs[0].ID != "m7" {
		t.Fatalf("expected deduplicated entry, got %+v", msgs)
	}
	reads := ft.sent(types.EventMarkRead)
	if len(reads) != 1 {
		t.Fatalf("expected one mark_messages_read, got %d", len(reads))
	}
	req := reads[0].data.(types.MarkReadRequest)
	if req.RoomKey != testRoom || len(req.MessageIDs) != 1 || req.MessageIDs[0] != "m7" {
		t.Errorf("unexpected mark read request: %+v", req)
	}
}

func TestController_OrdersBySeqWithPendingLast(t *testing.T) {
	ctl, _ := openController(t, ControllerOptions{})

	if _, err := ctl.Send("pending"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ctl.handle(envelope(t, types.EventNewMessage, newMessage("m3", "", "bob", 3)))
	ctl.handle(envelope(t, types.EventNewMessage, newMessage("m2", "", "bob", 2)))

	msgs := ctl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 entries, got %+v", msgs)
	}
	if msgs[0].ID != "m2" || msgs[1].ID != "m3" || msgs[2].ID != "" {
		t.Errorf("unexpected order: %+v", msgs)
	}
}

func TestController_TypingAndReadTracking(t *testing.T) {
	ctl, _ := openController(t, ControllerOptions{})

	ctl.handle(envelope(t, types.EventUserTyping, types.UserEvent{RoomKey: testRoom, UserID: "bob"}))
	if got := ctl.Typing(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("expected bob typing, got %v", got)
	}
	ctl.handle(envelope(t, types.EventUserStopTyping, types.UserEvent{RoomKey: testRoom, UserID: "bob"}))
	if got := ctl.Typing(); len(got) != 0 {
		t.Errorf("expected nobody typing, got %v", got)
	}

	ctl.handle(envelope(t, types.EventMessagesRead, types.MessagesRead{RoomKey: testRoom, ReadBy: "bob", MessageID: "m4"}))
	if got := ctl.LastReadBy("bob"); got != "m4" {
		t.Errorf("expected bob read m4, got %q", got)
	}
}

func TestController_ResumeMergesMissedMessages(t *testing.T) {
	history := &stubHistory{pages: map[int]*types.MessagePage{
		1: {Messages: []*types.Message{{ID: "m1", RoomKey: testRoom, Seq: 1, SenderID: "bob"}}},
	}}
	ctl, ft := openController(t, ControllerOptions{History: history})

	history.mu.Lock()
	history.pages[1] = &types.MessagePage{Messages: []*types.Message{
		{ID: "m1", RoomKey: testRoom, Seq: 1, SenderID: "bob"},
		{ID: "m2", RoomKey: testRoom, Seq: 2, SenderID: "bob"},
	}}
	history.mu.Unlock()

	ctl.resume(context.Background())

	if len(ft.sent(types.EventJoinChat)) != 2 {
		t.Error("resume should re-send join_chat")
	}
	msgs := ctl.Messages()
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Errorf("expected missed message merged, got %+v", msgs)
	}
}

// FUNCTIONAL VALIDATION TEST: a send persisted before the socket dropped is
// confirmed from history on resume instead of showing twice
func TestController_ResumeConfirmsPendingFromHistory(t *testing.T) {
	history := &stubHistory{pages: map[int]*types.MessagePage{}}
	ctl, _ := openController(t, ControllerOptions{History: history})

	tempID, err := ctl.Send("hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ctl.Send("not persisted"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	history.mu.Lock()
	history.pages[1] = &types.MessagePage{Messages: []*types.Message{
		{ID: "m1", RoomKey: testRoom, Seq: 1, SenderID: "alice", Content: "hello"},
	}}
	history.mu.Unlock()

	ctl.resume(context.Background())

	msgs := ctl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected the persisted send once plus the pending one, got %+v", msgs)
	}
	if msgs[0].ID != "m1" || msgs[0].TempID != tempID || msgs[0].Status != StatusConfirmed || msgs[0].Sending {
		t.Errorf("history copy should confirm the optimistic entry, got %+v", msgs[0])
	}
	if msgs[1].ID != "" || msgs[1].Content != "not persisted" || msgs[1].Status != StatusSending {
		t.Errorf("unrelated pending entry should be untouched, got %+v", msgs[1])
	}

	// a late confirmation still lands on the same entry
	ctl.handle(envelope(t, types.EventNewMessage, newMessage("m1", tempID, "alice", 1)))
	if got := len(ctl.Messages()); got != 2 {
		t.Errorf("late new_message should not add an entry, got %d", got)
	}
}

// FUNCTIONAL VALIDATION TEST: another user's identical text is never taken as our send
func TestController_ResumeKeepsOthersIdenticalContent(t *testing.T) {
	history := &stubHistory{pages: map[int]*types.MessagePage{}}
	ctl, _ := openController(t, ControllerOptions{History: history})

	if _, err := ctl.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	history.mu.Lock()
	history.pages[1] = &types.MessagePage{Messages: []*types.Message{
		{ID: "m1", RoomKey: testRoom, Seq: 1, SenderID: "bob", Content: "hello"},
	}}
	history.mu.Unlock()

	ctl.resume(context.Background())

	msgs := ctl.Messages()
	if len(msgs) != 2 || msgs[0].SenderID != "bob" || msgs[1].ID != "" {
		t.Errorf("expected bob's message plus our pending entry, got %+v", msgs)
	}
}

func TestController_LoadOlder(t *testing.T) {
	history := &stubHistory{pages: map[int]*types.MessagePage{
		1: {Messages: []*types.Message{{ID: "m3", RoomKey: testRoom, Seq: 3}}, Page: 1, HasMore: true},
		2: {Messages: []*types.Message{{ID: "m1", RoomKey: testRoom, Seq: 1}, {ID: "m2", RoomKey: testRoom, Seq: 2}}, Page: 2},
	}}
	ctl, _ := openController(t, ControllerOptions{History: history})

	more, err := ctl.LoadOlder(context.Background())
	if err != nil || more {
		t.Fatalf("LoadOlder = %v, %v; want false, nil", more, err)
	}
	msgs := ctl.Messages()
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Errorf("older page not merged in order: %+v", msgs)
	}
}

func TestController_CloseIgnoresLaterEvents(t *testing.T) {
	ctl, ft := openController(t, ControllerOptions{})

	if err := ctl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(ft.sent(types.EventLeaveChat)) != 1 {
		t.Error("Close should send leave_chat")
	}
	if ft.attached != nil {
		t.Error("Close should detach the controller")
	}

	ctl.handle(envelope(t, types.EventNewMessage, newMessage("m1", "", "bob", 1)))
	if len(ctl.Messages()) != 0 {
		t.Error("closed controller must ignore events")
	}
	if err := ctl.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
