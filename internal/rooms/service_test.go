package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"legalchat/internal/access"
	"legalchat/internal/database"
	dbconfig "legalchat/pkg/database"
	"legalchat/pkg/types"
)

type sentNotification struct {
	userID string
	kind   string
	data   interface{}
}

// recordingNotifier captures notifications instead of delivering them
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, kind string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: userID, kind: kind, data: data})
	return n.err
}

func (n *recordingNotifier) forUser(userID string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.userID == userID {
			out = append(out, s)
		}
	}
	return out
}

var (
	alice = types.Identity{UserID: "alice", Role: types.RoleCitizen, DisplayName: "Alice"}
	bob   = types.Identity{UserID: "bob", Role: types.RoleLawyer, DisplayName: "Bob"}
)

func setupService(t *testing.T) (*Service, *database.Manager, *recordingNotifier) {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "rooms.db")
	store, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	notifier := &recordingNotifier{}
	return NewService(store, access.NewGuard(store), notifier), store, notifier
}

// FUNCTIONAL VALIDATION TEST: a direct chat starts pending and notifies the invitee once
func TestCreateDirectRoom(t *testing.T) {
	svc, _, notifier := setupService(t)
	ctx := context.Background()

	room, created, err := svc.CreateDirectRoom(ctx, alice, "bob", types.RoleLawyer)
	if err != nil {
		t.Fatalf("CreateDirectRoom failed: %v", err)
	}
	if !created || room.State != types.RoomStatePending || room.Key != "dm:alice:bob" {
		t.Errorf("Unexpected room %+v created=%v", room, created)
	}
	if b, ok := room.Binding.(types.DirectBinding); !ok || b.RequestedBy != "alice" || b.Invitee != "bob" {
		t.Errorf("Unexpected binding %#v", room.Binding)
	}

	sent := notifier.forUser("bob")
	if len(sent) != 1 || sent[0].kind != types.NotificationChatRequest {
		t.Fatalf("Expected one chat_request for bob, got %+v", sent)
	}
	if req := sent[0].data.(ChatRequest); req.RoomKey != room.Key || req.From.DisplayName != "Alice" {
		t.Errorf("Unexpected chat_request data %+v", req)
	}

	// the reverse request lands on the same room
	again, created, err := svc.CreateDirectRoom(ctx, bob, "alice", types.RoleCitizen)
	if err != nil {
		t.Fatalf("Repeated CreateDirectRoom failed: %v", err)
	}
	if created || again.Key != room.Key {
		t.Errorf("Expected the existing room, got %s created=%v", again.Key, created)
	}
	if n := len(notifier.forUser("alice")) + len(notifier.forUser("bob")); n != 1 {
		t.Errorf("Repeated creation must not notify again, got %d notifications", n)
	}
}

func TestCreateDirectRoom_Validation(t *testing.T) {
	svc, _, _ := setupService(t)

	tests := []struct {
		name      string
		requester types.Identity
		invitee   string
		role      string
		want      error
	}{
		{"self chat", alice, "alice", types.RoleCitizen, types.ErrSelfChat},
		{"bad invitee", alice, "bad:id", types.RoleLawyer, types.ErrInvalidUserID},
		{"bad role", alice, "bob", "judge", types.ErrInvalidRole},
		{"anonymous requester", types.Identity{}, "bob", types.RoleLawyer, types.ErrInvalidUserID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.CreateDirectRoom(context.Background(), tt.requester, tt.invitee, tt.role); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateDirectRoom_NotifyFailureIsNotFatal(t *testing.T) {
	svc, _, notifier := setupService(t)
	notifier.err = errors.New("hub down")

	if _, created, err := svc.CreateDirectRoom(context.Background(), alice, "bob", types.RoleLawyer); err != nil || !created {
		t.Errorf("Notification failure should not fail creation: created=%v err=%v", created, err)
	}
}

// FUNCTIONAL VALIDATION TEST: only the invitee activates a chat request
func TestAcceptDirectRoom(t *testing.T) {
	svc, _, notifier := setupService(t)
	ctx := context.Background()

	room, _, err := svc.CreateDirectRoom(ctx, alice, "bob", types.RoleLawyer)
	if err != nil {
		t.Fatalf("CreateDirectRoom failed: %v", err)
	}

	if _, err := svc.AcceptDirectRoom(ctx, alice, room.Key); !errors.Is(err, ErrNotInvitee) {
		t.Errorf("Requester accepting should fail with ErrNotInvitee, got %v", err)
	}
	carol := types.Identity{UserID: "carol", Role: types.RoleAdmin}
	if _, err := svc.AcceptDirectRoom(ctx, carol, room.Key); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("Outsider accepting should be denied, got %v", err)
	}

	accepted, err := svc.AcceptDirectRoom(ctx, bob, room.Key)
	if err != nil {
		t.Fatalf("AcceptDirectRoom failed: %v", err)
	}
	if !accepted.IsActive() {
		t.Errorf("Expected active room, got %s", accepted.State)
	}

	sent := notifier.forUser("alice")
	if len(sent) != 1 || sent[0].kind != types.NotificationChatAccepted {
		t.Fatalf("Expected chat_accepted for alice, got %+v", sent)
	}

	if _, err := svc.AcceptDirectRoom(ctx, bob, room.Key); err != nil {
		t.Errorf("Accepting twice should be a no-op, got %v", err)
	}
	if len(notifier.forUser("alice")) != 1 {
		t.Error("Accepting twice must not notify again")
	}
}

func TestAcceptDirectRoom_CaseRoomRejected(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	room, _, err := svc.CreateCaseRoom(ctx, "dispute", "42", []types.Participant{
		{UserID: "alice", Role: types.RoleCitizen},
		{UserID: "bob", Role: types.RoleLawyer},
	})
	if err != nil {
		t.Fatalf("CreateCaseRoom failed: %v", err)
	}

	if _, err := svc.AcceptDirectRoom(ctx, bob, room.Key); !errors.Is(err, ErrNotDirectRoom) {
		t.Errorf("Expected ErrNotDirectRoom, got %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: one case room per case, active from the start
func TestCreateCaseRoom(t *testing.T) {
	svc, _, notifier := setupService(t)
	ctx := context.Background()

	participants := []types.Participant{
		{UserID: "alice", Role: types.RoleCitizen},
		{UserID: "bob", Role: types.RoleLawyer},
		{UserID: "alice", Role: types.RoleCitizen},
	}

	room, created, err := svc.CreateCaseRoom(ctx, "dispute", "42", participants)
	if err != nil {
		t.Fatalf("CreateCaseRoom failed: %v", err)
	}
	if !created || !room.IsActive() || room.Kind() != types.BindingCase {
		t.Errorf("Unexpected case room %+v", room)
	}
	if len(room.Participants) != 2 {
		t.Errorf("Duplicate participants should collapse, got %d", len(room.Participants))
	}
	if !types.IsValidRoomKey(room.Key) {
		t.Errorf("Case room key %s is malformed", room.Key)
	}

	for _, user := range []string{"alice", "bob"} {
		sent := notifier.forUser(user)
		if len(sent) != 1 || sent[0].kind != types.NotificationCaseChatCreated {
			t.Errorf("Expected case_chat_created for %s, got %+v", user, sent)
		}
	}

	again, created, err := svc.CreateCaseRoom(ctx, "dispute", "42", participants[:1])
	if err != nil {
		t.Fatalf("Repeated CreateCaseRoom failed: %v", err)
	}
	if created || again.Key != room.Key {
		t.Errorf("Expected the existing case room, got %s created=%v", again.Key, created)
	}
}

func TestCreateCaseRoom_Validation(t *testing.T) {
	svc, _, _ := setupService(t)
	valid := []types.Participant{{UserID: "alice", Role: types.RoleCitizen}}

	tests := []struct {
		name         string
		caseType     string
		caseID       string
		participants []types.Participant
		want         error
	}{
		{"missing case type", "", "1", valid, types.ErrInvalidCaseRef},
		{"missing case id", "dispute", "", valid, types.ErrInvalidCaseRef},
		{"no participants", "dispute", "1", nil, types.ErrEmptyParticipants},
		{"bad participant role", "dispute", "1", []types.Participant{{UserID: "alice", Role: "judge"}}, types.ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.CreateCaseRoom(context.Background(), tt.caseType, tt.caseID, tt.participants); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestListSummaries_UnreadCounts(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	room, _, _ := svc.CreateDirectRoom(ctx, alice, "bob", types.RoleLawyer)
	if _, err := svc.AcceptDirectRoom(ctx, bob, room.Key); err != nil {
		t.Fatalf("AcceptDirectRoom failed: %v", err)
	}
	for _, content := range []string{"one", "two"} {
		if _, err := store.AppendMessage(ctx, room.Key, "alice", content, types.MessageTypeText); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	summaries, err := svc.ListSummaries(ctx, "bob")
	if err != nil {
		t.Fatalf("ListSummaries failed: %v", err)
	}
	if len(summaries) != 1 || summaries[0].UnreadCount != 2 {
		t.Fatalf("Expected one room with 2 unread, got %+v", summaries)
	}

	own, err := svc.ListSummaries(ctx, "alice")
	if err != nil || len(own) != 1 || own[0].UnreadCount != 0 {
		t.Errorf("Own messages are never unread, got %+v (%v)", own, err)
	}

	none, err := svc.ListSummaries(ctx, "carol")
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no rooms for carol, got %+v (%v)", none, err)
	}

	// summaries serialize with the room binding flattened
	raw, err := json.Marshal(summaries[0])
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded struct {
		Room struct {
			Kind string `json:"kind"`
		} `json:"room"`
		UnreadCount int `json:"unreadCount"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Room.Kind != types.BindingDirect {
		t.Errorf("Unexpected summary JSON %s (%v)", raw, err)
	}
}

func TestHistory_Guarded(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	room, _, _ := svc.CreateDirectRoom(ctx, alice, "bob", types.RoleLawyer)
	for _, content := range []string{"a", "b", "c"} {
		if _, err := store.AppendMessage(ctx, room.Key, "alice", content, types.MessageTypeText); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	page, err := svc.History(ctx, "bob", room.Key, types.Page{Number: 1, Limit: 2})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("Expected 2 messages with more, got %d hasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Content != "b" || page.Messages[1].Content != "c" {
		t.Errorf("Expected newest page oldest-first, got %s %s", page.Messages[0].Content, page.Messages[1].Content)
	}

	if _, err := svc.History(ctx, "carol", room.Key, types.Page{}); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("Non-participant history should be denied, got %v", err)
	}
}
