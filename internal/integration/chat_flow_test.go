package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"legalchat/internal/api"
	"legalchat/internal/config"
	"legalchat/internal/rooms"
	"legalchat/pkg/chatclient"
	"legalchat/pkg/types"
)

var (
	alice = types.Identity{UserID: "alice", Role: types.RoleCitizen, DisplayName: "Alice"}
	bob   = types.Identity{UserID: "bob", Role: types.RoleLawyer, DisplayName: "Bob"}
	carol = types.Identity{UserID: "carol", Role: types.RoleCitizen, DisplayName: "Carol"}
	admin = types.Identity{UserID: "ops", Role: types.RoleAdmin, DisplayName: "Ops"}
)

func expectFailure(t *testing.T, ctl *chatclient.Controller, code string) chatclient.Failure {
	t.Helper()
	var failure chatclient.Failure
	Eventually(t, code+" failure", func() bool {
		select {
		case failure = <-ctl.Failures():
			return true
		default:
			return false
		}
	})
	if failure.Code != code {
		t.Fatalf("Expected %s failure, got %+v", code, failure)
	}
	return failure
}

func createCaseRoom(t *testing.T, s *TestServer) string {
	t.Helper()
	var resp api.RoomResponse
	status := s.Do(t, http.MethodPost, "/api/rooms/case", s.Token(t, admin), api.CreateCaseRoomRequest{
		CaseType: "dispute",
		CaseID:   "42",
		Participants: []types.Participant{
			{UserID: alice.UserID, Role: alice.Role},
			{UserID: bob.UserID, Role: bob.Role},
		},
	}, &resp)
	if status != http.StatusCreated {
		t.Fatalf("Expected 201 creating case room, got %d", status)
	}
	return resp.Room.Key
}

// FUNCTIONAL VALIDATION TEST: request, accept, converse and read receipts end to end
func TestChat_DirectRoomLifecycle(t *testing.T) {
	s := StartTestServer(t, nil)
	aliceClient := s.Dial(t, alice)
	bobClient := s.Dial(t, bob)

	var created api.RoomResponse
	status := s.Do(t, http.MethodPost, "/api/rooms/direct", s.Token(t, alice), api.CreateDirectRoomRequest{
		InviteeID: bob.UserID, InviteeRole: bob.Role,
	}, &created)
	if status != http.StatusCreated || !created.Created {
		t.Fatalf("Expected new direct room, got %d %+v", status, created)
	}
	key := created.Room.Key
	if key != types.DirectRoomKey(alice.UserID, bob.UserID) || created.Room.State != types.RoomStatePending {
		t.Fatalf("Unexpected room: %+v", created.Room)
	}

	request := WaitNotification(t, bobClient, types.NotificationChatRequest)
	var payload rooms.ChatRequest
	if err := json.Unmarshal(request.Data, &payload); err != nil || payload.RoomKey != key || payload.From.UserID != alice.UserID {
		t.Fatalf("Unexpected chat_request payload %s (%v)", request.Data, err)
	}

	aliceChat, err := s.Open(t, aliceClient, alice, key, chatclient.ControllerOptions{})
	if err != nil {
		t.Fatalf("Alice failed to open pending room: %v", err)
	}

	t.Run("SendBeforeAcceptRefused", func(t *testing.T) {
		if _, err := aliceChat.Send("anyone there?"); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		expectFailure(t, aliceChat, types.CodeRoomNotActive)
		if len(aliceChat.Messages()) != 0 {
			t.Error("Refused message should not stay on screen")
		}
	})

	if status := s.Do(t, http.MethodPost, "/api/rooms/"+key+"/accept", s.Token(t, alice), nil, nil); status != http.StatusForbidden {
		t.Errorf("Requester must not accept their own request, got %d", status)
	}
	if status := s.Do(t, http.MethodPost, "/api/rooms/"+key+"/accept", s.Token(t, bob), nil, nil); status != http.StatusOK {
		t.Fatalf("Bob failed to accept: %d", status)
	}
	WaitNotification(t, aliceClient, types.NotificationChatAccepted)

	bobChat, err := s.Open(t, bobClient, bob, key, chatclient.ControllerOptions{})
	if err != nil {
		t.Fatalf("Bob failed to open room: %v", err)
	}

	t.Run("MessageDeliveredAndConfirmed", func(t *testing.T) {
		tempID, err := aliceChat.Send("  hello bob  ")
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		Eventually(t, "bob to receive the message", func() bool {
			msgs := bobChat.Messages()
			return len(msgs) == 1 && msgs[0].Content == "hello bob"
		})
		Eventually(t, "alice confirmation", func() bool {
			msgs := aliceChat.Messages()
			return len(msgs) == 1 && msgs[0].Status == chatclient.StatusConfirmed && msgs[0].TempID == tempID
		})

		msg := aliceChat.Messages()[0]
		if msg.Seq != 1 || msg.ID == "" || msg.ID != bobChat.Messages()[0].ID {
			t.Errorf("Both sides should agree on the persisted message: %+v vs %+v", msg, bobChat.Messages()[0])
		}

		// bob's screen marks it read automatically
		Eventually(t, "read receipt", func() bool { return aliceChat.LastReadBy(bob.UserID) == msg.ID })
	})

	t.Run("RoomListShowsLastMessage", func(t *testing.T) {
		var list api.ListRoomsResponse
		if status := s.Do(t, http.MethodGet, "/api/rooms", s.Token(t, bob), nil, &list); status != http.StatusOK {
			t.Fatalf("List failed: %d", status)
		}
		if len(list.Rooms) != 1 {
			t.Fatalf("Expected one room, got %d", len(list.Rooms))
		}
		summary := list.Rooms[0]
		if summary.Room.LastMessage == nil || summary.Room.LastMessage.Content != "hello bob" {
			t.Errorf("Expected last message preview, got %+v", summary.Room.LastMessage)
		}
		if summary.UnreadCount != 0 {
			t.Errorf("Bob read everything, got unread %d", summary.UnreadCount)
		}
	})

	t.Run("TypingAndOffline", func(t *testing.T) {
		if err := bobChat.SetTyping(true); err != nil {
			t.Fatalf("SetTyping failed: %v", err)
		}
		Eventually(t, "typing indicator", func() bool {
			typing := aliceChat.Typing()
			return len(typing) == 1 && typing[0] == bob.UserID
		})

		_ = bobClient.Close()
		Eventually(t, "offline clears typing", func() bool { return len(aliceChat.Typing()) == 0 })
	})
}

// FUNCTIONAL VALIDATION TEST: non-participants cannot join or read a room
func TestChat_AccessControl(t *testing.T) {
	s := StartTestServer(t, nil)
	key := createCaseRoom(t, s)
	carolClient := s.Dial(t, carol)

	_, err := s.Open(t, carolClient, carol, key, chatclient.ControllerOptions{})
	var joinErr *chatclient.JoinError
	if !errors.As(err, &joinErr) || joinErr.Code != types.CodeAccessDenied {
		t.Fatalf("Expected access_denied join error, got %v", err)
	}

	if status := s.Do(t, http.MethodGet, "/api/rooms/"+key+"/messages", s.Token(t, carol), nil, nil); status != http.StatusForbidden {
		t.Errorf("Expected 403 on history, got %d", status)
	}
	if status := s.Do(t, http.MethodGet, "/api/rooms/"+key+"/messages", s.Token(t, admin), nil, nil); status != http.StatusForbidden {
		t.Errorf("Admin has no implicit room access, got %d", status)
	}
}

// FUNCTIONAL VALIDATION TEST: case rooms are idempotent and history pages newest first
func TestChat_CaseRoomHistory(t *testing.T) {
	s := StartTestServer(t, nil)
	aliceClient := s.Dial(t, alice)
	bobClient := s.Dial(t, bob)

	key := createCaseRoom(t, s)
	WaitNotification(t, aliceClient, types.NotificationCaseChatCreated)
	WaitNotification(t, bobClient, types.NotificationCaseChatCreated)

	var again api.RoomResponse
	status := s.Do(t, http.MethodPost, "/api/rooms/case", s.Token(t, admin), api.CreateCaseRoomRequest{
		CaseType:     "dispute",
		CaseID:       "42",
		Participants: []types.Participant{{UserID: alice.UserID, Role: alice.Role}, {UserID: bob.UserID, Role: bob.Role}},
	}, &again)
	if status != http.StatusOK || again.Created || again.Room.Key != key {
		t.Fatalf("Expected existing room on repeat, got %d %+v", status, again)
	}

	bobChat, err := s.Open(t, bobClient, bob, key, chatclient.ControllerOptions{})
	if err != nil {
		t.Fatalf("Bob failed to open room: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := bobChat.Send(fmt.Sprintf("update %d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	Eventually(t, "three confirmations", func() bool {
		msgs := bobChat.Messages()
		if len(msgs) != 3 {
			return false
		}
		for _, m := range msgs {
			if m.Status != chatclient.StatusConfirmed {
				return false
			}
		}
		return true
	})

	aliceChat, err := s.Open(t, aliceClient, alice, key, chatclient.ControllerOptions{PageLimit: 2})
	if err != nil {
		t.Fatalf("Alice failed to open room: %v", err)
	}
	msgs := aliceChat.Messages()
	if len(msgs) != 2 || msgs[0].Content != "update 2" || msgs[1].Content != "update 3" {
		t.Fatalf("Expected the newest page in order, got %+v", msgs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	more, err := aliceChat.LoadOlder(ctx)
	if err != nil || more {
		t.Fatalf("LoadOlder = %v, %v", more, err)
	}
	msgs = aliceChat.Messages()
	if len(msgs) != 3 || msgs[0].Content != "update 1" || msgs[0].Seq != 1 {
		t.Errorf("Expected full history after paging, got %+v", msgs)
	}
}

// FUNCTIONAL VALIDATION TEST: senders over the limit get rate_limited for that message only
func TestChat_RateLimit(t *testing.T) {
	s := StartTestServer(t, func(cfg *config.Config) { cfg.Chat.RateLimit = 2 })
	aliceClient := s.Dial(t, alice)
	key := createCaseRoom(t, s)

	aliceChat, err := s.Open(t, aliceClient, alice, key, chatclient.ControllerOptions{})
	if err != nil {
		t.Fatalf("Alice failed to open room: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := aliceChat.Send(fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	failure := expectFailure(t, aliceChat, types.CodeRateLimited)
	if failure.Content != "message 3" {
		t.Errorf("Expected the third message to be refused, got %q", failure.Content)
	}
	Eventually(t, "two confirmed messages", func() bool {
		msgs := aliceChat.Messages()
		return len(msgs) == 2 && msgs[0].Status == chatclient.StatusConfirmed && msgs[1].Status == chatclient.StatusConfirmed
	})
}

func TestChat_AdminNotification(t *testing.T) {
	s := StartTestServer(t, nil)
	aliceClient := s.Dial(t, alice)

	body := api.NotificationRequest{UserID: alice.UserID, Kind: "case_update", Data: json.RawMessage(`{"caseId":"42"}`)}
	if status := s.Do(t, http.MethodPost, "/api/notifications", s.Token(t, bob), body, nil); status != http.StatusForbidden {
		t.Errorf("Non-admin notification should be forbidden, got %d", status)
	}
	if status := s.Do(t, http.MethodPost, "/api/notifications", s.Token(t, admin), body, nil); status != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", status)
	}

	n := WaitNotification(t, aliceClient, "case_update")
	if string(n.Data) != `{"caseId":"42"}` {
		t.Errorf("Unexpected notification data %s", n.Data)
	}
}

func TestChat_Health(t *testing.T) {
	s := StartTestServer(t, nil)

	var health api.HealthResponse
	if status := s.Do(t, http.MethodGet, "/health", "", nil, &health); status != http.StatusOK {
		t.Fatalf("Expected healthy server, got %d", status)
	}
}
