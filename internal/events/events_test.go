package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"legalchat/pkg/interfaces"
	"legalchat/pkg/types"
)

func TestPublishers_ImplementInterface(t *testing.T) {
	var _ interfaces.MessagePublisher = &KafkaPublisher{}
	var _ interfaces.MessagePublisher = NopPublisher{}
}

func TestEncodeMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := encodeMessage(&types.Message{
		ID:        "01HX",
		RoomKey:   "dm:alice:bob",
		SenderID:  "alice",
		Content:   "hello",
		Type:      types.MessageTypeText,
		Seq:       7,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("encodeMessage failed: %v", err)
	}

	var event MessageEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if event.RoomKey != "dm:alice:bob" || event.Seq != 7 || !event.CreatedAt.Equal(created) {
		t.Errorf("Unexpected event %+v", event)
	}

	if _, err := encodeMessage(nil); err == nil {
		t.Error("encodeMessage(nil) should fail")
	}
}

func TestNopPublisher(t *testing.T) {
	p := NopPublisher{}
	if err := p.PublishMessage(context.Background(), &types.Message{}); err != nil {
		t.Errorf("NopPublisher should never fail, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
