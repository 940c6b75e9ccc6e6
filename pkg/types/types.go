package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Participant roles
const (
	RoleCitizen = "citizen"
	RoleLawyer  = "lawyer"
	RoleAdmin   = "admin"
)

// Room lifecycle states
// ARCHITECTURAL DISCOVERY: pending only ever applies to direct rooms;
// case-bound rooms are created active
const (
	RoomStatePending = "pending"
	RoomStateActive  = "active"
)

// Room binding kinds
const (
	BindingDirect = "direct"
	BindingCase   = "case"
)

const (
	MessageTypeText = "text"

	// MaxContentLength is counted in runes after trimming
	MaxContentLength = 1000
)

// Identity is the verified caller behind a connection or API request
type Identity struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

// Participant is one member of a room
type Participant struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// RoomBinding is the tagged variant describing what a room is attached to.
// Implementations are DirectBinding and CaseBinding; callers switch on the
// concrete type rather than probing optional fields.
type RoomBinding interface {
	Kind() string
	isRoomBinding()
}

// DirectBinding is a two-party room requested by one participant
type DirectBinding struct {
	RequestedBy string `json:"requestedBy"`
	Invitee     string `json:"invitee"`
}

func (DirectBinding) Kind() string   { return BindingDirect }
func (DirectBinding) isRoomBinding() {}

// CaseBinding ties a room to a case record owned by the CRUD layer
type CaseBinding struct {
	CaseType string `json:"caseType"`
	CaseID   string `json:"caseId"`
}

func (CaseBinding) Kind() string   { return BindingCase }
func (CaseBinding) isRoomBinding() {}

// MessageSummary is the denormalized last message kept on a room for list views
type MessageSummary struct {
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadCursor marks how far a participant has read into a room
type ReadCursor struct {
	MessageID string    `json:"messageId"`
	Seq       int64     `json:"seq"`
	ReadAt    time.Time `json:"readAt"`
}

// Room is the durable chat room record and the unit of consistency
// FUNCTIONAL DISCOVERY: participants are fixed at creation, only state,
// last message and read cursors change afterwards
type Room struct {
	Key          string                `json:"roomKey"`
	Participants []Participant         `json:"participants"`
	Binding      RoomBinding           `json:"-"`
	State        string                `json:"state"`
	LastMessage  *MessageSummary       `json:"lastMessage,omitempty"`
	ReadCursors  map[string]ReadCursor `json:"readCursors,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// HasParticipant reports whether userID is in the room's participant set
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// IsActive reports whether messages may flow in the room
func (r *Room) IsActive() bool {
	return r.State == RoomStateActive
}

// Kind returns the binding kind, or "" for a room without binding
func (r *Room) Kind() string {
	if r.Binding == nil {
		return ""
	}
	return r.Binding.Kind()
}

// Others returns the participants other than userID
func (r *Room) Others(userID string) []Participant {
	others := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.UserID != userID {
			others = append(others, p)
		}
	}
	return others
}

type roomJSON struct {
	Key          string                `json:"roomKey"`
	Kind         string                `json:"kind"`
	Participants []Participant         `json:"participants"`
	State        string                `json:"state"`
	Direct       *DirectBinding        `json:"direct,omitempty"`
	Case         *CaseBinding          `json:"case,omitempty"`
	LastMessage  *MessageSummary       `json:"lastMessage,omitempty"`
	ReadCursors  map[string]ReadCursor `json:"readCursors,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// MarshalJSON flattens the binding variant into a kind tag plus its fields
func (r Room) MarshalJSON() ([]byte, error) {
	out := roomJSON{
		Key:          r.Key,
		Kind:         r.Kind(),
		Participants: r.Participants,
		State:        r.State,
		LastMessage:  r.LastMessage,
		ReadCursors:  r.ReadCursors,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	switch b := r.Binding.(type) {
	case DirectBinding:
		out.Direct = &b
	case CaseBinding:
		out.Case = &b
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the binding variant from its kind tag
func (r *Room) UnmarshalJSON(data []byte) error {
	var in roomJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*r = Room{
		Key:          in.Key,
		Participants: in.Participants,
		State:        in.State,
		LastMessage:  in.LastMessage,
		ReadCursors:  in.ReadCursors,
		CreatedAt:    in.CreatedAt,
		UpdatedAt:    in.UpdatedAt,
	}

	switch in.Kind {
	case BindingDirect:
		if in.Direct == nil {
			return fmt.Errorf("direct room %s missing binding", in.Key)
		}
		r.Binding = *in.Direct
	case BindingCase:
		if in.Case == nil {
			return fmt.Errorf("case room %s missing binding", in.Key)
		}
		r.Binding = *in.Case
	case "":
	default:
		return fmt.Errorf("unknown room kind %q", in.Kind)
	}
	return nil
}

// Message is an immutable persisted chat message
// ARCHITECTURAL DISCOVERY: Seq is assigned by the store inside the append
// transaction and is the authoritative tie-breaker for equal CreatedAt
type Message struct {
	ID        string    `json:"id"`
	RoomKey   string    `json:"roomKey"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary is a list-view row for one room from one user's perspective
type RoomSummary struct {
	Room        *Room `json:"room"`
	UnreadCount int   `json:"unreadCount"`
}

// Page selects a slice of a room's history, counted from the newest message
type Page struct {
	Number int `json:"page"`
	Limit  int `json:"limit"`
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Normalize clamps the page into the supported range
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset is the number of newest messages skipped before this page
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Number - 1) * n.Limit
}

// MessagePage is one page of history ordered oldest to newest
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Page     int        `json:"page"`
	Limit    int        `json:"limit"`
	HasMore  bool       `json:"hasMore"`
}
