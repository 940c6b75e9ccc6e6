package types

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	directKeyPrefix = "dm:"
	caseKeyPrefix   = "case:"
)

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: the character set excludes ':' so direct room keys
// can be split back into their two participants unambiguously
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether role is a known participant role
func IsValidRole(role string) bool {
	switch role {
	case RoleCitizen, RoleLawyer, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsValidMessageType checks if the message type is one of the allowed types
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeText:
		return true
	default:
		return false
	}
}

// DirectRoomKey derives the room key for a two-party chat.
// The key is the same regardless of argument order.
func DirectRoomKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directKeyPrefix + a + ":" + b
}

// NewCaseRoomKey generates an opaque key for a case-bound room
func NewCaseRoomKey() string {
	return caseKeyPrefix + uuid.New().String()
}

// IsValidRoomKey checks the shape of a room key without touching the store
func IsValidRoomKey(key string) bool {
	switch {
	case strings.HasPrefix(key, directKeyPrefix):
		parts := strings.Split(strings.TrimPrefix(key, directKeyPrefix), ":")
		return len(parts) == 2 && IsValidUserID(parts[0]) && IsValidUserID(parts[1]) && parts[0] < parts[1]
	case strings.HasPrefix(key, caseKeyPrefix):
		_, err := uuid.Parse(strings.TrimPrefix(key, caseKeyPrefix))
		return err == nil
	default:
		return false
	}
}

// NormalizeContent trims content and enforces the length bound in runes
func NormalizeContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if maxLength <= 0 {
		maxLength = MaxContentLength
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ValidateParticipants checks a participant list for room creation
func ValidateParticipants(participants []Participant) error {
	if len(participants) == 0 {
		return ErrEmptyParticipants
	}
	for _, p := range participants {
		if !IsValidUserID(p.UserID) {
			return ErrInvalidUserID
		}
		if !IsValidRole(p.Role) {
			return ErrInvalidRole
		}
	}
	return nil
}
