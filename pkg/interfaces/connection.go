package interfaces

import "legalchat/pkg/types"

// Connection represents one live client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and chat logic
type Connection interface {
	// ID is unique per connection; a user may hold several at once
	ID() string

	// Identity returns the verified caller resolved at handshake
	Identity() types.Identity

	// WriteJSON sends a JSON message to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// IsAuthenticated returns true once credentials have been set
	IsAuthenticated() bool
}
