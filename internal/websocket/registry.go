package websocket

import (
	"sort"
	"sync"

	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
)

// Registry tracks live connections, the personal channel of each user and
// the room groups connections have joined
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic.
// Group membership here is a delivery list, never an authorization source.
type Registry struct {
	mu          sync.RWMutex                                // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	connections map[string]interfaces.Connection            // connID -> Connection
	users       map[string]map[string]interfaces.Connection // userID -> connID -> Connection
	rooms       map[string]map[string]interfaces.Connection // roomKey -> connID -> Connection
	joined      map[string]map[string]struct{}              // connID -> roomKeys
}

// NewRegistry creates a new connection registry
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access during concurrent operations
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		users:       make(map[string]map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		joined:      make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated connection. A user may hold several
// connections at once; each is tracked independently.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.Identity().UserID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return nil
	}

	r.connections[conn.ID()] = conn
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]interfaces.Connection)
	}
	r.users[userID][conn.ID()] = conn
	r.joined[conn.ID()] = make(map[string]struct{})

	metrics.ConnectionsActive.Inc()
	return nil
}

// Unregister removes conn from every map and returns the rooms its user
// no longer has any connection in, sorted
// RACE CONDITION FIX: idempotent, a second call returns nothing
func (r *Registry) Unregister(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; !exists {
		return nil
	}

	userID := conn.Identity().UserID
	var departed []string
	for roomKey := range r.joined[conn.ID()] {
		r.removeFromRoom(conn.ID(), roomKey)
		if !r.userInRoom(userID, roomKey) {
			departed = append(departed, roomKey)
		}
	}

	delete(r.joined, conn.ID())
	delete(r.connections, conn.ID())
	if conns, exists := r.users[userID]; exists {
		delete(conns, conn.ID())
		// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}

	metrics.ConnectionsActive.Dec()
	sort.Strings(departed)
	return departed
}

// JoinRoom adds a registered connection to a room group.
// It reports false for an unregistered connection.
func (r *Registry) JoinRoom(conn interfaces.Connection, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, exists := r.joined[conn.ID()]
	if !exists {
		return false
	}

	rooms[roomKey] = struct{}{}
	if r.rooms[roomKey] == nil {
		r.rooms[roomKey] = make(map[string]interfaces.Connection)
	}
	r.rooms[roomKey][conn.ID()] = conn
	return true
}

// LeaveRoom removes conn from a room group. left reports whether it was in
// the group; userGone whether its user has no connection left there.
func (r *Registry) LeaveRoom(conn interfaces.Connection, roomKey string) (left, userGone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, exists := r.joined[conn.ID()]
	if !exists {
		return false, false
	}
	if _, in := rooms[roomKey]; !in {
		return false, false
	}

	delete(rooms, roomKey)
	r.removeFromRoom(conn.ID(), roomKey)
	return true, !r.userInRoom(conn.Identity().UserID, roomKey)
}

// removeFromRoom must be called with the write lock held
func (r *Registry) removeFromRoom(connID, roomKey string) {
	if group, exists := r.rooms[roomKey]; exists {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.rooms, roomKey)
		}
	}
}

// userInRoom must be called with the lock held
func (r *Registry) userInRoom(userID, roomKey string) bool {
	for _, conn := range r.rooms[roomKey] {
		if conn.Identity().UserID == userID {
			return true
		}
	}
	return false
}

// RoomConnections returns a snapshot of the connections joined to a room
func (r *Registry) RoomConnections(roomKey string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.rooms[roomKey]
	connections := make([]interfaces.Connection, 0, len(group))
	for _, conn := range group {
		connections = append(connections, conn)
	}
	return connections
}

// UserConnections returns a snapshot of the user's personal channel
func (r *Registry) UserConnections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	connections := make([]interfaces.Connection, 0, len(conns))
	for _, conn := range conns {
		connections = append(connections, conn)
	}
	return connections
}

// InRoom reports whether the connection has joined roomKey
func (r *Registry) InRoom(conn interfaces.Connection, roomKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, in := r.joined[conn.ID()][roomKey]
	return in
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"online_users":      len(r.users),
		"active_rooms":      len(r.rooms),
	}
}

// CloseAll closes every registered connection; their read pumps then
// unregister them
func (r *Registry) CloseAll() {
	r.mu.RLock()
	connections := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	r.mu.RUnlock()

	for _, conn := range connections {
		_ = conn.Close()
	}
}
