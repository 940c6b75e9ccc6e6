package router

import "sync"

// roomLocks hands out one mutex per room key and forgets it once unused
// TECHNICAL DISCOVERY: reference counting keeps the map bounded by the
// number of rooms with in-flight events, not by every room ever seen
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// Lock blocks until the room is free and returns its unlock function
func (l *roomLocks) Lock(roomKey string) func() {
	l.mu.Lock()
	lock, exists := l.locks[roomKey]
	if !exists {
		lock = &roomLock{}
		l.locks[roomKey] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, roomKey)
		}
		l.mu.Unlock()
	}
}

// size is the number of live lock entries
func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
