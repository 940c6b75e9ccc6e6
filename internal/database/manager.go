package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	dbconfig "legalchat/pkg/database"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// Manager implements the ChatStore interface on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	logger       zerolog.Logger
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(*sql.DB) error
	result    chan error
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var _ interfaces.ChatStore = (*Manager)(nil)

// NewManager opens the database, applies pending migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." && config.DatabasePath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// ARCHITECTURAL DISCOVERY: SQLite connection string carries the same
	// settings as the pragmas so every pooled connection gets them
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, config.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		logger:       pkglog.L().With().Str("component", "store").Logger(),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// runWrite retries an operation only while SQLite reports the database busy
// or locked. Any other failure is returned as is.
func (m *Manager) runWrite(op writeOperation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op.operation(m.db)
		if err == nil {
			return nil
		}
		if !isContention(err) {
			return backoff.Permanent(err)
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("database busy, retrying write")
		return err
	}, backoff.WithContext(policy, op.ctx))
}

// isContention reports SQLITE_BUSY and SQLITE_LOCKED
func isContention(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// TECHNICAL DISCOVERY: once queued the operation always reports back,
	// unless the loop exits before picking it up
	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		select {
		case err := <-result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// FindRoom returns the room with its participants and read cursors
func (m *Manager) FindRoom(ctx context.Context, key string) (*types.Room, error) {
	return loadRoom(ctx, m.db, key)
}

// FindCaseRoom looks a case-bound room up by its case reference
func (m *Manager) FindCaseRoom(ctx context.Context, caseType, caseID string) (*types.Room, error) {
	key, err := findCaseRoomKey(ctx, m.db, caseType, caseID)
	if err != nil {
		return nil, err
	}
	return loadRoom(ctx, m.db, key)
}

// CreateRoom inserts a room unless one with the same key or case reference exists
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) (*types.Room, bool, error) {
	if room == nil || room.Binding == nil {
		return nil, false, fmt.Errorf("room binding is required")
	}
	if len(room.Participants) == 0 {
		return nil, false, types.ErrEmptyParticipants
	}

	var stored *types.Room
	var created bool

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		// FUNCTIONAL DISCOVERY: Creation is idempotent, the existing room wins
		existing, err := loadRoom(ctx, tx, room.Key)
		if err == nil {
			stored, created = existing, false
			return nil
		}
		if !errors.Is(err, types.ErrRoomNotFound) {
			return err
		}

		if cb, ok := room.Binding.(types.CaseBinding); ok {
			key, err := findCaseRoomKey(ctx, tx, cb.CaseType, cb.CaseID)
			if err == nil {
				existing, err := loadRoom(ctx, tx, key)
				if err != nil {
					return err
				}
				stored, created = existing, false
				return nil
			}
			if !errors.Is(err, types.ErrRoomNotFound) {
				return err
			}
		}

		if err := insertRoom(ctx, tx, room); err != nil {
			return err
		}

		fresh, err := loadRoom(ctx, tx, room.Key)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit room creation: %w", err)
		}
		stored, created = fresh, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

func insertRoom(ctx context.Context, tx *sql.Tx, room *types.Room) error {
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = room.CreatedAt

	var requestedBy, invitee, caseType, caseID sql.NullString
	switch b := room.Binding.(type) {
	case types.DirectBinding:
		requestedBy = sql.NullString{String: b.RequestedBy, Valid: true}
		invitee = sql.NullString{String: b.Invitee, Valid: true}
	case types.CaseBinding:
		caseType = sql.NullString{String: b.CaseType, Valid: true}
		caseID = sql.NullString{String: b.CaseID, Valid: true}
	}

	query := `
		INSERT INTO rooms (room_key, kind, state, requested_by, invitee, case_type, case_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		room.Key,
		room.Kind(),
		room.State,
		requestedBy,
		invitee,
		caseType,
		caseID,
		room.CreatedAt,
		room.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}

	for i, p := range room.Participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO room_participants (room_key, user_id, role, position) VALUES (?, ?, ?, ?)`,
			room.Key, p.UserID, p.Role, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert participant %s: %w", p.UserID, err)
		}
	}

	return nil
}

// UpdateRoomState moves a room between lifecycle states
func (m *Manager) UpdateRoomState(ctx context.Context, key, state string) (*types.Room, error) {
	var updated *types.Room

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE rooms SET state = ?, updated_at = ? WHERE room_key = ?`,
			state, time.Now().UTC(), key,
		)
		if err != nil {
			return fmt.Errorf("failed to update room state: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrRoomNotFound
		}

		updated, err = loadRoom(ctx, db, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// ListRoomsForUser returns every room the user participates in
func (m *Manager) ListRoomsForUser(ctx context.Context, userID string) ([]*types.Room, error) {
	// ARCHITECTURAL DISCOVERY: keys are collected and the cursor closed before
	// loading rooms so a single pooled connection cannot deadlock
	query := `
		SELECT r.room_key
		FROM rooms r
		JOIN room_participants p ON p.room_key = r.room_key
		WHERE p.user_id = ?
		ORDER BY r.updated_at DESC, r.room_key ASC
	`
	rows, err := m.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan room key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	_ = rows.Close()

	rooms := make([]*types.Room, 0, len(keys))
	for _, key := range keys {
		room, err := loadRoom(ctx, m.db, key)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

// AppendMessage persists a message and updates the room's last message
func (m *Manager) AppendMessage(ctx context.Context, roomKey, senderID, content, msgType string) (*types.Message, error) {
	if !types.IsValidMessageType(msgType) {
		return nil, types.ErrInvalidMessageType
	}

	msg := &types.Message{
		ID:       ulid.Make().String(),
		RoomKey:  roomKey,
		SenderID: senderID,
		Content:  content,
		Type:     msgType,
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		msg.CreatedAt = time.Now().UTC()

		// TECHNICAL DISCOVERY: the seq counter lives on the room row so the
		// increment and the insert commit together
		res, err := tx.ExecContext(ctx, `
			UPDATE rooms
			SET next_seq = next_seq + 1, last_sender = ?, last_content = ?, last_at = ?, updated_at = ?
			WHERE room_key = ?
		`, senderID, content, msg.CreatedAt, msg.CreatedAt, roomKey)
		if err != nil {
			return fmt.Errorf("failed to advance room sequence: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrRoomNotFound
		}

		if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM rooms WHERE room_key = ?`, roomKey).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("failed to read room sequence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, room_key, seq, sender_id, content, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.RoomKey, msg.Seq, msg.SenderID, msg.Content, msg.Type, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

const messageColumns = `id, room_key, seq, sender_id, content, type, created_at`

// ListMessages returns one page of history ordered oldest to newest
func (m *Manager) ListMessages(ctx context.Context, roomKey string, page types.Page) (*types.MessagePage, error) {
	page = page.Normalize()

	// FUNCTIONAL DISCOVERY: pages count back from the newest message, one
	// extra row tells whether older history remains
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE room_key = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`

	rows, err := m.db.QueryContext(ctx, query, roomKey, page.Limit+1, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	result := &types.MessagePage{
		Page:  page.Number,
		Limit: page.Limit,
	}
	if len(messages) > page.Limit {
		result.HasMore = true
		messages = messages[:page.Limit]
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	result.Messages = messages
	if result.Messages == nil {
		result.Messages = []*types.Message{}
	}

	return result, nil
}

// FindMessage returns a message of roomKey by ID
func (m *Manager) FindMessage(ctx context.Context, roomKey, messageID string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_key = ? AND id = ?`,
		roomKey, messageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrMessageNotFound
	}
	return msg, err
}

// LatestMessage returns the newest message in a room, or nil if it has none
func (m *Manager) LatestMessage(ctx context.Context, roomKey string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_key = ? ORDER BY seq DESC LIMIT 1`,
		roomKey,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// SetReadCursor advances the user's cursor; older cursors are ignored
func (m *Manager) SetReadCursor(ctx context.Context, roomKey, userID string, cursor types.ReadCursor) (bool, error) {
	if cursor.ReadAt.IsZero() {
		cursor.ReadAt = time.Now().UTC()
	}

	var advanced bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		// TECHNICAL DISCOVERY: the conflict clause only fires for a strictly
		// later seq, so the cursor never moves backwards
		res, err := db.ExecContext(ctx, `
			INSERT INTO read_cursors (room_key, user_id, message_id, seq, read_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (room_key, user_id) DO UPDATE
			SET message_id = excluded.message_id, seq = excluded.seq, read_at = excluded.read_at
			WHERE excluded.seq > read_cursors.seq
		`, roomKey, userID, cursor.MessageID, cursor.Seq, cursor.ReadAt)
		if err != nil {
			return fmt.Errorf("failed to store read cursor: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read cursor result: %w", err)
		}
		advanced = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return advanced, nil
}

// CountUnread counts messages after the user's cursor sent by others
func (m *Manager) CountUnread(ctx context.Context, roomKey, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE room_key = ?
		  AND sender_id <> ?
		  AND seq > COALESCE((SELECT seq FROM read_cursors WHERE room_key = ? AND user_id = ?), 0)
	`
	var count int
	if err := m.db.QueryRowContext(ctx, query, roomKey, userID, roomKey, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// DB returns the underlying connection pool
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func findCaseRoomKey(ctx context.Context, q queryer, caseType, caseID string) (string, error) {
	var key string
	err := q.QueryRowContext(ctx,
		`SELECT room_key FROM rooms WHERE kind = 'case' AND case_type = ? AND case_id = ?`,
		caseType, caseID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query case room: %w", err)
	}
	return key, nil
}

// loadRoom assembles a room from its row, participants and read cursors
func loadRoom(ctx context.Context, q queryer, key string) (*types.Room, error) {
	var room types.Room
	var kind string
	var requestedBy, invitee, caseType, caseID sql.NullString
	var lastSender, lastContent sql.NullString
	var lastAt sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT room_key, kind, state, requested_by, invitee, case_type, case_id,
		       last_sender, last_content, last_at, created_at, updated_at
		FROM rooms
		WHERE room_key = ?
	`, key).Scan(
		&room.Key,
		&kind,
		&room.State,
		&requestedBy,
		&invitee,
		&caseType,
		&caseID,
		&lastSender,
		&lastContent,
		&lastAt,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}

	switch kind {
	case types.BindingDirect:
		room.Binding = types.DirectBinding{RequestedBy: requestedBy.String, Invitee: invitee.String}
	case types.BindingCase:
		room.Binding = types.CaseBinding{CaseType: caseType.String, CaseID: caseID.String}
	default:
		return nil, fmt.Errorf("room %s has unknown kind %q", key, kind)
	}

	if lastAt.Valid {
		room.LastMessage = &types.MessageSummary{
			SenderID:  lastSender.String,
			Content:   lastContent.String,
			Timestamp: lastAt.Time,
		}
	}

	if room.Participants, err = loadParticipants(ctx, q, key); err != nil {
		return nil, err
	}
	if room.ReadCursors, err = loadCursors(ctx, q, key); err != nil {
		return nil, err
	}

	return &room, nil
}

func loadParticipants(ctx context.Context, q queryer, key string) ([]types.Participant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, role FROM room_participants WHERE room_key = ? ORDER BY position`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []types.Participant
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.UserID, &p.Role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func loadCursors(ctx context.Context, q queryer, key string) (map[string]types.ReadCursor, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, message_id, seq, read_at FROM read_cursors WHERE room_key = ?`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query read cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cursors := make(map[string]types.ReadCursor)
	for rows.Next() {
		var userID string
		var c types.ReadCursor
		if err := rows.Scan(&userID, &c.MessageID, &c.Seq, &c.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan read cursor: %w", err)
		}
		cursors[userID] = c
	}
	return cursors, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner) (*types.Message, error) {
	var msg types.Message
	err := s.Scan(
		&msg.ID,
		&msg.RoomKey,
		&msg.Seq,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &msg, nil
}
