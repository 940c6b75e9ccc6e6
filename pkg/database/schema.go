package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"rooms":             "Chat room records",
		"room_participants": "Room membership",
		"messages":          "Message history",
		"read_cursors":      "Per-participant read state",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"rooms": {
			"room_key":     "TEXT",
			"kind":         "TEXT",
			"state":        "TEXT",
			"requested_by": "TEXT",
			"invitee":      "TEXT",
			"case_type":    "TEXT",
			"case_id":      "TEXT",
			"last_sender":  "TEXT",
			"last_content": "TEXT",
			"last_at":      "DATETIME",
			"next_seq":     "INTEGER",
			"created_at":   "DATETIME",
			"updated_at":   "DATETIME",
		},
		"room_participants": {
			"room_key": "TEXT",
			"user_id":  "TEXT",
			"role":     "TEXT",
			"position": "INTEGER",
		},
		"messages": {
			"id":         "TEXT",
			"room_key":   "TEXT",
			"seq":        "INTEGER",
			"sender_id":  "TEXT",
			"content":    "TEXT",
			"type":       "TEXT",
			"created_at": "DATETIME",
		},
		"read_cursors": {
			"room_key":   "TEXT",
			"user_id":    "TEXT",
			"message_id": "TEXT",
			"seq":        "INTEGER",
			"read_at":    "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_rooms_case_ref":    "Idempotent case room lookup",
		"idx_rooms_updated":     "Room list ordering",
		"idx_participants_user": "Rooms per user",
		"idx_messages_room_seq": "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced
// ARCHITECTURAL DISCOVERY: constraint checks run inside a rolled back transaction so
// the check never leaves rows behind
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, room_key, seq, sender_id, content, type, created_at)
		VALUES ('constraint-check', 'missing-room', 1, 'u1', 'x', 'text', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.room_key")
	}

	if _, err := tx.Exec(`INSERT INTO rooms (room_key, kind, state) VALUES ('constraint-check', 'group', 'active')`); err == nil {
		return fmt.Errorf("check constraint not enforced: room kind")
	}

	if _, err := tx.Exec(`INSERT INTO rooms (room_key, kind, state) VALUES ('constraint-check', 'case', 'active')`); err == nil {
		return fmt.Errorf("check constraint not enforced: case reference")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
