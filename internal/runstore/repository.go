package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists last-known attribute values per session and
// device, so a re-created session resumes from where the previous run
// left off instead of the type defaults.
type Repository interface {
	// SaveValues upserts a batch of attribute values for one device.
	SaveValues(ctx context.Context, sessionID, deviceID string, values map[string]any) error

	// LoadValues returns every stored attribute value for one device.
	// An unknown device yields an empty map, not an error.
	LoadValues(ctx context.Context, sessionID, deviceID string) (map[string]any, error)

	// DeleteSession removes every stored value for one session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the
// run_values migration applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveValues upserts a batch of attribute values in one transaction.
// Values are stored JSON-encoded so Number, Boolean and Text attributes
// round-trip without schema changes.
func (r *SQLiteRepository) SaveValues(ctx context.Context, sessionID, deviceID string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning run-value transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
		INSERT INTO run_values (session_id, device_id, attribute, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, device_id, attribute)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	now := time.Now().UTC().Format(time.RFC3339)
	for name, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding run value %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, query, sessionID, deviceID, name, string(encoded), now); err != nil {
			return fmt.Errorf("upserting run value %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run values: %w", err)
	}
	return nil
}

// LoadValues returns every stored attribute value for one device.
func (r *SQLiteRepository) LoadValues(ctx context.Context, sessionID, deviceID string) (map[string]any, error) {
	query := `
		SELECT attribute, value
		FROM run_values
		WHERE session_id = ? AND device_id = ?`

	rows, err := r.db.QueryContext(ctx, query, sessionID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying run values: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	values := make(map[string]any)
	for rows.Next() {
		var attribute, encoded string
		if err := rows.Scan(&attribute, &encoded); err != nil {
			return nil, fmt.Errorf("scanning run value: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decoding run value %s: %w", attribute, err)
		}
		values[attribute] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run values: %w", err)
	}
	return values, nil
}

// DeleteSession removes every stored value for one session.
func (r *SQLiteRepository) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM run_values WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session run values: %w", err)
	}
	return nil
}
