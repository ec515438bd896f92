package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteResultStore implements ResultStore using SQLite.
type SQLiteResultStore struct {
	db *sql.DB
}

// NewSQLiteResultStore creates a new SQLite-backed ResultStore.
func NewSQLiteResultStore(dbPath string) (*SQLiteResultStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteResultStore{db: db}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteResultStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS register_results (
		device_id TEXT NOT NULL,
		register INTEGER NOT NULL,
		readable INTEGER NOT NULL,
		scanned_at DATETIME NOT NULL,
		value_hi INTEGER,
		value_lo INTEGER,
		PRIMARY KEY (device_id, register)
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT,
		protocol_version INTEGER,
		device_type TEXT
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Upsert records a register result. If a readable=true row already exists
// for this key, a readable=false result never overwrites it (policy: keep
// the better outcome).
func (s *SQLiteResultStore) Upsert(ctx context.Context, result RegisterResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existingReadable sql.NullBool
	err = tx.QueryRowContext(ctx,
		`SELECT readable FROM register_results WHERE device_id = ? AND register = ?`,
		result.DeviceID, result.Register,
	).Scan(&existingReadable)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query existing result: %w", err)
	}

	if existingReadable.Valid && existingReadable.Bool && !result.Readable {
		// Keep the prior readable=true outcome; do not downgrade.
		return tx.Commit()
	}

	var valueHi, valueLo sql.NullInt64
	if result.Value != nil {
		valueHi = sql.NullInt64{Int64: int64(result.Value[0]), Valid: true}
		valueLo = sql.NullInt64{Int64: int64(result.Value[1]), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_results (device_id, register, readable, scanned_at, value_hi, value_lo)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, register) DO UPDATE SET
			readable = excluded.readable,
			scanned_at = excluded.scanned_at,
			value_hi = excluded.value_hi,
			value_lo = excluded.value_lo
	`, result.DeviceID, result.Register, result.Readable, result.ScannedAt, valueHi, valueLo)
	if err != nil {
		return fmt.Errorf("upsert register result: %w", err)
	}

	return tx.Commit()
}

// Get returns the stored result for one register, or nil if unscanned.
func (s *SQLiteResultStore) Get(ctx context.Context, deviceID string, register uint16) (*RegisterResult, error) {
	var result RegisterResult
	var valueHi, valueLo sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, register, readable, scanned_at, value_hi, value_lo
		FROM register_results WHERE device_id = ? AND register = ?
	`, deviceID, register).Scan(
		&result.DeviceID, &result.Register, &result.Readable, &result.ScannedAt, &valueHi, &valueLo,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query register result: %w", err)
	}

	if valueHi.Valid && valueLo.Valid {
		result.Value = &[2]byte{byte(valueHi.Int64), byte(valueLo.Int64)}
	}

	return &result, nil
}

// ScannedAddresses returns the sorted set of register addresses already
// stored for the device.
func (s *SQLiteResultStore) ScannedAddresses(ctx context.Context, deviceID string) ([]uint16, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT register FROM register_results WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query scanned addresses: %w", err)
	}
	defer rows.Close()

	var addrs []uint16
	for rows.Next() {
		var addr int64
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addrs = append(addrs, uint16(addr))
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

// ListByDevice returns every stored result for a device.
func (s *SQLiteResultStore) ListByDevice(ctx context.Context, deviceID string) ([]RegisterResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, register, readable, scanned_at, value_hi, value_lo
		FROM register_results WHERE device_id = ? ORDER BY register
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []RegisterResult
	for rows.Next() {
		var r RegisterResult
		var valueHi, valueLo sql.NullInt64
		if err := rows.Scan(&r.DeviceID, &r.Register, &r.Readable, &r.ScannedAt, &valueHi, &valueLo); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if valueHi.Valid && valueLo.Valid {
			r.Value = &[2]byte{byte(valueHi.Int64), byte(valueLo.Int64)}
		}
		results = append(results, r)
	}

	return results, nil
}

// SaveDevice upserts the device-level record.
func (s *SQLiteResultStore) SaveDevice(ctx context.Context, rec DeviceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, protocol_version, device_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			protocol_version = excluded.protocol_version,
			device_type = excluded.device_type
	`, rec.ID, rec.Name, rec.ProtocolVersion, rec.DeviceType)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// GetDevice returns the stored device record, or nil if unknown.
func (s *SQLiteResultStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, protocol_version, device_type FROM devices WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &rec.ProtocolVersion, &rec.DeviceType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return &rec, nil
}

// Close closes the database connection.
func (s *SQLiteResultStore) Close() error {
	return s.db.Close()
}
