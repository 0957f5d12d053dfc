package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/srg/blemgr/internal/device"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an SQLite database.
// Characteristics and custom data live in child tables keyed by device id.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id           TEXT PRIMARY KEY,
			transport_id TEXT NOT NULL DEFAULT '',
			hardware_id  TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL DEFAULT '',
			updated_at   TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS devices_hardware_id
			ON devices(hardware_id) WHERE hardware_id <> '';
		CREATE TABLE IF NOT EXISTS characteristics (
			device_id      TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			service        TEXT NOT NULL,
			characteristic TEXT NOT NULL,
			value          BLOB NOT NULL,
			PRIMARY KEY (device_id, service, characteristic)
		);
		CREATE TABLE IF NOT EXISTS custom_data (
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,
			PRIMARY KEY (device_id, key)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fetch loads every record with its characteristics and custom data.
func (s *SQLiteStore) Fetch(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, transport_id, hardware_id, name, updated_at FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	index := make(map[string]int)
	for rows.Next() {
		var (
			r         Record
			updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.TransportID, &r.HardwareID, &r.Name, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		r.Characteristics = make(map[device.CharRef][]byte)
		r.CustomData = make(map[string]string)
		index[r.ID] = len(records)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	charRows, err := s.db.QueryContext(ctx,
		"SELECT device_id, service, characteristic, value FROM characteristics")
	if err != nil {
		return nil, fmt.Errorf("query characteristics: %w", err)
	}
	defer charRows.Close()
	for charRows.Next() {
		var (
			id    string
			ref   device.CharRef
			value []byte
		)
		if err := charRows.Scan(&id, &ref.Service, &ref.Characteristic, &value); err != nil {
			return nil, fmt.Errorf("scan characteristic: %w", err)
		}
		if i, ok := index[id]; ok {
			records[i].Characteristics[ref] = value
		}
	}
	if err := charRows.Err(); err != nil {
		return nil, err
	}

	dataRows, err := s.db.QueryContext(ctx, "SELECT device_id, key, value FROM custom_data")
	if err != nil {
		return nil, fmt.Errorf("query custom data: %w", err)
	}
	defer dataRows.Close()
	for dataRows.Next() {
		var id, key, value string
		if err := dataRows.Scan(&id, &key, &value); err != nil {
			return nil, fmt.Errorf("scan custom data: %w", err)
		}
		if i, ok := index[id]; ok {
			records[i].CustomData[key] = value
		}
	}
	return records, dataRows.Err()
}

// AddRecord inserts a record with its children in one transaction.
func (s *SQLiteStore) AddRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO devices (id, transport_id, hardware_id, name, updated_at) VALUES (?, ?, ?, ?, ?)",
			rec.ID, rec.TransportID, rec.HardwareID, rec.Name, s.timestamp())
		if err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		fields := make([]Field, 0, len(rec.Characteristics)+len(rec.CustomData))
		for ref, value := range rec.Characteristics {
			fields = append(fields, CharacteristicField{Ref: ref, Value: value})
		}
		for key, value := range rec.CustomData {
			fields = append(fields, CustomDataField{Key: key, Value: value})
		}
		return applyFields(ctx, tx, rec.ID, fields)
	})
}

// RemoveRecord deletes a record and its children.
func (s *SQLiteStore) RemoveRecord(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM characteristics WHERE device_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM custom_data WHERE device_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateRecord applies typed field updates to an existing record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, fields ...Field) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE devices SET updated_at = ? WHERE id = ?", s.timestamp(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return applyFields(ctx, tx, id, fields)
	})
}

// Reset removes every record.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"characteristics", "custom_data", "devices"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
}

func applyFields(ctx context.Context, tx *sql.Tx, id string, fields []Field) error {
	for _, f := range fields {
		var err error
		switch f := f.(type) {
		case NameField:
			_, err = tx.ExecContext(ctx, "UPDATE devices SET name = ? WHERE id = ?", f.Name, id)
		case TransportIDField:
			_, err = tx.ExecContext(ctx, "UPDATE devices SET transport_id = ? WHERE id = ?", f.TransportID, id)
		case HardwareIDField:
			_, err = tx.ExecContext(ctx, "UPDATE devices SET hardware_id = ? WHERE id = ?", f.HardwareID, id)
		case CharacteristicField:
			if f.Value == nil {
				_, err = tx.ExecContext(ctx,
					"DELETE FROM characteristics WHERE device_id = ? AND service = ? AND characteristic = ?",
					id, f.Ref.Service, f.Ref.Characteristic)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO characteristics (device_id, service, characteristic, value) VALUES (?, ?, ?, ?)
					ON CONFLICT(device_id, service, characteristic) DO UPDATE SET value = excluded.value`,
					id, f.Ref.Service, f.Ref.Characteristic, f.Value)
			}
		case CustomDataField:
			if f.Value == "" {
				_, err = tx.ExecContext(ctx, "DELETE FROM custom_data WHERE device_id = ? AND key = ?", id, f.Key)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO custom_data (device_id, key, value) VALUES (?, ?, ?)
					ON CONFLICT(device_id, key) DO UPDATE SET value = excluded.value`,
					id, f.Key, f.Value)
			}
		default:
			err = fmt.Errorf("unsupported field %T", f)
		}
		if err != nil {
			return fmt.Errorf("apply %T: %w", f, err)
		}
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}
