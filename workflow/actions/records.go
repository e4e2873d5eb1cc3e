// Package actions holds the built-in workflow action handlers and the record
// stores they write to.
package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when an update targets a missing record.
var ErrRecordNotFound = errors.New("actions: record not found")

// Record is one row of a record store table.
type Record struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RecordStore persists records written by update_record and route_document.
type RecordStore interface {
	// Append inserts a new record with a generated id.
	Append(ctx context.Context, table string, fields map[string]any) (Record, error)
	// Update merges fields into an existing record.
	Update(ctx context.Context, table, id string, fields map[string]any) (Record, error)
	// Upsert merges fields into the record, creating it when missing.
	Upsert(ctx context.Context, table, id string, fields map[string]any) (Record, error)
	Get(ctx context.Context, table, id string) (Record, error)
	List(ctx context.Context, table string) ([]Record, error)
}

// MemoryRecordStore is a RecordStore kept in process memory.
type MemoryRecordStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
	now    func() time.Time
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{tables: make(map[string]map[string]Record), now: time.Now}
}

func (s *MemoryRecordStore) Append(_ context.Context, table string, fields map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := Record{ID: uuid.NewString(), Table: table, Fields: maps.Clone(fields), CreatedAt: now, UpdatedAt: now}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	s.table(table)[rec.ID] = rec
	return copyRecord(rec), nil
}

func (s *MemoryRecordStore) Update(_ context.Context, table, id string, fields map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}
	return s.merge(rec, fields), nil
}

func (s *MemoryRecordStore) Upsert(_ context.Context, table, id string, fields map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][id]
	if !ok {
		now := s.now()
		rec = Record{ID: id, Table: table, Fields: map[string]any{}, CreatedAt: now}
	}
	return s.merge(rec, fields), nil
}

func (s *MemoryRecordStore) merge(rec Record, fields map[string]any) Record {
	rec.Fields = maps.Clone(rec.Fields)
	maps.Copy(rec.Fields, fields)
	rec.UpdatedAt = s.now()
	s.table(rec.Table)[rec.ID] = rec
	return copyRecord(rec)
}

func (s *MemoryRecordStore) table(name string) map[string]Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]Record)
		s.tables[name] = t
	}
	return t
}

func (s *MemoryRecordStore) Get(_ context.Context, table, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, id)
	}
	return copyRecord(rec), nil
}

// List returns the table's records, oldest first.
func (s *MemoryRecordStore) List(_ context.Context, table string) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.tables[table]))
	for _, rec := range s.tables[table] {
		out = append(out, copyRecord(rec))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func copyRecord(r Record) Record {
	r.Fields = maps.Clone(r.Fields)
	return r
}

// SQLiteRecordStore is a RecordStore backed by a SQLite database. Fields are
// stored as a JSON document per record.
type SQLiteRecordStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRecordStore opens the database at dbPath, ":memory:" included, and
// creates the records table if needed.
func NewSQLiteRecordStore(dbPath string) (*SQLiteRecordStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	createSQL := `CREATE TABLE IF NOT EXISTS records (
		table_name TEXT NOT NULL,
		id         TEXT NOT NULL,
		fields     TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, id)
	)`
	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteRecordStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteRecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRecordStore) Append(ctx context.Context, table string, fields map[string]any) (Record, error) {
	now := s.now().UTC()
	rec := Record{ID: uuid.NewString(), Table: table, Fields: maps.Clone(fields), CreatedAt: now, UpdatedAt: now}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if err := s.write(ctx, s.db, rec, false); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteRecordStore) Update(ctx context.Context, table, id string, fields map[string]any) (Record, error) {
	return s.mergeTx(ctx, table, id, fields, false)
}

func (s *SQLiteRecordStore) Upsert(ctx context.Context, table, id string, fields map[string]any) (Record, error) {
	return s.mergeTx(ctx, table, id, fields, true)
}

func (s *SQLiteRecordStore) mergeTx(ctx context.Context, table, id string, fields map[string]any, create bool) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT table_name, id, fields, created_at, updated_at FROM records WHERE table_name = ? AND id = ?`, table, id))
	exists := err == nil
	switch {
	case errors.Is(err, ErrRecordNotFound) && create:
		rec = Record{ID: id, Table: table, Fields: map[string]any{}, CreatedAt: s.now().UTC()}
	case err != nil:
		return Record{}, err
	}
	maps.Copy(rec.Fields, fields)
	rec.UpdatedAt = s.now().UTC()

	if err := s.write(ctx, tx, rec, exists); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteRecordStore) write(ctx context.Context, db execer, rec Record, exists bool) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if exists {
		_, err = db.ExecContext(ctx,
			`UPDATE records SET fields = ?, updated_at = ? WHERE table_name = ? AND id = ?`,
			string(fieldsJSON), rec.UpdatedAt.Format(time.RFC3339Nano), rec.Table, rec.ID)
	} else {
		_, err = db.ExecContext(ctx,
			`INSERT INTO records (table_name, id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			rec.Table, rec.ID, string(fieldsJSON),
			rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	}
	if err != nil {
		return fmt.Errorf("write record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func (s *SQLiteRecordStore) Get(ctx context.Context, table, id string) (Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT table_name, id, fields, created_at, updated_at FROM records WHERE table_name = ? AND id = ?`, table, id))
}

// List returns the table's records, oldest first.
func (s *SQLiteRecordStore) List(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, id, fields, created_at, updated_at FROM records WHERE table_name = ? ORDER BY created_at, id`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                Record
		fieldsStr          string
		createdStr, updStr string
	)
	if err := row.Scan(&rec.Table, &rec.ID, &fieldsStr, &createdStr, &updStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(fieldsStr), &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updStr)
	return rec, nil
}
