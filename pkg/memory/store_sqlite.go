package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical long-term backend. Rows are keyed by
// (session_id, id); the single shared connection serializes writes, which
// also covers the same-key write ordering requirement.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the long-term database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			data_json TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			explicit INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(session_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS memory_items_query_idx ON memory_items(session_id, item_type, importance, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func (s *SQLiteStore) Persist(ctx context.Context, sess Session, item Item) (Item, error) {
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return Item{}, fmt.Errorf("encode item data: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.SessionID = sess.ID()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_items (session_id, id, item_type, data_json, importance, confidence, explicit, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			item_type=excluded.item_type,
			data_json=excluded.data_json,
			importance=excluded.importance,
			confidence=excluded.confidence,
			explicit=excluded.explicit,
			updated_at_ms=excluded.updated_at_ms`,
		sess.ID(), item.ID, string(item.Type), string(raw),
		item.Importance, item.Confidence, boolInt(item.Explicit),
		item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli())
	if err != nil {
		return Item{}, fmt.Errorf("persist memory item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sess Session, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, id, item_type, data_json, importance, confidence, explicit, created_at_ms, updated_at_ms
		FROM memory_items WHERE session_id = ? AND id = ?`, sess.ID(), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	if err != nil {
		return Item{}, fmt.Errorf("get memory item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Query(ctx context.Context, sess Session, f Filter) ([]Item, error) {
	where := []string{"session_id = ?"}
	args := []any{sess.ID()}
	if f.Type != "" {
		where = append(where, "item_type = ?")
		args = append(args, string(f.Type))
	}
	if f.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, id, item_type, data_json, importance, confidence, explicit, created_at_ms, updated_at_ms
		FROM memory_items WHERE `+strings.Join(where, " AND ")+`
		ORDER BY updated_at_ms DESC, id
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Update applies the patch inside one transaction so a concurrent Persist or
// Update on the same (session, id) cannot be overwritten with a stale
// snapshot read before it landed.
func (s *SQLiteStore) Update(ctx context.Context, sess Session, id string, patch Patch) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, fmt.Errorf("begin memory item update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT session_id, id, item_type, data_json, importance, confidence, explicit, created_at_ms, updated_at_ms
		FROM memory_items WHERE session_id = ? AND id = ?`, sess.ID(), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	if err != nil {
		return Item{}, fmt.Errorf("get memory item: %w", err)
	}

	patch.apply(&item)
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return Item{}, fmt.Errorf("encode item data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE memory_items SET item_type = ?, data_json = ?, importance = ?, confidence = ?, explicit = ?, updated_at_ms = ?
		WHERE session_id = ? AND id = ?`,
		string(item.Type), string(raw), item.Importance, item.Confidence,
		boolInt(item.Explicit), item.UpdatedAt.UnixMilli(), sess.ID(), item.ID)
	if err != nil {
		return Item{}, fmt.Errorf("update memory item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Item{}, fmt.Errorf("commit memory item update: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sess Session, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE session_id = ? AND id = ?`, sess.ID(), id)
	if err != nil {
		return fmt.Errorf("delete memory item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, sess Session) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items WHERE session_id = ?`, sess.ID()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memory items: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sess Session) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE session_id = ?`, sess.ID()); err != nil {
		return fmt.Errorf("clear session memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	raw := "{}"
	if len(labels) > 0 {
		if b, err := json.Marshal(labels); err == nil {
			raw = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_metrics (metric, value, labels_json, created_at_ms)
		VALUES (?, ?, ?, ?)`, metric, value, raw, nowMS())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item      Item
		itemType  string
		dataJSON  string
		explicit  int
		createdMS int64
		updatedMS int64
	)
	if err := row.Scan(&item.SessionID, &item.ID, &itemType, &dataJSON,
		&item.Importance, &item.Confidence, &explicit, &createdMS, &updatedMS); err != nil {
		return Item{}, err
	}
	item.Type = ItemType(itemType)
	item.Explicit = explicit != 0
	item.CreatedAt = time.UnixMilli(createdMS)
	item.UpdatedAt = time.UnixMilli(updatedMS)
	if err := json.Unmarshal([]byte(dataJSON), &item.Data); err != nil {
		return Item{}, fmt.Errorf("decode item data: %w", err)
	}
	return item, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
