package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oriys/cybergym/internal/domain"
)

// SQLiteStore is the default single-file store. SQLite does not tolerate
// concurrent writers, so writes are serialized behind a process-wide
// mutex; reads run in parallel.
type SQLiteStore struct {
	db  *sql.DB
	wmu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database file at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite db path is required")
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pocs (
			poc_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			poc_hash TEXT NOT NULL,
			poc_length INTEGER NOT NULL,
			vul_exit_code INTEGER,
			fix_exit_code INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (agent_id, task_id, poc_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pocs_agent ON pocs(agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, rec *domain.PoCRecord) (*domain.PoCRecord, error) {
	now := time.Now().UTC()

	s.wmu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pocs (poc_id, agent_id, task_id, poc_hash, poc_length, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, task_id, poc_hash) DO NOTHING
	`, rec.PoCID, rec.AgentID, rec.TaskID, rec.PoCHash, rec.PoCLength, now, now)
	s.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert poc: %w", err)
	}

	// The unique constraint arbitrates concurrent inserts; read back the
	// surviving row.
	rows, err := s.Find(ctx, Query{AgentID: rec.AgentID, TaskID: rec.TaskID, PoCHash: rec.PoCHash})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("poc record vanished after insert: %s", rec.PoCID)
	}
	return rows[0], nil
}

func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]*domain.PoCRecord, error) {
	where, args := buildWhere(q, func(int) string { return "?" })

	query := `SELECT poc_id, agent_id, task_id, poc_hash, poc_length, vul_exit_code, fix_exit_code, created_at, updated_at FROM pocs`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find pocs: %w", err)
	}
	defer rows.Close()

	var records []*domain.PoCRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("find pocs scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find pocs rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) UpdateExitCode(ctx context.Context, pocID string, mode domain.Mode, exitCode int) error {
	col, err := exitCodeColumn(mode)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE pocs SET %s = ?, updated_at = ? WHERE poc_id = ?`, col),
		exitCode, time.Now().UTC(), pocID)
	s.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("update exit code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update exit code: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("poc record not found: %s", pocID)
	}
	return nil
}

// scanner matches both *sql.Rows and pgx.Rows for the shared column set.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.PoCRecord, error) {
	var (
		rec      domain.PoCRecord
		vul, fix sql.NullInt64
	)
	if err := row.Scan(&rec.PoCID, &rec.AgentID, &rec.TaskID, &rec.PoCHash, &rec.PoCLength,
		&vul, &fix, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if vul.Valid {
		v := int(vul.Int64)
		rec.VulExitCode = &v
	}
	if fix.Valid {
		v := int(fix.Int64)
		rec.FixExitCode = &v
	}
	return &rec, nil
}

func exitCodeColumn(mode domain.Mode) (string, error) {
	switch mode {
	case domain.ModeVul:
		return "vul_exit_code", nil
	case domain.ModeFix:
		return "fix_exit_code", nil
	default:
		return "", fmt.Errorf("invalid mode: %s", mode)
	}
}

// buildWhere assembles the WHERE clause for a query; placeholder renders
// the driver's parameter syntax for the 1-based argument position.
func buildWhere(q Query, placeholder func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}
	add("poc_id", q.PoCID)
	add("agent_id", q.AgentID)
	add("task_id", q.TaskID)
	add("poc_hash", q.PoCHash)
	return strings.Join(conds, " AND "), args
}
