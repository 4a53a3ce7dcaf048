package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/cybergym/internal/domain"
)

// PostgresStore backs the PoC store with a shared Postgres database,
// selected by --pg_dsn. The pool handles concurrent writers, so no
// write mutex is needed here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pocs (
			seq BIGSERIAL,
			poc_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			poc_hash TEXT NOT NULL,
			poc_length INTEGER NOT NULL,
			vul_exit_code INTEGER,
			fix_exit_code INTEGER,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (agent_id, task_id, poc_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pocs_agent ON pocs(agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, rec *domain.PoCRecord) (*domain.PoCRecord, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pocs (poc_id, agent_id, task_id, poc_hash, poc_length, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (agent_id, task_id, poc_hash) DO NOTHING
	`, rec.PoCID, rec.AgentID, rec.TaskID, rec.PoCHash, rec.PoCLength)
	if err != nil {
		return nil, fmt.Errorf("insert poc: %w", err)
	}

	rows, err := s.Find(ctx, Query{AgentID: rec.AgentID, TaskID: rec.TaskID, PoCHash: rec.PoCHash})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("poc record vanished after insert: %s", rec.PoCID)
	}
	return rows[0], nil
}

func (s *PostgresStore) Find(ctx context.Context, q Query) ([]*domain.PoCRecord, error) {
	where, args := buildWhere(q, func(n int) string { return fmt.Sprintf("$%d", n) })

	query := `SELECT poc_id, agent_id, task_id, poc_hash, poc_length, vul_exit_code, fix_exit_code, created_at, updated_at FROM pocs`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) UpdateExitCode(ctx context.Context, pocID string, mode domain.Mode, exitCode int) error {
	col, err := exitCodeColumn(mode)
	if err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE pocs SET %s = $1, updated_at = NOW() WHERE poc_id = $2`, col),
		exitCode, pocID)
	if err != nil {
		return fmt.Errorf("update exit code: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("poc record not found: %s", pocID)
	}
	return nil
}
