package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/z-wentao/subflow/pkg/models"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS transcription_runs (
    run_id        TEXT PRIMARY KEY,
    pathname      TEXT NOT NULL,
    mime_type     TEXT NOT NULL,
    status        TEXT NOT NULL,
    segment_count INTEGER NOT NULL DEFAULT 0,
    error         TEXT,
    details       TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transcription_runs_created_at
    ON transcription_runs (created_at DESC);
`

const runColumns = `run_id, pathname, mime_type, status, segment_count,
    error, details, created_at, completed_at`

// PostgresRunStore PostgreSQL 转写记录存储
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore 创建 PostgreSQL 记录存储
func NewPostgresRunStore(ctx context.Context, connStr string) (*PostgresRunStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 设置连接池
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &PostgresRunStore{db: db}, nil
}

// EnsureSchema 建表（幂等）
func (s *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runSchema); err != nil {
		return fmt.Errorf("创建数据表失败: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save UPSERT 一条记录
func (s *PostgresRunStore) Save(ctx context.Context, run *models.RunRecord) error {
	return upsertRun(ctx, s.db, run)
}

func upsertRun(ctx context.Context, db execer, run *models.RunRecord) error {
	query := `
    INSERT INTO transcription_runs (` + runColumns + `)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (run_id)
    DO UPDATE SET
    status = EXCLUDED.status,
    segment_count = EXCLUDED.segment_count,
    error = EXCLUDED.error,
    details = EXCLUDED.details,
    completed_at = EXCLUDED.completed_at
    `

	_, err := db.ExecContext(ctx, query,
		run.RunID,
		run.Pathname,
		run.MimeType,
		string(run.Status),
		run.SegmentCount,
		nullString(run.Error),
		nullString(run.Details),
		run.CreatedAt,
		sql.NullTime{Time: run.CompletedAt, Valid: !run.CompletedAt.IsZero()},
	)
	if err != nil {
		return fmt.Errorf("保存到数据库失败: %w", err)
	}
	return nil
}

// Get 获取记录
func (s *PostgresRunStore) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM transcription_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return run, nil
}

// Update 在事务内加行锁读取、修改、写回
func (s *PostgresRunStore) Update(ctx context.Context, runID string, updateFn func(*models.RunRecord)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM transcription_runs WHERE run_id = $1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("查询数据库失败: %w", err)
	}

	updateFn(run)
	if err := upsertRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

// List 按创建时间倒序列出记录
func (s *PostgresRunStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM transcription_runs ORDER BY created_at DESC LIMIT $1`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("读取记录失败: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close 关闭数据库连接
func (s *PostgresRunStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	var run models.RunRecord
	var status string
	var errorMsg, details sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.RunID,
		&run.Pathname,
		&run.MimeType,
		&status,
		&run.SegmentCount,
		&errorMsg,
		&details,
		&run.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理 NULL 值
	run.Status = models.RunStatus(status)
	run.Error = errorMsg.String
	run.Details = details.String
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
