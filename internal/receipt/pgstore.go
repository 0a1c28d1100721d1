package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tableReceipts    = "receipts"
	tableBatches     = "batches"
	tableAttempts    = "ocr_attempts"
	tableExtractions = "field_extractions"
)

const (
	pingRetries   = 5
	pingRetryWait = 5 * time.Second
)

// PostgresConfig holds the connection settings for the PostgreSQL store.
type PostgresConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	DBName   string
}

// URL renders the config as a postgres connection URL. The migrator uses
// the same config to reach the same database.
func (c PostgresConfig) URL() string {
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     c.DBName,
		RawQuery: "sslmode=disable",
	}).String()
}

// NewPostgresPool opens a pgx pool and pings it with a few retries, since
// the database commonly starts alongside the service.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	for r := 0; ; r++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if r >= pingRetries {
			pool.Close()
			return nil, fmt.Errorf("pinging pool: %w", err)
		}

		slog.Debug("database connection attempt failed, retrying",
			"attempt", r+1,
			"max_retries", pingRetries,
			"error", err,
		)

		select {
		case <-time.After(pingRetryWait):
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		}
	}
}

// PGStore implements the Store interface using PostgreSQL
type PGStore struct {
	pool *pgxpool.Pool
	qb   sq.StatementBuilderType
}

// NewPGStore creates a new PGStore instance
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool: pool,
		qb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var receiptColumns = []string{
	"id",
	"user_id",
	"batch_id",
	"image_file",
	"content_type",
	"receipt_date",
	"total_amount",
	"confidence",
	"flagged",
	"ocr_extracted",
	"ocr_status",
	"ocr_attempts",
	"last_ocr_attempt",
	"ocr_error_message",
	"created_at",
	"updated_at",
}

// CreateReceipt saves a new receipt
func (s *PGStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	sql, args, err := s.qb.
		Insert(tableReceipts).
		Columns(receiptColumns...).
		Values(
			r.ID, r.UserID, r.BatchID, r.ImageFile, r.ContentType,
			r.ReceiptDate, r.TotalAmount, r.Confidence, r.Flagged,
			r.Extracted, r.Status, r.Attempts, r.LastAttempt,
			r.LastError, r.CreatedAt, r.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (s *PGStore) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	sql, args, err := s.qb.
		Select(receiptColumns...).
		From(tableReceipts).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	r, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByNameLax[Receipt])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("collecting row: %w", err)
	}
	return r, nil
}

func (s *PGStore) selectReceipts(ctx context.Context, pred any, args ...any) ([]*Receipt, error) {
	builder := s.qb.
		Select(receiptColumns...).
		From(tableReceipts).
		OrderBy("created_at")
	if pred != nil {
		builder = builder.Where(pred, args...)
	}

	sql, sqlArgs, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	receipts, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByNameLax[Receipt])
	if err != nil {
		return nil, fmt.Errorf("collecting rows: %w", err)
	}
	return receipts, nil
}

// ListReceipts returns all receipts ordered by creation time
func (s *PGStore) ListReceipts(ctx context.Context) ([]*Receipt, error) {
	return s.selectReceipts(ctx, nil)
}

// ListBatchReceipts returns the receipts of one batch ordered by creation time
func (s *PGStore) ListBatchReceipts(ctx context.Context, batchID string) ([]*Receipt, error) {
	return s.selectReceipts(ctx, sq.Eq{"batch_id": batchID})
}

// DeleteReceipt removes a receipt; attempts and extractions go with it via
// cascading foreign keys.
func (s *PGStore) DeleteReceipt(ctx context.Context, id string) error {
	sql, args, err := s.qb.
		Delete(tableReceipts).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	return nil
}

// claimSQL picks the single oldest eligible receipt and claims it in one
// statement; SKIP LOCKED keeps concurrent workers from racing on pick-up.
const claimSQL = `
UPDATE receipts SET
	ocr_status = 'processing',
	ocr_attempts = ocr_attempts + 1,
	last_ocr_attempt = $1,
	updated_at = $1
WHERE id = (
	SELECT id FROM receipts
	WHERE ocr_status IN ('pending', 'failed')
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, user_id, batch_id, image_file, content_type, receipt_date,
	total_amount, confidence, flagged, ocr_extracted, ocr_status,
	ocr_attempts, last_ocr_attempt, ocr_error_message, created_at, updated_at`

// ClaimNext atomically claims the oldest pending or failed receipt
func (s *PGStore) ClaimNext(ctx context.Context, now time.Time) (*Receipt, error) {
	rows, err := s.pool.Query(ctx, claimSQL, now)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	r, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByNameLax[Receipt])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collecting row: %w", err)
	}
	return r, nil
}

// CompleteAttempt persists the attempt record, its extractions and the
// receipt's derived fields in one transaction.
func (s *PGStore) CompleteAttempt(ctx context.Context, r *Receipt, attempt *Attempt, fields []*FieldExtraction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sql, args, err := s.qb.
		Insert(tableAttempts).
		Columns("id", "receipt_id", "created_by", "modified_by", "created_at", "updated_at").
		Values(attempt.ID, attempt.ReceiptID, attempt.CreatedBy, attempt.ModifiedBy, attempt.CreatedAt, attempt.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}

	if len(fields) > 0 {
		builder := s.qb.
			Insert(tableExtractions).
			Columns("id", "attempt_id", "seq", "field_type", "text_value", "normalized_value", "confidence")
		for _, f := range fields {
			builder = builder.Values(f.ID, f.AttemptID, f.Seq, f.FieldType, f.TextValue, f.NormalizedValue, f.Confidence)
		}
		sql, args, err = builder.ToSql()
		if err != nil {
			return fmt.Errorf("building query: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("inserting extractions: %w", err)
		}
	}

	sql, args, err = s.qb.
		Update(tableReceipts).
		Set("total_amount", r.TotalAmount).
		Set("confidence", r.Confidence).
		Set("flagged", r.Flagged).
		Set("ocr_extracted", r.Extracted).
		Set("ocr_status", r.Status).
		Set("ocr_error_message", r.LastError).
		Set("updated_at", r.UpdatedAt).
		Where(sq.Eq{"id": r.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("updating receipt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RecordFailure marks a failed attempt on the receipt
func (s *PGStore) RecordFailure(ctx context.Context, id string, status Status, message string, at time.Time) error {
	return s.updateStatus(ctx, id, map[string]any{
		"ocr_status":        status,
		"ocr_error_message": message,
		"updated_at":        at,
	})
}

// Requeue puts a receipt back into pending
func (s *PGStore) Requeue(ctx context.Context, id string, at time.Time) error {
	return s.updateStatus(ctx, id, map[string]any{
		"ocr_status": StatusPending,
		"updated_at": at,
	})
}

func (s *PGStore) updateStatus(ctx context.Context, id string, values map[string]any) error {
	builder := s.qb.Update(tableReceipts)
	for column, value := range values {
		builder = builder.Set(column, value)
	}

	sql, args, err := builder.Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExtractions returns a receipt's field extractions, newest attempt
// first, service order preserved within an attempt.
func (s *PGStore) ListExtractions(ctx context.Context, receiptID string) ([]*FieldExtraction, error) {
	sql, args, err := s.qb.
		Select("e.id", "e.attempt_id", "e.seq", "e.field_type", "e.text_value", "e.normalized_value", "e.confidence").
		From(tableExtractions+" e").
		Join(tableAttempts+" a ON a.id = e.attempt_id").
		Where(sq.Eq{"a.receipt_id": receiptID}).
		OrderBy("a.created_at DESC", "e.seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	fields, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByNameLax[FieldExtraction])
	if err != nil {
		return nil, fmt.Errorf("collecting rows: %w", err)
	}
	return fields, nil
}

// CreateBatch saves a new batch
func (s *PGStore) CreateBatch(ctx context.Context, b *Batch) error {
	sql, args, err := s.qb.
		Insert(tableBatches).
		Columns("id", "user_id", "status", "created_at", "updated_at").
		Values(b.ID, b.UserID, b.Status, b.CreatedAt, b.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (s *PGStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	sql, args, err := s.qb.
		Select("id", "user_id", "status", "created_at", "updated_at").
		From(tableBatches).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	b, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByNameLax[Batch])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("collecting row: %w", err)
	}
	return b, nil
}

// UpdateBatch saves batch status changes
func (s *PGStore) UpdateBatch(ctx context.Context, b *Batch) error {
	sql, args, err := s.qb.
		Update(tableBatches).
		Set("status", b.Status).
		Set("updated_at", b.UpdatedAt).
		Where(sq.Eq{"id": b.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// Close closes the store
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
