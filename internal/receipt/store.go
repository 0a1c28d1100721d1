package receipt

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups for missing rows.
var ErrNotFound = errors.New("not found")

// Store defines the interface for record-store operations. Implementations
// must make CompleteAttempt and ClaimNext atomic: a crash or error leaves
// either the whole cycle's writes or none of them.
type Store interface {
	// CreateReceipt saves a new receipt
	CreateReceipt(ctx context.Context, r *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns all receipts ordered by creation time
	ListReceipts(ctx context.Context) ([]*Receipt, error)

	// ListBatchReceipts returns the receipts of one batch ordered by
	// creation time
	ListBatchReceipts(ctx context.Context, batchID string) ([]*Receipt, error)

	// DeleteReceipt removes a receipt and its attempts/extractions
	DeleteReceipt(ctx context.Context, id string) error

	// ClaimNext atomically picks the oldest-created receipt whose status
	// is pending or failed, marks it processing, increments its attempt
	// counter and stamps the attempt time. Returns nil when no receipt is
	// eligible.
	ClaimNext(ctx context.Context, now time.Time) (*Receipt, error)

	// CompleteAttempt persists a successful OCR attempt: the attempt
	// record, its field extractions and the receipt's derived fields and
	// done status, all in one transaction.
	CompleteAttempt(ctx context.Context, r *Receipt, attempt *Attempt, fields []*FieldExtraction) error

	// RecordFailure marks a failed attempt, keeping the error message for
	// diagnostic display.
	RecordFailure(ctx context.Context, id string, status Status, message string, at time.Time) error

	// Requeue puts a receipt back into pending so the worker picks it up
	// again. The attempt counter is left untouched.
	Requeue(ctx context.Context, id string, at time.Time) error

	// ListExtractions returns all field extractions recorded for a
	// receipt across its attempts, newest attempt first.
	ListExtractions(ctx context.Context, receiptID string) ([]*FieldExtraction, error)

	// CreateBatch saves a new batch
	CreateBatch(ctx context.Context, b *Batch) error

	// GetBatch retrieves a batch by ID
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// UpdateBatch saves batch status changes
	UpdateBatch(ctx context.Context, b *Batch) error

	// Close closes the store
	Close() error
}
