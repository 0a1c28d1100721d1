package receipt

import (
	"context"
	"log/slog"
	"time"

	"github.com/quickreceipts/quickreceipts/internal/ocr"
)

// workerIdentity is recorded as creator/modifier on attempt snapshots
// written by the background worker.
const workerIdentity = "ocr-worker"

// Worker drives receipts through the OCR state machine:
//
//	pending → processing → done
//	processing → failed (retried on next pick-up)
//	processing → failed_permanently (once attempts reach the limit)
//
// It is the sole writer of OCR status transitions and processes exactly
// one receipt per cycle.
type Worker struct {
	store       Store
	storage     Storage
	extractor   ocr.Extractor
	interval    time.Duration
	maxAttempts int
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewWorker creates a Worker polling every interval and giving each
// receipt maxAttempts tries before marking it permanently failed.
func NewWorker(store Store, storage Storage, extractor ocr.Extractor, interval time.Duration, maxAttempts int) *Worker {
	return NewWorkerWithDeps(store, storage, extractor, interval, maxAttempts, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewWorkerWithDeps creates a Worker with custom dependencies for testing
func NewWorkerWithDeps(store Store, storage Storage, extractor ocr.Extractor, interval time.Duration, maxAttempts int, idGen IDGenerator, timeSrc TimeSource) *Worker {
	return &Worker{
		store:       store,
		storage:     storage,
		extractor:   extractor,
		interval:    interval,
		maxAttempts: maxAttempts,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Run executes the worker loop until the context is cancelled. A failing
// receipt never aborts the loop; its error is recorded on the receipt and
// the loop moves on.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("OCR worker started", "interval", w.interval, "max_attempts", w.maxAttempts)

	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			slog.Error("Worker cycle failed", "error", err)
		}

		if processed {
			// More work may be queued, only yield to cancellation.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// ProcessNext claims and processes at most one receipt. It reports whether
// a receipt was claimed; false with a nil error means the queue was empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	rec, err := w.store.ClaimNext(ctx, w.timeSource.Now())
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	slog.Info("Processing receipt", "receipt_id", rec.ID, "attempt", rec.Attempts)

	fields, err := w.extractor.Extract(ctx, w.storage.Path(rec.ImageFile))
	if err != nil {
		w.recordFailure(ctx, rec, err)
		return true, nil
	}

	if err := w.complete(ctx, rec, fields); err != nil {
		w.recordFailure(ctx, rec, err)
		return true, nil
	}

	slog.Info("Receipt processed", "receipt_id", rec.ID)
	return true, nil
}

// complete evaluates the extraction and persists the whole outcome, the
// attempt snapshot included, as one transaction.
func (w *Worker) complete(ctx context.Context, rec *Receipt, fields []ocr.Field) error {
	now := w.timeSource.Now()
	eval := ocr.Evaluate(fields)

	attempt := &Attempt{
		ID:         w.idGenerator.Generate(),
		ReceiptID:  rec.ID,
		CreatedBy:  workerIdentity,
		ModifiedBy: workerIdentity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	extractions := make([]*FieldExtraction, 0, len(fields))
	for i, f := range fields {
		extractions = append(extractions, &FieldExtraction{
			ID:              w.idGenerator.Generate(),
			AttemptID:       attempt.ID,
			Seq:             i,
			FieldType:       f.Type,
			TextValue:       f.TextValue,
			NormalizedValue: f.NormalizedValue,
			Confidence:      f.Confidence,
		})
	}

	rec.Confidence = &eval.AvgConfidence
	rec.Flagged = eval.Flagged
	rec.Extracted = true
	if eval.TotalAmount != nil {
		rec.TotalAmount = *eval.TotalAmount
	}
	rec.Status = StatusDone
	rec.LastError = ""
	rec.UpdatedAt = now

	return w.store.CompleteAttempt(ctx, rec, attempt, extractions)
}

// recordFailure applies the retry policy: failed while attempts remain,
// failed_permanently once the budget is spent. The attempt counter was
// already incremented at claim time.
func (w *Worker) recordFailure(ctx context.Context, rec *Receipt, cause error) {
	status := StatusFailed
	if rec.Attempts >= w.maxAttempts {
		status = StatusFailedPermanently
	}

	slog.Error("OCR attempt failed",
		"receipt_id", rec.ID,
		"attempt", rec.Attempts,
		"status", status,
		"error", cause,
	)

	if err := w.store.RecordFailure(ctx, rec.ID, status, cause.Error(), w.timeSource.Now()); err != nil {
		// Nothing else to do; the receipt stays in processing until a
		// later cycle or operator intervention.
		slog.Error("Failed to record attempt failure", "receipt_id", rec.ID, "error", err)
	}
}
