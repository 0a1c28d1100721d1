package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucket    = "receipts"
	batchBucket      = "batches"
	attemptBucket    = "ocr_attempts"
	extractionBucket = "field_extractions"
)

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore instance
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucket, batchBucket, attemptBucket, extractionBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return b.Put([]byte(key), data)
}

// CreateReceipt saves a new receipt
func (s *BoltStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(receiptBucket)), r.ID, r)
	})
}

// GetReceipt retrieves a receipt by ID
func (s *BoltStore) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var r *Receipt
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(receiptBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BoltStore) listReceipts(filter func(*Receipt) bool) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(receiptBucket)).ForEach(func(k, v []byte) error {
			var r Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if filter == nil || filter(&r) {
				receipts = append(receipts, &r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(receipts, func(a, b int) bool {
		return receipts[a].CreatedAt.Before(receipts[b].CreatedAt)
	})
	return receipts, nil
}

// ListReceipts returns all receipts ordered by creation time
func (s *BoltStore) ListReceipts(ctx context.Context) ([]*Receipt, error) {
	return s.listReceipts(nil)
}

// ListBatchReceipts returns the receipts of one batch ordered by creation time
func (s *BoltStore) ListBatchReceipts(ctx context.Context, batchID string) ([]*Receipt, error) {
	return s.listReceipts(func(r *Receipt) bool { return r.BatchID == batchID })
}

// DeleteReceipt removes a receipt together with its attempts and
// extractions in one transaction.
func (s *BoltStore) DeleteReceipt(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket([]byte(receiptBucket))
		if receipts.Get([]byte(id)) == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}

		attempts := tx.Bucket([]byte(attemptBucket))
		extractions := tx.Bucket([]byte(extractionBucket))

		var attemptIDs []string
		err := attempts.ForEach(func(k, v []byte) error {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ReceiptID == id {
				attemptIDs = append(attemptIDs, a.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		var extractionIDs []string
		err = extractions.ForEach(func(k, v []byte) error {
			var f FieldExtraction
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			for _, aid := range attemptIDs {
				if f.AttemptID == aid {
					extractionIDs = append(extractionIDs, f.ID)
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, fid := range extractionIDs {
			if err := extractions.Delete([]byte(fid)); err != nil {
				return err
			}
		}
		for _, aid := range attemptIDs {
			if err := attempts.Delete([]byte(aid)); err != nil {
				return err
			}
		}
		return receipts.Delete([]byte(id))
	})
}

// ClaimNext atomically claims the oldest pending or failed receipt. The
// claim happens inside a single write transaction, so concurrent workers
// cannot pick the same receipt.
func (s *BoltStore) ClaimNext(ctx context.Context, now time.Time) (*Receipt, error) {
	var claimed *Receipt
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucket))

		var oldest *Receipt
		err := bucket.ForEach(func(k, v []byte) error {
			var r Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if r.Status != StatusPending && r.Status != StatusFailed {
				return nil
			}
			if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
				oldest = &r
			}
			return nil
		})
		if err != nil {
			return err
		}
		if oldest == nil {
			return nil
		}

		oldest.Status = StatusProcessing
		oldest.Attempts++
		oldest.LastAttempt = &now
		oldest.UpdatedAt = now

		if err := putJSON(bucket, oldest.ID, oldest); err != nil {
			return err
		}
		claimed = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteAttempt persists the attempt record, its extractions and the
// receipt's derived fields in one transaction.
func (s *BoltStore) CompleteAttempt(ctx context.Context, r *Receipt, attempt *Attempt, fields []*FieldExtraction) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket([]byte(attemptBucket)), attempt.ID, attempt); err != nil {
			return err
		}
		extractions := tx.Bucket([]byte(extractionBucket))
		for _, f := range fields {
			if err := putJSON(extractions, f.ID, f); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket([]byte(receiptBucket)), r.ID, r)
	})
}

// RecordFailure marks a failed attempt on the receipt
func (s *BoltStore) RecordFailure(ctx context.Context, id string, status Status, message string, at time.Time) error {
	return s.updateReceipt(id, func(r *Receipt) {
		r.Status = status
		r.LastError = message
		r.UpdatedAt = at
	})
}

// Requeue puts a receipt back into pending
func (s *BoltStore) Requeue(ctx context.Context, id string, at time.Time) error {
	return s.updateReceipt(id, func(r *Receipt) {
		r.Status = StatusPending
		r.UpdatedAt = at
	})
}

func (s *BoltStore) updateReceipt(id string, mutate func(*Receipt)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		var r Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		mutate(&r)
		return putJSON(bucket, id, &r)
	})
}

// ListExtractions returns a receipt's field extractions, newest attempt
// first, extraction order preserved within an attempt.
func (s *BoltStore) ListExtractions(ctx context.Context, receiptID string) ([]*FieldExtraction, error) {
	var attempts []*Attempt
	fieldsByAttempt := make(map[string][]*FieldExtraction)

	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(attemptBucket)).ForEach(func(k, v []byte) error {
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ReceiptID == receiptID {
				attempts = append(attempts, &a)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket([]byte(extractionBucket)).ForEach(func(k, v []byte) error {
			var f FieldExtraction
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			fieldsByAttempt[f.AttemptID] = append(fieldsByAttempt[f.AttemptID], &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(attempts, func(a, b int) bool {
		return attempts[a].CreatedAt.After(attempts[b].CreatedAt)
	})

	fields := make([]*FieldExtraction, 0)
	for _, a := range attempts {
		group := fieldsByAttempt[a.ID]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
		fields = append(fields, group...)
	}
	return fields, nil
}

// CreateBatch saves a new batch
func (s *BoltStore) CreateBatch(ctx context.Context, b *Batch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(batchBucket)), b.ID, b)
	})
}

// GetBatch retrieves a batch by ID
func (s *BoltStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var b *Batch
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(batchBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBatch saves batch status changes
func (s *BoltStore) UpdateBatch(ctx context.Context, b *Batch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchBucket))
		if bucket.Get([]byte(b.ID)) == nil {
			return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
		}
		return putJSON(bucket, b.ID, b)
	})
}

// Close closes the store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
