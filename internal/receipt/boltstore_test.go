package receipt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltStore", func() {
	var (
		dir   string
		store *BoltStore
		ctx   context.Context
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "boltstore-test")
		Expect(err).NotTo(HaveOccurred())

		store, err = NewBoltStore(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
	})

	AfterEach(func() {
		store.Close()
		os.RemoveAll(dir)
	})

	newReceipt := func(id string, status Status, createdAt time.Time) *Receipt {
		return &Receipt{
			ID:        id,
			ImageFile: id + ".png",
			Status:    status,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}
	}

	Describe("receipt round trip", func() {
		It("should persist and load a receipt", func() {
			created := newReceipt("r-1", StatusPending, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			Expect(store.CreateReceipt(ctx, created)).To(Succeed())

			loaded, err := store.GetReceipt(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.ID).To(Equal("r-1"))
			Expect(loaded.Status).To(Equal(StatusPending))
			Expect(loaded.Confidence).To(BeNil())
		})

		It("should return ErrNotFound for a missing receipt", func() {
			_, err := store.GetReceipt(ctx, "nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListReceipts", func() {
		It("should order by creation time", func() {
			Expect(store.CreateReceipt(ctx, newReceipt("newer", StatusPending, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))).To(Succeed())
			Expect(store.CreateReceipt(ctx, newReceipt("older", StatusPending, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())

			receipts, err := store.ListReceipts(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0].ID).To(Equal("older"))
			Expect(receipts[1].ID).To(Equal("newer"))
		})
	})

	Describe("ListBatchReceipts", func() {
		It("should only return the batch's receipts", func() {
			inBatch := newReceipt("in", StatusPending, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			inBatch.BatchID = "batch-1"
			Expect(store.CreateReceipt(ctx, inBatch)).To(Succeed())
			Expect(store.CreateReceipt(ctx, newReceipt("out", StatusPending, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())

			receipts, err := store.ListBatchReceipts(ctx, "batch-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].ID).To(Equal("in"))
		})
	})

	Describe("ClaimNext", func() {
		now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

		When("the queue is empty", func() {
			It("should return nil", func() {
				claimed, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed).To(BeNil())
			})
		})

		When("receipts are eligible", func() {
			BeforeEach(func() {
				Expect(store.CreateReceipt(ctx, newReceipt("newer", StatusPending, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))).To(Succeed())
				Expect(store.CreateReceipt(ctx, newReceipt("older", StatusFailed, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())
			})

			It("should claim the oldest-created one", func() {
				claimed, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed.ID).To(Equal("older"))
			})

			It("should move it to processing with the attempt counted", func() {
				claimed, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed.Status).To(Equal(StatusProcessing))
				Expect(claimed.Attempts).To(Equal(1))
				Expect(*claimed.LastAttempt).To(Equal(now))
			})

			It("should persist the claim before OCR runs", func() {
				claimed, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())

				loaded, err := store.GetReceipt(ctx, claimed.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded.Status).To(Equal(StatusProcessing))
				Expect(loaded.Attempts).To(Equal(1))
			})

			It("should not claim the same receipt twice", func() {
				first, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				second, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(first.ID).NotTo(Equal(second.ID))
			})
		})

		When("only ineligible statuses remain", func() {
			BeforeEach(func() {
				Expect(store.CreateReceipt(ctx, newReceipt("done", StatusDone, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())
				Expect(store.CreateReceipt(ctx, newReceipt("processing", StatusProcessing, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())
				Expect(store.CreateReceipt(ctx, newReceipt("permanent", StatusFailedPermanently, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))).To(Succeed())
			})

			It("should return nil", func() {
				claimed, err := store.ClaimNext(ctx, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed).To(BeNil())
			})
		})
	})

	Describe("CompleteAttempt", func() {
		It("should persist the receipt, attempt and extractions together", func() {
			rec := newReceipt("r-1", StatusPending, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			Expect(store.CreateReceipt(ctx, rec)).To(Succeed())

			confidence := 0.97
			rec.Status = StatusDone
			rec.Confidence = &confidence
			rec.Extracted = true
			rec.TotalAmount = 1250

			attempt := &Attempt{ID: "a-1", ReceiptID: "r-1", CreatedBy: "ocr-worker", CreatedAt: time.Now().UTC()}
			fields := []*FieldExtraction{
				{ID: "f-1", AttemptID: "a-1", Seq: 0, FieldType: "total_amount", NormalizedValue: "12.50", Confidence: 0.99},
				{ID: "f-2", AttemptID: "a-1", Seq: 1, FieldType: "supplier_name", TextValue: "ACME", Confidence: 0.95},
			}
			Expect(store.CompleteAttempt(ctx, rec, attempt, fields)).To(Succeed())

			loaded, err := store.GetReceipt(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(StatusDone))
			Expect(*loaded.Confidence).To(Equal(0.97))
			Expect(loaded.TotalAmount).To(Equal(int64(1250)))

			extractions, err := store.ListExtractions(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(extractions).To(HaveLen(2))
		})
	})

	Describe("ListExtractions", func() {
		It("should return the newest attempt first, extraction order preserved", func() {
			rec := newReceipt("r-1", StatusDone, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			Expect(store.CreateReceipt(ctx, rec)).To(Succeed())

			early := &Attempt{ID: "a-1", ReceiptID: "r-1", CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
			late := &Attempt{ID: "a-2", ReceiptID: "r-1", CreatedAt: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)}

			Expect(store.CompleteAttempt(ctx, rec, early, []*FieldExtraction{
				{ID: "f-1", AttemptID: "a-1", Seq: 0, FieldType: "old_first"},
				{ID: "f-2", AttemptID: "a-1", Seq: 1, FieldType: "old_second"},
			})).To(Succeed())
			Expect(store.CompleteAttempt(ctx, rec, late, []*FieldExtraction{
				{ID: "f-3", AttemptID: "a-2", Seq: 0, FieldType: "new_first"},
				{ID: "f-4", AttemptID: "a-2", Seq: 1, FieldType: "new_second"},
			})).To(Succeed())

			extractions, err := store.ListExtractions(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(extractions).To(HaveLen(4))
			Expect(extractions[0].FieldType).To(Equal("new_first"))
			Expect(extractions[1].FieldType).To(Equal("new_second"))
			Expect(extractions[2].FieldType).To(Equal("old_first"))
			Expect(extractions[3].FieldType).To(Equal("old_second"))
		})
	})

	Describe("RecordFailure", func() {
		It("should set the status and keep the error message", func() {
			rec := newReceipt("r-1", StatusProcessing, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			Expect(store.CreateReceipt(ctx, rec)).To(Succeed())

			at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
			Expect(store.RecordFailure(ctx, "r-1", StatusFailed, "service unavailable", at)).To(Succeed())

			loaded, err := store.GetReceipt(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(StatusFailed))
			Expect(loaded.LastError).To(Equal("service unavailable"))
			Expect(loaded.UpdatedAt).To(Equal(at))
		})

		It("should return ErrNotFound for a missing receipt", func() {
			err := store.RecordFailure(ctx, "nope", StatusFailed, "x", time.Now())
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Requeue", func() {
		It("should put the receipt back into pending without touching attempts", func() {
			rec := newReceipt("r-1", StatusFailedPermanently, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			rec.Attempts = 3
			Expect(store.CreateReceipt(ctx, rec)).To(Succeed())

			Expect(store.Requeue(ctx, "r-1", time.Now().UTC())).To(Succeed())

			loaded, err := store.GetReceipt(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(StatusPending))
			Expect(loaded.Attempts).To(Equal(3))
		})
	})

	Describe("DeleteReceipt", func() {
		It("should cascade to attempts and extractions", func() {
			rec := newReceipt("r-1", StatusDone, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
			Expect(store.CreateReceipt(ctx, rec)).To(Succeed())
			Expect(store.CompleteAttempt(ctx, rec, &Attempt{ID: "a-1", ReceiptID: "r-1"}, []*FieldExtraction{
				{ID: "f-1", AttemptID: "a-1", FieldType: "total_amount"},
			})).To(Succeed())

			Expect(store.DeleteReceipt(ctx, "r-1")).To(Succeed())

			_, err := store.GetReceipt(ctx, "r-1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())

			extractions, err := store.ListExtractions(ctx, "r-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(extractions).To(BeEmpty())
		})

		It("should return ErrNotFound for a missing receipt", func() {
			err := store.DeleteReceipt(ctx, "nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("batches", func() {
		It("should round trip a batch", func() {
			batch := &Batch{ID: "b-1", Status: BatchProcessing, CreatedAt: time.Now().UTC()}
			Expect(store.CreateBatch(ctx, batch)).To(Succeed())

			batch.Status = BatchCompleted
			Expect(store.UpdateBatch(ctx, batch)).To(Succeed())

			loaded, err := store.GetBatch(ctx, "b-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(BatchCompleted))
		})

		It("should refuse to update a missing batch", func() {
			err := store.UpdateBatch(ctx, &Batch{ID: "nope"})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})
})
