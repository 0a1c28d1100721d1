package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jszwec/csvutil"

	"github.com/quickreceipts/quickreceipts/internal/segment"
)

// Segmenter splits one page image into receipt sub-images.
type Segmenter interface {
	Segment(pagePNG []byte) ([][]byte, error)
}

// PageRenderer turns an uploaded document into raster page images.
type PageRenderer interface {
	Pages(data []byte, contentType string) ([][]byte, error)
}

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

type fitzRenderer struct{}

func (fitzRenderer) Pages(data []byte, contentType string) ([][]byte, error) {
	return segment.PageImages(data, contentType)
}

// Service handles receipt ingestion and queries
type Service struct {
	store       Store
	storage     Storage
	segmenter   Segmenter
	renderer    PageRenderer
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with the default renderer, ID generator
// and time source
func NewService(store Store, storage Storage, segmenter Segmenter) *Service {
	return &Service{
		store:       store,
		storage:     storage,
		segmenter:   segmenter,
		renderer:    fitzRenderer{},
		idGenerator: &defaultIDGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store Store, storage Storage, segmenter Segmenter, renderer PageRenderer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:       store,
		storage:     storage,
		segmenter:   segmenter,
		renderer:    renderer,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// IngestUpload rasterizes an uploaded document, segments every page into
// receipt sub-images and creates one pending receipt per sub-image. Pages
// that cannot be decoded are rejected individually; the rest of the upload
// still goes through.
func (s *Service) IngestUpload(ctx context.Context, userID, batchID, filename string, data []byte, contentType string) ([]*Receipt, error) {
	pages, err := s.renderer.Pages(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("rendering pages: %w", err)
	}

	now := s.timeSource.Now()
	receipts := make([]*Receipt, 0, len(pages))

	for pageNum, page := range pages {
		subs, err := s.segmenter.Segment(page)
		if err != nil {
			slog.Warn("Rejecting undecodable page",
				"filename", filename,
				"page", pageNum,
				"error", err,
			)
			continue
		}

		for _, sub := range subs {
			r, err := s.createReceipt(ctx, userID, batchID, sub, now)
			if err != nil {
				return receipts, err
			}
			receipts = append(receipts, r)
		}
	}

	if len(receipts) == 0 {
		return nil, fmt.Errorf("no receipt regions could be extracted from %q", filename)
	}

	return receipts, nil
}

func (s *Service) createReceipt(ctx context.Context, userID, batchID string, sub []byte, now time.Time) (*Receipt, error) {
	id := s.idGenerator.Generate()

	savedPath, err := s.storage.Save(id+".png", sub)
	if err != nil {
		return nil, fmt.Errorf("saving sub-image: %w", err)
	}

	r := &Receipt{
		ID:          id,
		UserID:      userID,
		BatchID:     batchID,
		ImageFile:   savedPath,
		ContentType: "image/png",
		ReceiptDate: now,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateReceipt(ctx, r); err != nil {
		// Don't leave an orphaned file behind
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	return r, nil
}

// UploadFile is one file of a batch upload
type UploadFile struct {
	Name        string
	Data        []byte
	ContentType string
}

// IngestBatch creates a batch and ingests every file into it. Files that
// yield no receipts are skipped with a warning; the batch completes with
// whatever was extracted.
func (s *Service) IngestBatch(ctx context.Context, userID string, files []UploadFile) (*Batch, []*Receipt, error) {
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("at least one file is required")
	}

	now := s.timeSource.Now()
	batch := &Batch{
		ID:        s.idGenerator.Generate(),
		UserID:    userID,
		Status:    BatchProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("saving batch: %w", err)
	}

	receipts := make([]*Receipt, 0)
	for _, file := range files {
		created, err := s.IngestUpload(ctx, userID, batch.ID, file.Name, file.Data, file.ContentType)
		if err != nil {
			slog.Warn("Skipping batch file", "batch_id", batch.ID, "filename", file.Name, "error", err)
			continue
		}
		receipts = append(receipts, created...)
	}

	batch.Status = BatchCompleted
	batch.UpdatedAt = s.timeSource.Now()
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("updating batch: %w", err)
	}

	return batch, receipts, nil
}

// GetBatch retrieves a batch and its receipts
func (s *Service) GetBatch(ctx context.Context, id string) (*Batch, []*Receipt, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting batch: %w", err)
	}

	receipts, err := s.store.ListBatchReceipts(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing batch receipts: %w", err)
	}

	return batch, receipts, nil
}

type batchExportRow struct {
	ReceiptID string `csv:"receipt_id"`
	Date      string `csv:"date"`
	Amount    string `csv:"amount"`
	Status    string `csv:"ocr_status"`
	Flagged   bool   `csv:"flagged"`
}

// ExportBatchCSV renders a batch's receipts as CSV for accounting import
func (s *Service) ExportBatchCSV(ctx context.Context, id string) ([]byte, error) {
	_, receipts, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	rows := make([]batchExportRow, 0, len(receipts))
	for _, r := range receipts {
		rows = append(rows, batchExportRow{
			ReceiptID: r.ID,
			Date:      r.ReceiptDate.Format("2006/01/02"),
			Amount:    strconv.FormatFloat(float64(r.TotalAmount)/100, 'f', 2, 64),
			Status:    string(r.Status),
			Flagged:   r.Flagged,
		})
	}

	data, err := csvutil.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshaling csv: %w", err)
	}
	return data, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return r, nil
}

// GetReceiptDetail retrieves a receipt together with its recorded field
// extractions
func (s *Service) GetReceiptDetail(ctx context.Context, id string) (*Receipt, []*FieldExtraction, error) {
	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}

	fields, err := s.store.ListExtractions(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing extractions: %w", err)
	}

	return r, fields, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts(ctx context.Context) ([]*Receipt, error) {
	receipts, err := s.store.ListReceipts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its sub-image file
func (s *Service) DeleteReceipt(ctx context.Context, id string) error {
	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.storage.Delete(r.ImageFile); err != nil {
		// Log but continue, the record is what matters
		slog.Warn("Failed to delete file", "filename", r.ImageFile, "error", err)
	}

	if err := s.store.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the sub-image data for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id string) ([]byte, string, error) {
	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(r.ImageFile)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, r.ContentType, nil
}

// RetryReceipt re-queues a permanently failed receipt for one more pass
// through the worker. The attempt counter is never reset.
func (s *Service) RetryReceipt(ctx context.Context, id string) (*Receipt, error) {
	r, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	if r.Status != StatusFailedPermanently {
		return nil, fmt.Errorf("receipt %s is %s, only permanently failed receipts can be re-queued", id, r.Status)
	}

	if err := s.store.Requeue(ctx, id, s.timeSource.Now()); err != nil {
		return nil, fmt.Errorf("re-queueing receipt: %w", err)
	}

	return s.store.GetReceipt(ctx, id)
}
