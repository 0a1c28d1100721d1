package receipt

import "time"

// Status is a receipt's position in the OCR lifecycle. The worker is the
// only writer of status transitions.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusDone              Status = "done"
	StatusFailed            Status = "failed"
	StatusFailedPermanently Status = "failed_permanently"
)

// Receipt represents one receipt sub-image and its OCR state
type Receipt struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	BatchID     string     `json:"batch_id,omitempty" db:"batch_id"`
	ImageFile   string     `json:"image_file" db:"image_file"`
	ContentType string     `json:"content_type" db:"content_type"`
	ReceiptDate time.Time  `json:"receipt_date" db:"receipt_date"`
	TotalAmount int64      `json:"total_amount" db:"total_amount"` // Amount in cents
	Confidence  *float64   `json:"confidence" db:"confidence"`     // nil until OCR has completed
	Flagged     bool       `json:"flagged" db:"flagged"`
	Extracted   bool       `json:"ocr_extracted" db:"ocr_extracted"`
	Status      Status     `json:"ocr_status" db:"ocr_status"`
	Attempts    int        `json:"ocr_attempts" db:"ocr_attempts"`
	LastAttempt *time.Time `json:"last_ocr_attempt,omitempty" db:"last_ocr_attempt"`
	LastError   string     `json:"ocr_error_message,omitempty" db:"ocr_error_message"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Batch groups the receipts produced by one multi-file upload
type Batch struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Status    string    `json:"status" db:"status"` // 'processing' or 'completed'
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
)

// Attempt is the immutable grouping of all field extractions produced by
// one successful OCR call. A receipt accumulates one per retry that
// reaches the OCR service and gets a result back.
type Attempt struct {
	ID         string    `json:"id" db:"id"`
	ReceiptID  string    `json:"receipt_id" db:"receipt_id"`
	CreatedBy  string    `json:"created_by" db:"created_by"`
	ModifiedBy string    `json:"modified_by" db:"modified_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// FieldExtraction is one normalized OCR field tied to an attempt. Rows are
// created as a whole group per attempt and never individually mutated.
type FieldExtraction struct {
	ID              string  `json:"id" db:"id"`
	AttemptID       string  `json:"attempt_id" db:"attempt_id"`
	Seq             int     `json:"seq" db:"seq"` // position within the attempt, service-response order
	FieldType       string  `json:"field_type" db:"field_type"`
	TextValue       string  `json:"text_value" db:"text_value"`
	NormalizedValue string  `json:"normalized_value,omitempty" db:"normalized_value"`
	Confidence      float64 `json:"confidence" db:"confidence"`
}
