package ocr

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Field is one normalized extraction produced by a single OCR call.
type Field struct {
	Type            string  `json:"type"`
	TextValue       string  `json:"text_value"`
	NormalizedValue string  `json:"normalized_value,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// Extractor defines the interface for document OCR operations.
// An implementation either returns the complete set of fields for the
// document or an error; it never applies a partial result.
type Extractor interface {
	// Extract submits the document at path to the OCR backend and returns
	// the flattened field extractions in service-response order.
	Extract(ctx context.Context, path string) ([]Field, error)
	// Close closes the extractor and releases resources
	Close() error
}

// ValidationError indicates the document was rejected before any call to
// the OCR backend, e.g. an unsupported file type. It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ServiceError indicates the OCR backend was unreachable, rejected the
// request, or returned a malformed response. The attempt is retryable.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ocr service: %v", e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// mimeTypeFor maps a file's extension to the transmission format accepted
// by the OCR backends. Unsupported extensions fail with a ValidationError
// before any network call.
func mimeTypeFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf", nil
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unsupported file type: %q", filepath.Ext(path))}
	}
}
