package ocr

import (
	"context"
	"fmt"
	"os"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// callTimeout bounds a single OCR call so a slow backend cannot stall the
// worker indefinitely.
const callTimeout = 60 * time.Second

// DocumentAI implements the Extractor interface using Google Document AI
type DocumentAI struct {
	client    *documentai.DocumentProcessorClient
	processor string
}

// NewDocumentAI creates a new Document AI Extractor instance bound to one
// processor in one region.
func NewDocumentAI(ctx context.Context, projectID, location, processorID string) (*DocumentAI, error) {
	if projectID == "" || location == "" || processorID == "" {
		return nil, fmt.Errorf("document ai project, location and processor are required")
	}

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("creating document ai client: %w", err)
	}

	return &DocumentAI{
		client:    client,
		processor: fmt.Sprintf("projects/%s/locations/%s/processors/%s", projectID, location, processorID),
	}, nil
}

// Extract submits the document to Document AI and flattens the entity tree
// into field extractions: one per top-level entity, then one per nested
// property, depth-first in service-response order.
func (d *DocumentAI) Extract(ctx context.Context, path string) ([]Field, error) {
	mimeType, err := mimeTypeFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := d.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: d.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("processing document: %w", err)}
	}

	doc := resp.GetDocument()
	if doc == nil {
		return nil, &ServiceError{Err: fmt.Errorf("empty document in response")}
	}

	var fields []Field
	for _, entity := range doc.GetEntities() {
		fields = appendEntity(fields, entity)
	}

	return fields, nil
}

// appendEntity emits the entity itself followed by its properties.
func appendEntity(fields []Field, entity *documentaipb.Document_Entity) []Field {
	fields = append(fields, entityField(entity))
	for _, prop := range entity.GetProperties() {
		fields = appendEntity(fields, prop)
	}
	return fields
}

func entityField(entity *documentaipb.Document_Entity) Field {
	// Prefer the structured text anchor, fall back to the raw mention.
	text := entity.GetTextAnchor().GetContent()
	if text == "" {
		text = entity.GetMentionText()
	}

	return Field{
		Type:            entity.GetType(),
		TextValue:       text,
		NormalizedValue: entity.GetNormalizedValue().GetText(),
		Confidence:      float64(entity.GetConfidence()),
	}
}

// Close closes the Document AI client
func (d *DocumentAI) Close() error {
	return d.client.Close()
}
