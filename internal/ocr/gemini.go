package ocr

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/quickreceipts/quickreceipts/internal/segment"
)

// fieldExtractionPrompt asks the model for the same flat field records the
// Document AI processor produces, so both providers feed the pipeline the
// same shape.
const fieldExtractionPrompt = `You are analyzing a single receipt image. Read all text in the image and extract every field you can identify.

Return ONLY a valid JSON array. Each element must have this exact format:
{
  "type": "field type",
  "text_value": "the raw text as printed on the receipt",
  "normalized_value": "machine-readable value, or omit if not applicable",
  "confidence": 0.0
}

Use these field types where applicable: "supplier_name", "supplier_address", "receipt_date", "purchase_time", "total_amount", "net_amount", "total_tax_amount", "currency", "line_item", "payment_type".

Important:
- "total_amount" must have a normalized_value containing only the numeric amount (e.g. "42.75")
- "receipt_date" normalized_value must be YYYY-MM-DD
- "confidence" is your certainty for that field, between 0.0 and 1.0
- Do not include any text before or after the JSON array
- Do not use markdown code blocks`

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Extract analyzes the document at path and returns the extracted fields
func (g *Gemini) Extract(ctx context.Context, path string) ([]Field, error) {
	mimeType, err := mimeTypeFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	// Gemini wants a raster image; render PDFs and normalize everything
	// else to PNG. Receipts are effectively single page, so the first
	// page is enough here.
	pages, err := segment.PageImages(data, mimeType)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("preparing image: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pages[0]),
		genai.Text(fieldExtractionPrompt),
	)
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("generating content: %w", err)}
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &ServiceError{Err: fmt.Errorf("no response from gemini")}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	fields, err := parseFieldsJSON(responseText.String())
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("parsing extraction response: %w", err)}
	}

	return fields, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
