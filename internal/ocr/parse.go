package ocr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseFieldsJSON parses the JSON array of field extractions returned by a
// prompt-based provider. Models occasionally wrap the payload in markdown
// fences or prose despite instructions, so recover the array boundaries
// before unmarshaling.
func parseFieldsJSON(text string) ([]Field, error) {
	text = strings.TrimSpace(text)

	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "[")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	endIdx := strings.LastIndex(text, "]")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON array in response")
	}

	text = text[startIdx : endIdx+1]

	var fields []Field
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	for i := range fields {
		fields[i].Type = strings.TrimSpace(fields[i].Type)
		// Confidence outside [0,1] is a model artifact, clamp it.
		if fields[i].Confidence < 0 {
			fields[i].Confidence = 0
		}
		if fields[i].Confidence > 1 {
			fields[i].Confidence = 1
		}
	}

	return fields, nil
}
