package ocr

import (
	"math"
	"strconv"
)

// FieldTypeTotalAmount is the field type the policy reads the receipt
// total from.
const FieldTypeTotalAmount = "total_amount"

// flagThreshold is the minimum average confidence a receipt needs to skip
// human review. Exactly the threshold is not flagged.
const flagThreshold = 0.95

// Evaluation is the receipt-level outcome of one set of field extractions.
type Evaluation struct {
	// AvgConfidence is the arithmetic mean of all field confidences,
	// 0.0 when there are no fields.
	AvgConfidence float64
	// TotalAmount is the inferred receipt total in cents, nil when no
	// total_amount field carried a parseable normalized value. A nil
	// total leaves the receipt's existing amount unchanged.
	TotalAmount *int64
	// Flagged marks the receipt for human review.
	Flagged bool
}

// Evaluate aggregates per-field confidences into a receipt-level score and
// decides the review flag. It is pure: same fields in, same evaluation out.
func Evaluate(fields []Field) Evaluation {
	eval := Evaluation{}

	if len(fields) > 0 {
		var sum float64
		for _, f := range fields {
			sum += f.Confidence
		}
		eval.AvgConfidence = sum / float64(len(fields))
	}

	eval.Flagged = eval.AvgConfidence < flagThreshold

	for _, f := range fields {
		if f.Type != FieldTypeTotalAmount || f.NormalizedValue == "" {
			continue
		}
		amount, err := strconv.ParseFloat(f.NormalizedValue, 64)
		if err != nil {
			continue
		}
		cents := int64(math.Round(amount * 100))
		eval.TotalAmount = &cents
		break
	}

	return eval
}
