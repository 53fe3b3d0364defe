package validator

import (
	"fmt"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/go-playground/validator/v10"
)

// DefaultMaxBatchQuestions bounds a single submission.
const DefaultMaxBatchQuestions = 5000

// BatchValidator handles batch-level rules that struct tags cannot express
type BatchValidator struct {
	structValidator *validator.Validate
	MaxQuestions    int
}

// NewBatchValidator creates a new batch validator
func NewBatchValidator(structValidator *validator.Validate) *BatchValidator {
	return &BatchValidator{
		structValidator: structValidator,
		MaxQuestions:    DefaultMaxBatchQuestions,
	}
}

// Validate returns every violation found in the batch; an empty result means valid.
func (b *BatchValidator) Validate(questions []models.QuestionInput) ValidationErrors {
	var errs ValidationErrors

	if len(questions) == 0 {
		return append(errs, ValidationError{Field: "questions", Message: "must contain at least one question", Rule: "min"})
	}
	if b.MaxQuestions > 0 && len(questions) > b.MaxQuestions {
		errs = append(errs, ValidationError{
			Field:   "questions",
			Message: fmt.Sprintf("must contain at most %d questions", b.MaxQuestions),
			Value:   len(questions),
			Rule:    "max",
		})
	}

	seen := make(map[string]int, len(questions))
	for i, q := range questions {
		if err := b.structValidator.Struct(q); err != nil {
			for _, fe := range ToValidationErrors(err) {
				fe.Field = fmt.Sprintf("questions[%d].%s", i, fe.Field)
				errs = append(errs, fe)
			}
		}
		if q.ID == "" {
			continue
		}
		if first, dup := seen[q.ID]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("questions[%d].id", i),
				Message: fmt.Sprintf("duplicates questions[%d].id", first),
				Value:   q.ID,
				Rule:    "unique",
			})
			continue
		}
		seen[q.ID] = i
	}

	return errs
}
