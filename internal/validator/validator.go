package validator

import (
	"reflect"
	"strings"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/go-playground/validator/v10"
)

// Validator is the main validator instance that combines all validation types
type Validator struct {
	structValidator *validator.Validate
	batchValidator  *BatchValidator
}

// New creates a new centralized validator instance
func New() *Validator {
	structValidator := validator.New()

	// Register all custom validators once
	registerCustomValidators(structValidator)

	return &Validator{
		structValidator: structValidator,
		batchValidator:  NewBatchValidator(structValidator),
	}
}

// ValidateStruct validates struct tags only
func (v *Validator) ValidateStruct(s interface{}) error {
	return v.structValidator.Struct(s)
}

// Validate performs struct validation and converts failures into ValidationErrors
func (v *Validator) Validate(s interface{}) error {
	if err := v.ValidateStruct(s); err != nil {
		return ToValidationErrors(err)
	}
	return nil
}

// Batch returns the batch validator
func (v *Validator) Batch() *BatchValidator {
	return v.batchValidator
}

// ValidateQuestions checks a submitted batch: struct tags on every question plus batch-level rules.
func (v *Validator) ValidateQuestions(questions []models.QuestionInput) error {
	if errs := v.batchValidator.Validate(questions); len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateGradedAnswer checks an engine verdict against the GradedAnswer schema.
func (v *Validator) ValidateGradedAnswer(answer *models.GradedAnswer) error {
	return v.Validate(answer)
}

// registerCustomValidators registers all custom validation functions
func registerCustomValidators(validate *validator.Validate) {
	validate.RegisterValidation("question_type", validateQuestionType)
	validate.RegisterValidation("engine_kind", validateEngineKind)
	validate.RegisterValidation("job_priority", validateJobPriority)

	// Custom tag name function for better error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateQuestionType(fl validator.FieldLevel) bool {
	validTypes := []models.QuestionType{
		models.MultipleChoice,
		models.TrueFalse,
		models.ShortAnswer,
		models.Essay,
		models.FillInBlank,
		models.Numeric,
	}

	value := fl.Field().String()
	for _, validType := range validTypes {
		if string(validType) == value {
			return true
		}
	}
	return false
}

func validateEngineKind(fl validator.FieldLevel) bool {
	return models.EngineKind(fl.Field().String()).Valid()
}

func validateJobPriority(fl validator.FieldLevel) bool {
	switch models.JobPriority(fl.Field().String()) {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
		return true
	}
	return false
}
