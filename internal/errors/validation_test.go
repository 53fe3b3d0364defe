package errors

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("test_field", "test message", "test_value")

	assert.Equal(t, "test_field", err.Field)
	assert.Equal(t, "test message", err.Message)
	assert.Equal(t, "test_value", err.Value)
	assert.Equal(t, "validation error on field 'test_field': test message", err.Error())
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	assert.Equal(t, "validation failed", errs.Error())

	errs = append(errs, *NewValidationError("field1", "message1", nil))
	assert.Equal(t, "validation failed: field1 message1", errs.Error())

	errs = append(errs, *NewValidationError("field2", "message2", nil))
	assert.Equal(t, "validation failed: 2 field errors", errs.Error())
}

func TestNewValidationErrorWithRule(t *testing.T) {
	err := NewValidationErrorWithRule("test_field", "test message", "required", "test_value")

	assert.Equal(t, "required", err.Rule)
	assert.Equal(t, "test_field", err.Field)
}

func TestToValidationErrors(t *testing.T) {
	type sample struct {
		Name  string  `validate:"required"`
		Score float64 `validate:"lte=100"`
	}

	t.Run("validator errors", func(t *testing.T) {
		err := validator.New().Struct(sample{Score: 150})
		require.Error(t, err)

		converted := ToValidationErrors(err)
		require.Len(t, converted, 2)
		assert.Equal(t, "required", converted[0].Rule)
		assert.Equal(t, "is required", converted[0].Message)
		assert.Equal(t, "must be less than or equal to 100", converted[1].Message)
	})

	t.Run("plain error", func(t *testing.T) {
		converted := ToValidationErrors(errors.New("boom"))
		require.Len(t, converted, 1)
		assert.Equal(t, "boom", converted[0].Message)
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ToValidationErrors(nil))
	})
}
