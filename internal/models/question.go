package models

import "strings"

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	ShortAnswer    QuestionType = "short_answer"
	Essay          QuestionType = "essay"
	FillInBlank    QuestionType = "fill_blank"
	Numeric        QuestionType = "numeric"
)

// IsClosedForm reports whether answers of this type are graded by exact comparison.
func (t QuestionType) IsClosedForm() bool {
	return t == MultipleChoice || t == TrueFalse
}

// IsOpenEnded reports whether the type admits free-form prose answers.
func (t QuestionType) IsOpenEnded() bool {
	return t == ShortAnswer || t == Essay
}

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// QuestionInput is one student answer submitted for grading. It is immutable once submitted.
type QuestionInput struct {
	ID             string       `json:"id" validate:"required,max=128"`
	Prompt         string       `json:"prompt" validate:"required"`
	StudentAnswer  string       `json:"student_answer"`
	CorrectAnswer  *string      `json:"correct_answer,omitempty"`
	SkillTags      []string     `json:"skill_tags,omitempty" validate:"omitempty,dive,required"`
	PointsPossible *float64     `json:"points_possible,omitempty" validate:"omitempty,gte=0"`
	QuestionType   QuestionType `json:"question_type,omitempty" validate:"omitempty,question_type"`

	// RequestMisconceptions asks for misconception-aware scoring of open-ended answers.
	RequestMisconceptions bool              `json:"request_misconceptions,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Expected returns the reference answer, or an empty string when none was supplied.
func (q QuestionInput) Expected() string {
	if q.CorrectAnswer == nil {
		return ""
	}
	return *q.CorrectAnswer
}

// HasExpected reports whether a non-blank reference answer is present.
func (q QuestionInput) HasExpected() bool {
	return strings.TrimSpace(q.Expected()) != ""
}
