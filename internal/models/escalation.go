package models

import "time"

type EscalationType string

const (
	EscalationSkillAmbiguity    EscalationType = "skill_ambiguity"
	EscalationFallbackTriggered EscalationType = "fallback_triggered"
	EscalationModelEscalation   EscalationType = "model_escalation"
	EscalationValidationFailure EscalationType = "validation_failure"
)

// EscalationOutcome is an append-only diagnostic record. It is never read back into grading decisions.
type EscalationOutcome struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	QuestionID       string         `json:"question_id" gorm:"size:128;index"`
	EscalationType   EscalationType `json:"escalation_type" gorm:"size:32;not null;index"`
	OriginalService  EngineKind     `json:"original_service" gorm:"size:16"`
	SelectedSolution EngineKind     `json:"selected_solution" gorm:"size:16"`
	Confidence       float64        `json:"confidence"`
	Success          bool           `json:"success"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	CreatedAt        time.Time      `json:"created_at" gorm:"index"`
}

func (EscalationOutcome) TableName() string {
	return "escalation_outcomes"
}
