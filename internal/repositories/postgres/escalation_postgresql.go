package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
	"gorm.io/gorm"
)

type EscalationPostgreSQL struct {
	db *gorm.DB
}

func NewEscalationPostgreSQL(db *gorm.DB) repositories.EscalationRepository {
	return &EscalationPostgreSQL{db: db}
}

// Create appends an escalation audit record
func (r *EscalationPostgreSQL) Create(ctx context.Context, outcome *models.EscalationOutcome) error {
	if err := r.db.WithContext(ctx).Create(outcome).Error; err != nil {
		return fmt.Errorf("failed to create escalation outcome: %w", err)
	}
	return nil
}

// CountByType counts records per escalation type created since the given time
func (r *EscalationPostgreSQL) CountByType(ctx context.Context, since time.Time) (map[models.EscalationType]int64, error) {
	var rows []struct {
		EscalationType models.EscalationType
		Count          int64
	}
	err := r.db.WithContext(ctx).Model(&models.EscalationOutcome{}).
		Select("escalation_type, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("escalation_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count escalations: %w", err)
	}

	counts := make(map[models.EscalationType]int64, len(rows))
	for _, row := range rows {
		counts[row.EscalationType] = row.Count
	}
	return counts, nil
}
