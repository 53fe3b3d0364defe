package memory

import (
	"context"
	"sync"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/repositories"
)

type EscalationMemory struct {
	mu       sync.Mutex
	outcomes []models.EscalationOutcome
	nextID   uint
}

func NewEscalationMemory() *EscalationMemory {
	return &EscalationMemory{}
}

var _ repositories.EscalationRepository = (*EscalationMemory)(nil)

func (r *EscalationMemory) Create(ctx context.Context, outcome *models.EscalationOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	outcome.ID = r.nextID
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now()
	}
	r.outcomes = append(r.outcomes, *outcome)
	return nil
}

func (r *EscalationMemory) CountByType(ctx context.Context, since time.Time) (map[models.EscalationType]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[models.EscalationType]int64)
	for _, o := range r.outcomes {
		if o.CreatedAt.Before(since) {
			continue
		}
		counts[o.EscalationType]++
	}
	return counts, nil
}

// All returns a copy of every recorded outcome.
func (r *EscalationMemory) All() []models.EscalationOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EscalationOutcome(nil), r.outcomes...)
}
