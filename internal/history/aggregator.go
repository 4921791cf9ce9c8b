package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// Source lists what the aggregator merges into one history.
type Source interface {
	ListHistory(ctx context.Context, participantID uuid.UUID) ([]domain.HistoryEntry, error)
	ListAssessments(ctx context.Context, participantID uuid.UUID) ([]domain.Assessment, error)
}

// Aggregator loads a participant's full history, most recent first.
type Aggregator struct {
	Source Source
}

func (a Aggregator) Load(ctx context.Context, participantID uuid.UUID) ([]domain.HistoryEntry, error) {
	entries, err := a.Source.ListHistory(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	assessments, err := a.Source.ListAssessments(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	for _, as := range assessments {
		entries = append(entries, &domain.ProviderAssessment{Assessment: as})
	}
	SortMostRecentFirst(entries)
	return entries, nil
}
