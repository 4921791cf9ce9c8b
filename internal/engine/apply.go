package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// apply mutates p for entry and returns the status that becomes current, or
// nil when the status stays.
func apply(p *domain.Participant, entry domain.HistoryEntry, now time.Time) *domain.Status {
	switch e := entry.(type) {
	case *domain.Decision:
		if !e.Finalized() {
			return nil
		}
		s := e.AtDecision
		p.StartDate = s.StartDate
		p.EndDate = s.EndDate
		p.DaysPerWeek = s.DaysPerWeek
		p.ParticipationPercent = s.ParticipationPercent
		p.BackgroundInfo = s.BackgroundInfo
		if s.Content != nil {
			p.Content = s.Content
		}
		return transition(p, s.Status, nil, *e.FinalizedAt, now)
	case *domain.Edit:
		return applyChange(p, e.Change, e.EditedAt, now)
	case *domain.ProviderEdit:
		return applyChange(p, e.Change, e.EditedAt, now)
	case *domain.Suggestion:
		// An accepted suggestion arrives as an Edit carrying its id.
		return nil
	case *domain.CoordinatorEdit:
		switch e.EditKind {
		case domain.CoordinatorShareWithProvider:
			p.SharedManually = true
			return nil
		case domain.CoordinatorAssignSeat:
			return transition(p, domain.StatusWaitingToStart, nil, e.EditedAt, now)
		case domain.CoordinatorWaitlist:
			return transition(p, domain.StatusWaitlisted, nil, e.EditedAt, now)
		default:
			panic(fmt.Sprintf("engine: unknown coordinator edit %q", e.EditKind))
		}
	case *domain.LegacyImport:
		s := e.AtImport
		p.Source = domain.SourceLegacyImport
		p.StartDate = s.StartDate
		p.EndDate = s.EndDate
		p.DaysPerWeek = s.DaysPerWeek
		p.ParticipationPercent = s.ParticipationPercent
		validFrom := e.ImportedAt
		if s.StatusValidFrom != nil {
			validFrom = *s.StatusValidFrom
		}
		return transition(p, s.Status, nil, validFrom, now)
	case *domain.SharedIntakeApplication:
		return transition(p, domain.StatusApplied, nil, e.AppliedAt, now)
	case *domain.ProviderAssessment:
		return nil
	default:
		panic(fmt.Sprintf("engine: unknown history entry %T", entry))
	}
}

func applyChange(p *domain.Participant, c domain.Change, at, now time.Time) *domain.Status {
	switch c.Kind {
	case domain.ChangeBackgroundInfo:
		p.BackgroundInfo = c.BackgroundInfo
	case domain.ChangeContent:
		p.Content = c.Content
	case domain.ChangeParticipationRate:
		p.DaysPerWeek = c.DaysPerWeek
		p.ParticipationPercent = c.ParticipationPercent
	case domain.ChangeStartDate:
		p.StartDate = c.StartDate
		if c.EndDate != nil {
			p.EndDate = c.EndDate
		}
	case domain.ChangeEndDate, domain.ChangeExtend:
		p.EndDate = c.EndDate
	case domain.ChangeRemoveStartDate:
		p.StartDate = nil
		p.EndDate = nil
	case domain.ChangeNotRelevant:
		return transition(p, domain.StatusNotRelevant, c.Reason, at, now)
	case domain.ChangeEndParticipation:
		if c.EndDate != nil {
			p.EndDate = c.EndDate
		}
		return transition(p, domain.StatusHasEnded, c.Reason, at, now)
	case domain.ChangeEndReason:
		return transition(p, p.Status.Type, c.Reason, at, now)
	case domain.ChangeReactivate:
		return transition(p, domain.StatusWaitingToStart, nil, at, now)
	default:
		panic(fmt.Sprintf("engine: unknown change kind %q", c.Kind))
	}
	return nil
}

func transition(p *domain.Participant, t domain.StatusType, reason *domain.Reason, validFrom, now time.Time) *domain.Status {
	if p.Status.Type == t && sameReason(p.Status.Reason, reason) {
		return nil
	}
	return &domain.Status{ID: uuid.New(), Type: t, Reason: reason, ValidFrom: validFrom.UTC(), Created: now}
}

func sameReason(a, b *domain.Reason) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type {
		return false
	}
	if a.Description == nil || b.Description == nil {
		return a.Description == b.Description
	}
	return *a.Description == *b.Description
}
