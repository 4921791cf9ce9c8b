package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// SortMostRecentFirst orders entries newest first. Ties keep a stable order by entry id.
func SortMostRecentFirst(entries []domain.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].OccurredAt(), entries[j].OccurredAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		ai, bi := entries[i].EntryID(), entries[j].EntryID()
		return ai.String() < bi.String()
	})
}

// MostRecentSubstantive returns the first decision or edit in a most-recent-first
// history, or nil when there is none.
func MostRecentSubstantive(entries []domain.HistoryEntry) domain.HistoryEntry {
	for _, e := range entries {
		switch e.(type) {
		case *domain.Decision, *domain.Edit:
			return e
		}
	}
	return nil
}

// ModifiedBy returns who made the change recorded by entry. It panics for
// variants that cannot be the latest change of a participant.
func ModifiedBy(entry domain.HistoryEntry) uuid.UUID {
	switch e := entry.(type) {
	case *domain.Decision:
		return e.ModifiedBy
	case *domain.Edit:
		return e.EditedBy
	case *domain.CoordinatorEdit:
		return e.EditedBy
	case *domain.SharedIntakeApplication:
		return e.AppliedBy
	case *domain.Suggestion, *domain.ProviderEdit, *domain.LegacyImport, *domain.ProviderAssessment:
		panic(fmt.Sprintf("history: %s entry cannot be the latest change", entry.Kind()))
	default:
		panic(fmt.Sprintf("history: unknown entry %T", entry))
	}
}

// ModifiedByOffice returns the office the change was made on behalf of.
// Coordinator edits have no office.
func ModifiedByOffice(entry domain.HistoryEntry) *uuid.UUID {
	switch e := entry.(type) {
	case *domain.Decision:
		return &e.ModifiedByOffice
	case *domain.Edit:
		return &e.EditedByOffice
	case *domain.SharedIntakeApplication:
		return &e.AppliedByOffice
	case *domain.CoordinatorEdit:
		return nil
	case *domain.Suggestion, *domain.ProviderEdit, *domain.LegacyImport, *domain.ProviderAssessment:
		panic(fmt.Sprintf("history: %s entry cannot be the latest change", entry.Kind()))
	default:
		panic(fmt.Sprintf("history: unknown entry %T", entry))
	}
}

// ApplicationDate is the date the participant applied. A legacy import
// carrying a date wins, then the earliest shared-intake application, then the
// earliest-created decision.
func ApplicationDate(entries []domain.HistoryEntry) *time.Time {
	if d := legacyApplicationDate(entries); d != nil {
		return d
	}
	var earliest *time.Time
	for _, e := range entries {
		app, ok := e.(*domain.SharedIntakeApplication)
		if !ok {
			continue
		}
		if earliest == nil || app.AppliedAt.Before(*earliest) {
			at := app.AppliedAt
			earliest = &at
		}
	}
	if earliest != nil {
		d := domain.DateOf(*earliest)
		return &d
	}
	if first := earliestCreatedDecision(entries); first != nil {
		d := domain.DateOf(first.CreatedAt)
		return &d
	}
	return nil
}

// FirstDecisionFinalizedDate is the legacy-import date when present, otherwise
// the finalization date of the earliest-created decision.
func FirstDecisionFinalizedDate(entries []domain.HistoryEntry) *time.Time {
	if d := legacyApplicationDate(entries); d != nil {
		return d
	}
	first := earliestCreatedDecision(entries)
	if first == nil || first.FinalizedAt == nil {
		return nil
	}
	d := domain.DateOf(*first.FinalizedAt)
	return &d
}

// HasDecisionOrApplication reports whether the history contains a decision or
// an application to a shared intake.
func HasDecisionOrApplication(entries []domain.HistoryEntry) bool {
	for _, e := range entries {
		switch e.(type) {
		case *domain.Decision, *domain.SharedIntakeApplication:
			return true
		}
	}
	return false
}

func legacyApplicationDate(entries []domain.HistoryEntry) *time.Time {
	for _, e := range entries {
		imp, ok := e.(*domain.LegacyImport)
		if !ok || imp.ApplicationDate == nil {
			continue
		}
		d := domain.DateOf(*imp.ApplicationDate)
		return &d
	}
	return nil
}

// earliestCreatedDecision breaks ties on creation time by id so the result
// does not depend on the order entries were loaded in.
func earliestCreatedDecision(entries []domain.HistoryEntry) *domain.Decision {
	var first *domain.Decision
	for _, e := range entries {
		d, ok := e.(*domain.Decision)
		if !ok {
			continue
		}
		if first == nil || d.CreatedAt.Before(first.CreatedAt) ||
			(d.CreatedAt.Equal(first.CreatedAt) && d.ID.String() < first.ID.String()) {
			first = d
		}
	}
	return first
}
