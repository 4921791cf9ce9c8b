package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"enrollment/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func TestMostRecentSubstantiveSkipsOtherEntries(t *testing.T) {
	edit := &domain.Edit{ID: uuid.New(), EditedAt: at("2024-03-01T10:00:00Z"), EditedBy: uuid.New()}
	entries := []domain.HistoryEntry{
		&domain.Suggestion{ID: uuid.New(), CreatedAt: at("2024-03-05T10:00:00Z")},
		&domain.ProviderEdit{ID: uuid.New(), EditedAt: at("2024-03-04T10:00:00Z")},
		edit,
		&domain.Decision{ID: uuid.New(), ModifiedAt: at("2024-02-01T10:00:00Z")},
	}
	require.Same(t, edit, MostRecentSubstantive(entries))
	require.Nil(t, MostRecentSubstantive(entries[:2]))
	require.Nil(t, MostRecentSubstantive(nil))
}

func TestAttribution(t *testing.T) {
	caseWorker, office := uuid.New(), uuid.New()

	d := &domain.Decision{ModifiedBy: caseWorker, ModifiedByOffice: office}
	require.Equal(t, caseWorker, ModifiedBy(d))
	require.Equal(t, office, *ModifiedByOffice(d))

	e := &domain.Edit{EditedBy: caseWorker, EditedByOffice: office}
	require.Equal(t, caseWorker, ModifiedBy(e))
	require.Equal(t, office, *ModifiedByOffice(e))

	c := &domain.CoordinatorEdit{EditedBy: caseWorker}
	require.Equal(t, caseWorker, ModifiedBy(c))
	require.Nil(t, ModifiedByOffice(c))

	a := &domain.SharedIntakeApplication{AppliedBy: caseWorker, AppliedByOffice: office}
	require.Equal(t, caseWorker, ModifiedBy(a))
	require.Equal(t, office, *ModifiedByOffice(a))
}

func TestAttributionPanicsForNonSubstantiveEntries(t *testing.T) {
	for _, e := range []domain.HistoryEntry{
		&domain.Suggestion{},
		&domain.ProviderEdit{},
		&domain.LegacyImport{},
		&domain.ProviderAssessment{},
	} {
		require.Panics(t, func() { ModifiedBy(e) }, e.Kind())
		require.Panics(t, func() { ModifiedByOffice(e) }, e.Kind())
	}
}

func TestApplicationDatePrefersLegacyImport(t *testing.T) {
	entries := []domain.HistoryEntry{
		&domain.SharedIntakeApplication{ID: uuid.New(), AppliedAt: at("2024-01-10T09:00:00Z")},
		&domain.LegacyImport{ID: uuid.New(), ImportedAt: at("2024-02-01T00:00:00Z"), ApplicationDate: ptr(day("2023-11-15"))},
	}
	require.Equal(t, day("2023-11-15"), *ApplicationDate(entries))
	require.Equal(t, day("2023-11-15"), *FirstDecisionFinalizedDate(entries))
}

func TestApplicationDateUsesEarliestSharedIntakeApplication(t *testing.T) {
	entries := []domain.HistoryEntry{
		&domain.SharedIntakeApplication{ID: uuid.New(), AppliedAt: at("2024-02-10T09:00:00Z")},
		&domain.SharedIntakeApplication{ID: uuid.New(), AppliedAt: at("2024-01-10T15:30:00Z")},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2023-12-01T08:00:00Z")},
	}
	require.Equal(t, day("2024-01-10"), *ApplicationDate(entries))
}

func TestApplicationDateFallsBackToEarliestDecision(t *testing.T) {
	entries := []domain.HistoryEntry{
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-03-02T08:00:00Z")},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-02-20T08:00:00Z")},
	}
	require.Equal(t, day("2024-02-20"), *ApplicationDate(entries))
}

func TestApplicationDateAbsent(t *testing.T) {
	require.Nil(t, ApplicationDate(nil))
	require.Nil(t, ApplicationDate([]domain.HistoryEntry{
		&domain.Edit{ID: uuid.New()},
		&domain.LegacyImport{ID: uuid.New()},
	}))
}

func TestFirstDecisionFinalizedDateUsesEarliestCreated(t *testing.T) {
	entries := []domain.HistoryEntry{
		// created later, finalized earlier
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-03-01T08:00:00Z"), FinalizedAt: ptr(at("2024-03-01T09:00:00Z"))},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-02-01T08:00:00Z"), FinalizedAt: ptr(at("2024-03-05T09:00:00Z"))},
	}
	require.Equal(t, day("2024-03-05"), *FirstDecisionFinalizedDate(entries))
}

func permutations(entries []domain.HistoryEntry) [][]domain.HistoryEntry {
	if len(entries) <= 1 {
		return [][]domain.HistoryEntry{append([]domain.HistoryEntry(nil), entries...)}
	}
	var out [][]domain.HistoryEntry
	for i := range entries {
		rest := append(append([]domain.HistoryEntry(nil), entries[:i]...), entries[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]domain.HistoryEntry{entries[i]}, p...))
		}
	}
	return out
}

func TestFirstDecisionFinalizedDateIgnoresOrder(t *testing.T) {
	entries := []domain.HistoryEntry{
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-03-01T08:00:00Z"), FinalizedAt: ptr(at("2024-03-01T09:00:00Z"))},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-02-01T08:00:00Z"), FinalizedAt: ptr(at("2024-03-05T09:00:00Z"))},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-02-15T08:00:00Z")},
		&domain.Edit{ID: uuid.New(), EditedAt: at("2024-01-01T08:00:00Z")},
	}
	perms := permutations(entries)
	require.Len(t, perms, 24)
	for _, p := range perms {
		require.Equal(t, day("2024-03-05"), *FirstDecisionFinalizedDate(p))
	}

	// Decisions created at the same instant resolve by id.
	created := at("2024-02-01T08:00:00Z")
	tied := []domain.HistoryEntry{
		&domain.Decision{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: created, FinalizedAt: ptr(at("2024-02-10T09:00:00Z"))},
		&domain.Decision{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: created, FinalizedAt: ptr(at("2024-02-20T09:00:00Z"))},
		&domain.Decision{ID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), CreatedAt: created},
	}
	for _, p := range permutations(tied) {
		require.Equal(t, day("2024-02-20"), *FirstDecisionFinalizedDate(p))
	}
}

func TestFirstDecisionFinalizedDatePending(t *testing.T) {
	entries := []domain.HistoryEntry{
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-02-01T08:00:00Z")},
		&domain.Decision{ID: uuid.New(), CreatedAt: at("2024-03-01T08:00:00Z"), FinalizedAt: ptr(at("2024-03-01T09:00:00Z"))},
	}
	require.Nil(t, FirstDecisionFinalizedDate(entries))
	require.Nil(t, FirstDecisionFinalizedDate(nil))
}

func TestHasDecisionOrApplication(t *testing.T) {
	require.False(t, HasDecisionOrApplication([]domain.HistoryEntry{&domain.Edit{}, &domain.LegacyImport{}}))
	require.True(t, HasDecisionOrApplication([]domain.HistoryEntry{&domain.Edit{}, &domain.SharedIntakeApplication{}}))
	require.True(t, HasDecisionOrApplication([]domain.HistoryEntry{&domain.Decision{}}))
}

type fakeSource struct {
	entries     []domain.HistoryEntry
	assessments []domain.Assessment
}

func (f fakeSource) ListHistory(context.Context, uuid.UUID) ([]domain.HistoryEntry, error) {
	return append([]domain.HistoryEntry(nil), f.entries...), nil
}

func (f fakeSource) ListAssessments(context.Context, uuid.UUID) ([]domain.Assessment, error) {
	return f.assessments, nil
}

func TestAggregatorMergesAssessmentsMostRecentFirst(t *testing.T) {
	decision := &domain.Decision{ID: uuid.New(), ModifiedAt: at("2024-01-01T10:00:00Z")}
	edit := &domain.Edit{ID: uuid.New(), EditedAt: at("2024-03-01T10:00:00Z")}
	assessment := domain.Assessment{ID: uuid.New(), ValidFrom: at("2024-02-01T10:00:00Z"), Type: domain.AssessmentMeetsRequirements}

	agg := Aggregator{Source: fakeSource{entries: []domain.HistoryEntry{decision, edit}, assessments: []domain.Assessment{assessment}}}
	got, err := agg.Load(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Same(t, edit, got[0])
	pa, ok := got[1].(*domain.ProviderAssessment)
	require.True(t, ok)
	require.Equal(t, assessment.ID, pa.ID)
	require.Same(t, decision, got[2])
}
