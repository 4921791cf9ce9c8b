package snapshot_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"enrollment/internal/domain"
	"enrollment/internal/history"
	"enrollment/internal/reference"
	"enrollment/internal/snapshot"
)

type staticHistory []domain.HistoryEntry

func (h staticHistory) Load(context.Context, uuid.UUID) ([]domain.HistoryEntry, error) {
	out := append([]domain.HistoryEntry(nil), h...)
	history.SortMostRecentFirst(out)
	return out, nil
}

type resolverMock struct {
	mock.Mock
}

func (m *resolverMock) CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.CaseWorker), args.Error(1)
}

func (m *resolverMock) LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.LocalOffice), args.Error(1)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func participant() domain.Participant {
	return domain.Participant{
		ID: uuid.MustParse("6f1c1d7e-7d0b-4a3e-9a59-0a8f3b1f0c01"),
		List: domain.ParticipantList{
			ID:        uuid.MustParse("2a4b8c2d-5f9e-4c3b-8d1a-6e7f8a9b0c02"),
			Name:      "Job club",
			Program:   domain.Program{Code: "JOBCLUB", Name: "Job club", TracksParticipationRate: true},
			StartType: domain.StartIndividual,
		},
		Person: domain.Person{
			ID:        uuid.MustParse("9b8a7c6d-5e4f-4a3b-9c2d-1e0f2a3b4c03"),
			Ident:     "12345678901",
			FirstName: "Ola",
			LastName:  "Nordmann",
		},
		Status: domain.Status{
			ID:        uuid.MustParse("1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e04"),
			Type:      domain.StatusApplied,
			ValidFrom: day("2024-01-10"),
			Created:   day("2024-01-10"),
		},
		Source:       domain.SourceSystemOfRecord,
		LastModified: day("2024-01-10").Add(9 * time.Hour),
	}
}

func TestApplicationOnlyParticipantBuilds(t *testing.T) {
	p := participant()
	app := &domain.SharedIntakeApplication{ID: uuid.New(), ParticipantID: p.ID, AppliedAt: day("2024-01-10").Add(9 * time.Hour), AppliedBy: uuid.New(), AppliedByOffice: uuid.New()}
	b := snapshot.Builder{History: staticHistory{app}}

	snap, err := b.Build(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, day("2024-01-10"), snap.V1.RegisteredAt)
	require.Equal(t, day("2024-01-10"), snap.V2.AppliedOn)
	require.Equal(t, "Applied", snap.V1.Status.Text)
	require.Nil(t, snap.V2.FirstDecisionFinalized)
	require.Nil(t, snap.V2.LastModifiedBy)
	require.Len(t, snap.V2.History, 1)
	require.Equal(t, domain.KindSharedIntakeApplication, snap.V2.History[0].Type)
}

func TestSystemOfRecordWithoutDecisionOrApplicationFails(t *testing.T) {
	p := participant()
	entries := staticHistory{
		&domain.ProviderEdit{ID: uuid.New(), ParticipantID: p.ID, EditedAt: day("2024-02-01")},
		&domain.ProviderAssessment{Assessment: domain.Assessment{ID: uuid.New(), ParticipantID: p.ID, ValidFrom: day("2024-02-02"), Type: domain.AssessmentMeetsRequirements}},
		&domain.LegacyImport{ID: uuid.New(), ParticipantID: p.ID, ImportedAt: day("2024-01-01"), ApplicationDate: ptr(day("2023-12-01"))},
	}
	cw := uuid.New()
	p.Person.CaseWorkerID = &cw
	resolvers := &resolverMock{}
	b := snapshot.Builder{History: entries, CaseWorkers: resolvers, LocalOffices: resolvers}

	_, err := b.Build(context.Background(), p, nil)
	require.ErrorIs(t, err, snapshot.ErrInvalidForPublish)
	resolvers.AssertNotCalled(t, "CaseWorker", mock.Anything, mock.Anything)

	_, err = b.Build(context.Background(), participant(), nil)
	require.ErrorIs(t, err, snapshot.ErrInvalidForPublish)
}

func TestMissingApplicationDateFails(t *testing.T) {
	p := participant()
	p.Source = domain.SourceLegacyImport
	b := snapshot.Builder{History: staticHistory{&domain.LegacyImport{ID: uuid.New(), ImportedAt: day("2024-01-01")}}}

	_, err := b.Build(context.Background(), p, nil)
	var invalid *snapshot.InvalidForPublishError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, p.ID, invalid.ParticipantID)
}

func TestLegacyImportWithApplicationDateBuilds(t *testing.T) {
	p := participant()
	p.Source = domain.SourceLegacyImport
	p.StartDate = ptr(day("2024-02-01"))
	b := snapshot.Builder{History: staticHistory{&domain.LegacyImport{
		ID: uuid.New(), ImportedAt: day("2024-01-05"), ApplicationDate: ptr(day("2023-11-20")),
		AtImport: domain.ImportSnapshot{StartDate: ptr(day("2024-01-01")), ParticipationPercent: ptr(40.0)},
	}}}

	snap, err := b.Build(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, day("2023-11-20"), snap.V1.RegisteredAt)
	require.Equal(t, day("2023-11-20"), *snap.V2.FirstDecisionFinalized)
	require.Equal(t, []snapshot.V1Rate{{Percent: 40, EffectiveFrom: day("2024-02-01"), Created: day("2024-01-05")}}, snap.V1.Rates)
}

func decisionHistory(p domain.Participant, caseWorker, office uuid.UUID) staticHistory {
	return staticHistory{
		&domain.Decision{
			ID: uuid.New(), ParticipantID: p.ID,
			FinalizedAt: ptr(day("2024-01-15").Add(10 * time.Hour)),
			AtDecision:  domain.ParticipantSnapshot{StartDate: ptr(day("2024-01-01")), ParticipationPercent: ptr(50.0), Status: domain.StatusWaitingToStart},
			CreatedAt:   day("2024-01-12"), CreatedBy: caseWorker, CreatedByOffice: office,
			ModifiedAt: day("2024-01-15").Add(10 * time.Hour), ModifiedBy: caseWorker, ModifiedByOffice: office,
		},
		&domain.Edit{
			ID: uuid.New(), ParticipantID: p.ID,
			Change:   domain.Change{Kind: domain.ChangeParticipationRate, ParticipationPercent: ptr(80.0), EffectiveFrom: ptr(day("2024-04-01"))},
			EditedBy: caseWorker, EditedByOffice: office, EditedAt: day("2024-03-20"),
		},
		&domain.Suggestion{ID: uuid.New(), ParticipantID: p.ID, CreatedAt: day("2024-03-25"), Status: domain.SuggestionPending},
	}
}

func TestFullSnapshotResolvesReferencesAndProjects(t *testing.T) {
	p := participant()
	caseWorker, office := uuid.New(), uuid.New()
	p.Person.CaseWorkerID = &caseWorker
	p.Person.LocalOfficeID = &office
	p.StartDate = ptr(day("2024-03-01"))
	p.EndDate = ptr(day("2024-06-01"))
	p.Status = domain.Status{ID: uuid.New(), Type: domain.StatusHasEnded, Reason: &domain.Reason{Type: domain.ReasonOther, Description: ptr("moved abroad")}, ValidFrom: day("2024-06-01"), Created: day("2024-06-01")}
	p.Content = &domain.Content{Lead: "lead", Items: []domain.ContentItem{
		{Text: "CV", Code: "cv", Selected: true},
		{Text: "Interview", Code: "interview", Selected: false},
	}}
	resolvers := &resolverMock{}
	resolvers.On("CaseWorker", mock.Anything, caseWorker).Return(domain.CaseWorker{ID: caseWorker, Ident: "Z1", Name: "Kari"}, nil).Once()
	resolvers.On("LocalOffice", mock.Anything, office).Return(domain.LocalOffice{ID: office, OfficeNumber: "0315", Name: "Grunerlokka"}, nil).Once()
	b := snapshot.Builder{History: decisionHistory(p, caseWorker, office), CaseWorkers: resolvers, LocalOffices: resolvers}

	snap, err := b.Build(context.Background(), p, ptr(true))
	require.NoError(t, err)
	resolvers.AssertExpectations(t)

	require.Equal(t, "Has ended", snap.V1.Status.Text)
	require.Equal(t, "moved abroad", *snap.V1.Status.ReasonText)
	require.Equal(t, []snapshot.V1ContentItem{{Text: "CV", Code: "cv"}}, snap.V1.Content.Items)
	require.Len(t, snap.V2.Content.Items, 2)
	require.Equal(t, day("2024-01-12"), snap.V1.RegisteredAt)
	require.Equal(t, []snapshot.V1Rate{
		{Percent: 50, EffectiveFrom: day("2024-03-01"), Created: day("2024-01-12")},
		{Percent: 80, EffectiveFrom: day("2024-04-01"), Created: day("2024-03-20")},
	}, snap.V1.Rates)

	require.Equal(t, "Grunerlokka", *snap.V2.LocalOffice)
	require.Equal(t, "Kari", snap.V2.CaseWorker.Name)
	require.Equal(t, caseWorker, *snap.V2.CaseWorkerID)
	require.Equal(t, day("2024-01-15"), *snap.V2.FirstDecisionFinalized)
	require.Equal(t, caseWorker, *snap.V2.LastModifiedBy)
	require.Equal(t, office, *snap.V2.LastModifiedByOffice)
	require.True(t, *snap.V2.ForcedUpdate)
	require.Len(t, snap.V2.History, 3)
	require.Equal(t, domain.KindSuggestion, snap.V2.History[0].Type)
}

func TestResolutionFailurePropagates(t *testing.T) {
	p := participant()
	caseWorker := uuid.New()
	p.Person.CaseWorkerID = &caseWorker
	resolvers := &resolverMock{}
	upstream := &reference.ResolutionError{Kind: "case-worker", Key: caseWorker.String(), Err: errors.New("503")}
	resolvers.On("CaseWorker", mock.Anything, caseWorker).Return(domain.CaseWorker{}, upstream)
	b := snapshot.Builder{History: decisionHistory(p, caseWorker, uuid.New()), CaseWorkers: resolvers}

	_, err := b.Build(context.Background(), p, nil)
	var resErr *reference.ResolutionError
	require.True(t, errors.As(err, &resErr))
	require.NotErrorIs(t, err, snapshot.ErrInvalidForPublish)
}

func TestComposeIsDeterministic(t *testing.T) {
	p := participant()
	p.StartDate = ptr(day("2024-03-01"))
	caseWorker, office := uuid.New(), uuid.New()
	entries, err := decisionHistory(p, caseWorker, office).Load(context.Background(), p.ID)
	require.NoError(t, err)
	in := snapshot.Inputs{Participant: p, History: entries, LocalOffice: &domain.LocalOffice{ID: office, Name: "Oslo"}}

	first, err := snapshot.Compose(in)
	require.NoError(t, err)
	second, err := snapshot.Compose(in)
	require.NoError(t, err)
	require.Equal(t, first, second)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
	require.Equal(t, a, b)
}
