package repo_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"enrollment/internal/db"
	"enrollment/internal/domain"
	"enrollment/internal/history"
	"enrollment/internal/migrate"
	"enrollment/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "enrollment.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestOrganizationUpsertReplacesAndDeleteIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := uuid.New()
	parent := uuid.New()

	require.NoError(t, r.UpsertOrganization(ctx, domain.Organization{ID: id, OrgNumber: "111", Name: "first", ParentID: &parent}))
	require.NoError(t, r.UpsertOrganization(ctx, domain.Organization{ID: id, OrgNumber: "222", Name: "second"}))

	got, err := r.GetOrganization(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "222", got.OrgNumber)
	require.Equal(t, "second", got.Name)
	require.Nil(t, got.ParentID)

	require.NoError(t, r.DeleteOrganization(ctx, id))
	_, err = r.GetOrganization(ctx, id)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, r.DeleteOrganization(ctx, id))
}

func TestNaturalKeyLookups(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	office := domain.LocalOffice{ID: uuid.New(), OfficeNumber: "0315", Name: "Grunerlokka"}
	worker := domain.CaseWorker{ID: uuid.New(), Ident: "Z123456", Name: "Kari Case", Email: "kari@example.org"}
	cw := worker.ID
	person := domain.Person{ID: uuid.New(), Ident: "12345678901", FirstName: "Ola", LastName: "Nordmann", CaseWorkerID: &cw}

	require.NoError(t, r.UpsertLocalOffice(ctx, office))
	require.NoError(t, r.UpsertCaseWorker(ctx, worker))
	require.NoError(t, r.UpsertPerson(ctx, person))

	gotOffice, err := r.GetLocalOfficeByNumber(ctx, "0315")
	require.NoError(t, err)
	require.Equal(t, office, gotOffice)

	gotWorker, err := r.GetCaseWorkerByIdent(ctx, "Z123456")
	require.NoError(t, err)
	require.Equal(t, worker, gotWorker)

	gotPerson, err := r.GetPersonByIdent(ctx, "12345678901")
	require.NoError(t, err)
	require.Equal(t, person, gotPerson)

	_, err = r.GetCaseWorkerByIdent(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestNaturalKeyReissuedUnderNewIDReplacesStaleRow(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	oldOffice := domain.LocalOffice{ID: uuid.New(), OfficeNumber: "0315", Name: "Grunerlokka"}
	newOffice := domain.LocalOffice{ID: uuid.New(), OfficeNumber: "0315", Name: "Grunerlokka East"}
	require.NoError(t, r.UpsertLocalOffice(ctx, oldOffice))
	require.NoError(t, r.UpsertLocalOffice(ctx, newOffice))
	gotOffice, err := r.GetLocalOfficeByNumber(ctx, "0315")
	require.NoError(t, err)
	require.Equal(t, newOffice, gotOffice)
	_, err = r.GetLocalOffice(ctx, oldOffice.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	oldWorker := domain.CaseWorker{ID: uuid.New(), Ident: "Z123456", Name: "Kari Case"}
	newWorker := domain.CaseWorker{ID: uuid.New(), Ident: "Z123456", Name: "Kari Case", Phone: "12345678"}
	require.NoError(t, r.UpsertCaseWorker(ctx, oldWorker))
	require.NoError(t, r.UpsertCaseWorker(ctx, newWorker))
	gotWorker, err := r.GetCaseWorkerByIdent(ctx, "Z123456")
	require.NoError(t, err)
	require.Equal(t, newWorker, gotWorker)
	_, err = r.GetCaseWorker(ctx, oldWorker.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	oldPerson := domain.Person{ID: uuid.New(), Ident: "12345678901", FirstName: "Ola", LastName: "Nordmann"}
	newPerson := domain.Person{ID: uuid.New(), Ident: "12345678901", FirstName: "Ola", LastName: "Hansen"}
	require.NoError(t, r.UpsertPerson(ctx, oldPerson))
	require.NoError(t, r.UpsertPerson(ctx, newPerson))
	gotPerson, err := r.GetPersonByIdent(ctx, "12345678901")
	require.NoError(t, err)
	require.Equal(t, newPerson, gotPerson)
	_, err = r.GetPerson(ctx, oldPerson.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	// A row whose key changes under the same id keeps its id.
	moved := newPerson
	moved.Ident = "10987654321"
	require.NoError(t, r.UpsertPerson(ctx, moved))
	gotPerson, err = r.GetPerson(ctx, newPerson.ID)
	require.NoError(t, err)
	require.Equal(t, "10987654321", gotPerson.Ident)
	_, err = r.GetPersonByIdent(ctx, "12345678901")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func seedParticipant(t *testing.T, r repo.Repo) domain.Participant {
	t.Helper()
	ctx := context.Background()
	list := domain.ParticipantList{
		ID:             uuid.New(),
		Name:           "Spring course",
		Program:        domain.Program{Code: "ARBFORB", Name: "Work preparation", TracksParticipationRate: true},
		StartType:      domain.StartCommon,
		OrganizationID: uuid.New(),
	}
	require.NoError(t, r.UpsertParticipantList(ctx, list))
	pct := 60.0
	info := "needs support"
	p := domain.Participant{
		ID:                   uuid.New(),
		List:                 list,
		Person:               domain.Person{Ident: "12345678901"},
		StartDate:            date(2024, 3, 1),
		EndDate:              date(2024, 6, 1),
		ParticipationPercent: &pct,
		BackgroundInfo:       &info,
		Content:              &domain.Content{Lead: "lead", Items: []domain.ContentItem{{Text: "CV", Code: "cv", Selected: true}}},
		Source:               domain.SourceSystemOfRecord,
		LastModified:         time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		Status: domain.Status{
			ID:        uuid.New(),
			Type:      domain.StatusWaitingToStart,
			ValidFrom: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
			Created:   time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.UpsertParticipantTx(ctx, tx, p); err != nil {
			return err
		}
		return r.SetStatusTx(ctx, tx, p.ID, p.Status)
	})
	return p
}

func TestParticipantRoundTripAndCurrentStatus(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := seedParticipant(t, r)

	got, err := r.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p, got)
	require.True(t, got.ParticipatesInCourse())

	desc := "moved"
	next := domain.Status{
		ID:        uuid.New(),
		Type:      domain.StatusHasEnded,
		Reason:    &domain.Reason{Type: domain.ReasonOther, Description: &desc},
		ValidFrom: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Created:   time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.SetStatusTx(ctx, tx, p.ID, next) })

	current, err := r.CurrentStatus(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, next, current)

	ids, err := r.ListParticipantIDs(ctx, p.List.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{p.ID}, ids)
	ids, err = r.ListParticipantIDsForPerson(ctx, "12345678901")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{p.ID}, ids)
}

func TestHistoryAndAssessmentsDeleteWithParticipant(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := seedParticipant(t, r)
	w := history.Writer{Now: func() time.Time { return time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC) }}

	app := &domain.SharedIntakeApplication{ID: uuid.New(), ParticipantID: p.ID, AppliedAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), AppliedBy: uuid.New(), AppliedByOffice: uuid.New()}
	inTx(t, r, func(tx *sql.Tx) error {
		added, err := w.Append(ctx, tx, p.ID, app)
		if err != nil {
			return err
		}
		require.True(t, added)
		added, err = w.Append(ctx, tx, p.ID, app)
		require.False(t, added)
		return err
	})
	require.NoError(t, r.InsertAssessment(ctx, domain.Assessment{ID: uuid.New(), ParticipantID: p.ID, CreatedBy: uuid.New(), ValidFrom: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC), Type: domain.AssessmentMeetsRequirements}))

	entries, err := r.ListHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, app, entries[0])

	loaded, err := history.Aggregator{Source: r}.Load(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, domain.KindProviderAssessment, loaded[0].Kind())

	inTx(t, r, func(tx *sql.Tx) error { return r.DeleteParticipantTx(ctx, tx, p.ID) })
	entries, err = r.ListHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, entries)
	assessments, err := r.ListAssessments(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, assessments)
	_, err = r.GetParticipant(ctx, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOutboxCursorAndPublishState(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	pid := uuid.New()
	inTx(t, r, func(tx *sql.Tx) error {
		for _, v := range []string{"v1", "v2"} {
			if _, err := r.InsertOutboxTx(ctx, tx, repo.OutboxRecord{ParticipantID: pid, Version: v, Encoding: "json", Compression: "none", Size: 2, Payload: []byte("{}"), Fingerprint: "fp", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
				return err
			}
		}
		return r.SetPublishedFingerprintTx(ctx, tx, pid, "fp", "2024-01-01T00:00:00Z")
	})

	all, err := r.OutboxAfter(ctx, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	onlyV2, err := r.OutboxAfter(ctx, 10, 0, []string{"v2"})
	require.NoError(t, err)
	require.Len(t, onlyV2, 1)
	require.Equal(t, "v2", onlyV2[0].Version)
	after, err := r.OutboxAfter(ctx, 10, all[0].ID, nil)
	require.NoError(t, err)
	require.Len(t, after, 1)

	latest, err := r.LatestOutboxID(ctx)
	require.NoError(t, err)
	require.Equal(t, all[1].ID, latest)

	fp, err := r.PublishedFingerprint(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, "fp", fp)

	_, err = r.SinkCursor(ctx, "audit")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, r.SetSinkCursor(ctx, "audit", latest))
	cur, err := r.SinkCursor(ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, latest, cur)
}
