package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"enrollment/internal/changefeed"
	"enrollment/internal/config"
	"enrollment/internal/db"
	"enrollment/internal/engine"
	"enrollment/internal/engine/auth"
	"enrollment/internal/migrate"
	enrollmentsdk "enrollment/sdk/go"
)

const (
	testSecret  = "test-secret"
	serviceName = "enrollment-admin"
)

type accessMock struct{ mock.Mock }

func (m *accessMock) VerifyReadAccess(ctx context.Context, caseWorkerIdent, personIdent string) error {
	return m.Called(caseWorkerIdent, personIdent).Error(0)
}

type testServer struct {
	URL    string
	Engine engine.Engine
}

func newTestServer(t *testing.T, access ReadAccess) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "enrollment.db")})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	e := engine.New(conn, config.Default(), nil, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, ServiceSubjects: []string{serviceName}},
		Access:   access,
		Feed:     &changefeed.Consumer{Handlers: changefeed.Handlers(e.Repo), Workers: 1},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = ln.Close()
		_ = conn.Close()
	})
	return testServer{URL: "http://" + ln.Addr().String(), Engine: e}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var apiErr *enrollmentsdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.StatusCode
}

// seedList creates a participant list through the change feed.
func seedList(t *testing.T, c *enrollmentsdk.Client) string {
	t.Helper()
	id := uuid.NewString()
	applied, err := c.Feed(context.Background(), changefeed.TopicParticipantLists, []enrollmentsdk.FeedMessage{{
		Key: id,
		Value: map[string]any{
			"name":            "Work training spring",
			"program":         map[string]any{"code": "WT", "name": "Work training", "tracks_participation_rate": true},
			"start_type":      "individual",
			"organization_id": uuid.NewString(),
		},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	return id
}

func TestHealthIsPublicAndAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t, nil)
	res, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	anon := enrollmentsdk.New(srv.URL, "")
	_, err = anon.OutboxPage(context.Background(), 10, "", "")
	require.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	bogus := enrollmentsdk.New(srv.URL, "not-a-jwt")
	_, err = bogus.OutboxPage(context.Background(), 10, "", "")
	require.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestParticipantLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	c := enrollmentsdk.New(srv.URL, token(t, serviceName))
	listID := seedList(t, c)

	p, err := c.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: listID, PersonIdent: "12345678901"})
	require.NoError(t, err)
	require.Equal(t, "DRAFT", p.Status.Type)
	require.Equal(t, listID, p.List.ID)

	_, err = c.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: listID})
	require.Equal(t, http.StatusBadRequest, statusOf(t, err))
	_, err = c.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: uuid.NewString(), PersonIdent: "12345678901"})
	require.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = c.Publish(ctx, p.ID, false)
	require.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))

	application := map[string]any{
		"id":                uuid.NewString(),
		"participant_id":    p.ID,
		"applied_at":        "2024-01-10T00:00:00Z",
		"applied_by":        uuid.NewString(),
		"applied_by_office": uuid.NewString(),
	}
	p, err = c.Record(ctx, p.ID, "shared-intake-application", application)
	require.NoError(t, err)
	require.Equal(t, "APPLIED", p.Status.Type)

	_, err = c.Record(ctx, p.ID, "no-such-entry", map[string]any{})
	require.Equal(t, http.StatusBadRequest, statusOf(t, err))

	history, err := c.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "shared-intake-application", history[0].Type)

	snap, err := c.Snapshot(ctx, p.ID, "v1")
	require.NoError(t, err)
	require.Equal(t, "v1", snap.Version)
	require.NotEmpty(t, snap.V1)
	require.Empty(t, snap.V2)

	first, err := c.Publish(ctx, p.ID, false)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	require.Len(t, first.OutboxIDs, 2)

	second, err := c.Publish(ctx, p.ID, false)
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.Empty(t, second.OutboxIDs)

	page, err := c.OutboxPage(ctx, 1, "", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	rest, err := c.OutboxPage(ctx, 10, page.NextCursor, "")
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	require.Empty(t, rest.NextCursor)

	v2, err := c.OutboxPage(ctx, 10, "", "v2")
	require.NoError(t, err)
	require.Len(t, v2.Items, 1)
	require.Equal(t, "v2", v2.Items[0].Version)
	require.Contains(t, string(v2.Items[0].Payload), p.ID)

	require.NoError(t, c.DeleteParticipant(ctx, p.ID))
	_, err = c.Participant(ctx, p.ID)
	require.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestSnapshotAndPublishRoutesBindParticipant(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	c := enrollmentsdk.New(srv.URL, token(t, serviceName))
	listID := seedList(t, c)
	p, err := c.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: listID, PersonIdent: "12345678901"})
	require.NoError(t, err)
	_, err = c.Record(ctx, p.ID, "shared-intake-application", map[string]any{
		"id":                uuid.NewString(),
		"participant_id":    p.ID,
		"applied_at":        "2024-01-10T00:00:00Z",
		"applied_by":        uuid.NewString(),
		"applied_by_office": uuid.NewString(),
	})
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx, p.ID, "")
	require.NoError(t, err)
	require.Equal(t, "v2", snap.Version)
	require.Empty(t, snap.V1)
	require.Contains(t, string(snap.V2), p.ID)

	first, err := c.Publish(ctx, p.ID, false)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	require.NotEmpty(t, first.Fingerprint)
	require.Len(t, first.OutboxIDs, 2)

	forced, err := c.Publish(ctx, p.ID, true)
	require.NoError(t, err)
	require.False(t, forced.Skipped)
	require.Equal(t, first.Fingerprint, forced.Fingerprint)
	require.Len(t, forced.OutboxIDs, 2)

	_, err = c.Snapshot(ctx, uuid.NewString(), "v2")
	require.Equal(t, http.StatusNotFound, statusOf(t, err))
	_, err = c.Publish(ctx, uuid.NewString(), false)
	require.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestTimelineFollowsEdits(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	c := enrollmentsdk.New(srv.URL, token(t, serviceName))
	listID := seedList(t, c)
	start := "2024-03-01"
	percent := 50.0
	p, err := c.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: listID, PersonIdent: "12345678901", StartDate: &start, ParticipationPercent: &percent})
	require.NoError(t, err)

	_, err = c.Record(ctx, p.ID, "edit", map[string]any{
		"id":             uuid.NewString(),
		"participant_id": p.ID,
		"change": map[string]any{
			"kind":                  "participation-rate",
			"participation_percent": 80,
			"effective_from":        "2024-04-01T00:00:00Z",
		},
		"edited_by":        uuid.NewString(),
		"edited_by_office": uuid.NewString(),
		"edited_at":        "2024-03-20T10:00:00Z",
	})
	require.NoError(t, err)

	periods, err := c.Timeline(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, periods)
	require.Equal(t, 80.0, periods[len(periods)-1].Percent)
}

func TestCaseWorkerReadsGoThroughAccessCheck(t *testing.T) {
	access := &accessMock{}
	srv := newTestServer(t, access)
	ctx := context.Background()
	svc := enrollmentsdk.New(srv.URL, token(t, serviceName))
	listID := seedList(t, svc)
	p, err := svc.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: listID, PersonIdent: "12345678901"})
	require.NoError(t, err)

	access.On("VerifyReadAccess", "Z123456", "12345678901").Return(nil)
	access.On("VerifyReadAccess", "Z999999", "12345678901").Return(auth.ForbiddenError{Permission: auth.PermissionReadPerson, Subject: "Z999999"})

	allowed := enrollmentsdk.New(srv.URL, token(t, "Z123456"))
	got, err := allowed.Participant(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	denied := enrollmentsdk.New(srv.URL, token(t, "Z999999"))
	_, err = denied.Participant(ctx, p.ID)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))

	_, err = allowed.Publish(ctx, p.ID, false)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))
	access.AssertExpectations(t)
}

func TestCaseWorkerDeniedWithoutAccessCheck(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	svc := enrollmentsdk.New(srv.URL, token(t, serviceName))
	p, err := svc.Enroll(ctx, enrollmentsdk.EnrollRequest{ListID: seedList(t, svc), PersonIdent: "12345678901"})
	require.NoError(t, err)

	_, err = enrollmentsdk.New(srv.URL, token(t, "Z123456")).History(ctx, p.ID)
	require.Equal(t, http.StatusForbidden, statusOf(t, err))
}

func TestFeedErrors(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	c := enrollmentsdk.New(srv.URL, token(t, serviceName))

	_, err := c.Feed(ctx, "unknown-topic", []enrollmentsdk.FeedMessage{{Key: uuid.NewString()}})
	require.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = c.Feed(ctx, changefeed.TopicOrganizations, []enrollmentsdk.FeedMessage{{Key: "not-a-uuid", Value: map[string]any{"name": "x"}}})
	require.Equal(t, http.StatusBadRequest, statusOf(t, err))

	orgID := uuid.NewString()
	applied, err := c.Feed(ctx, changefeed.TopicOrganizations, []enrollmentsdk.FeedMessage{
		{Key: orgID, Value: map[string]any{"org_number": "974567890", "name": "Provider AS"}, Offset: 1},
		{Key: orgID, Offset: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	_, err = srv.Engine.Repo.GetOrganization(ctx, uuid.MustParse(orgID))
	require.Error(t, err)
}
