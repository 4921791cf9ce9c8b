package authority_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"enrollment/internal/authority"
	"enrollment/internal/domain"
)

const secret = "test-secret"

func TestCaseWorkerSendsSignedToken(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/case-workers/"+id.String(), r.URL.Path)
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience("registry"))
		require.NoError(t, err)
		require.Equal(t, "enrollment", claims.Issuer)
		_ = json.NewEncoder(w).Encode(domain.CaseWorker{ID: id, Ident: "Z1", Name: "Kari"})
	}))
	defer srv.Close()

	c := authority.New(srv.URL, secret)
	c.Audience = "registry"
	got, err := c.CaseWorker(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "Kari", got.Name)
}

func TestPersonLookupPostsIdent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/persons/lookup", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(domain.Person{ID: uuid.New(), Ident: body["ident"], FirstName: "Ola"})
	}))
	defer srv.Close()

	got, err := authority.New(srv.URL, secret).Person(context.Background(), "12345678901")
	require.NoError(t, err)
	require.Equal(t, "12345678901", got.Ident)
}

func TestStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/local-offices/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()
	c := authority.New(srv.URL, secret)

	_, err := c.LocalOffice(context.Background(), uuid.New())
	require.ErrorIs(t, err, authority.ErrNotFound)

	_, err = c.Organization(context.Background(), uuid.New())
	var apiErr *authority.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, "boom", apiErr.Body)
}

func TestEvaluateReadAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/access/read", r.URL.Path)
		_, _ = w.Write([]byte(`{"permit":true}`))
	}))
	defer srv.Close()

	ok, err := authority.New(srv.URL, secret).EvaluateReadAccess(context.Background(), uuid.New(), "12345678901")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClientIsSafeForConcurrentUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"permit":true}`))
	}))
	defer srv.Close()

	c := authority.New(srv.URL, secret)
	hc := c.HTTPClient
	require.NotNil(t, hc)
	require.Equal(t, authority.DefaultTimeout, hc.Timeout)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := c.EvaluateReadAccess(context.Background(), uuid.New(), "12345678901")
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Same(t, hc, c.HTTPClient)
}

func TestClientWithoutHTTPClientFallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"permit":false}`))
	}))
	defer srv.Close()

	c := &authority.Client{BaseURL: srv.URL}
	ok, err := c.EvaluateReadAccess(context.Background(), uuid.New(), "12345678901")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, c.HTTPClient)
}
