// Package authority is the HTTP client for the upstream registry that owns
// persons, case-workers, local offices and organizations.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// ErrNotFound is returned when the authority has no such entity.
var ErrNotFound = errors.New("authority: not found")

// Error wraps non-2xx responses other than 404.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authority: %s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client calls the authority with a short-lived service token on each request.
type Client struct {
	BaseURL    string
	Issuer     string
	Audience   string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultTimeout bounds each authority request made by a client from New.
const DefaultTimeout = 10 * time.Second

// New creates a client with sane defaults.
func New(baseURL, secret string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Secret:     secret,
		Issuer:     "enrollment",
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *Client) CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error) {
	var resp domain.CaseWorker
	err := c.do(ctx, http.MethodGet, "case-workers/"+url.PathEscape(id.String()), nil, &resp)
	return resp, err
}

// CaseWorkerByIdent looks a case-worker up by their staff ident.
func (c *Client) CaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error) {
	var resp domain.CaseWorker
	err := c.do(ctx, http.MethodPost, "case-workers/lookup", map[string]string{"ident": ident}, &resp)
	return resp, err
}

func (c *Client) LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error) {
	var resp domain.LocalOffice
	err := c.do(ctx, http.MethodGet, "local-offices/"+url.PathEscape(id.String()), nil, &resp)
	return resp, err
}

func (c *Client) LocalOfficeByNumber(ctx context.Context, number string) (domain.LocalOffice, error) {
	var resp domain.LocalOffice
	err := c.do(ctx, http.MethodPost, "local-offices/lookup", map[string]string{"office_number": number}, &resp)
	return resp, err
}

func (c *Client) Organization(ctx context.Context, id uuid.UUID) (domain.Organization, error) {
	var resp domain.Organization
	err := c.do(ctx, http.MethodGet, "organizations/"+url.PathEscape(id.String()), nil, &resp)
	return resp, err
}

// Person looks a person up by national ident. The ident goes in the body so it
// never shows up in access logs.
func (c *Client) Person(ctx context.Context, ident string) (domain.Person, error) {
	var resp domain.Person
	err := c.do(ctx, http.MethodPost, "persons/lookup", map[string]string{"ident": ident}, &resp)
	return resp, err
}

// EvaluateReadAccess asks the policy service whether a case-worker may read a
// person's data.
func (c *Client) EvaluateReadAccess(ctx context.Context, caseWorkerID uuid.UUID, ident string) (bool, error) {
	var resp struct {
		Permit bool `json:"permit"`
	}
	body := map[string]string{"case_worker_id": caseWorkerID.String(), "ident": ident}
	if err := c.do(ctx, http.MethodPost, "access/read", body, &resp); err != nil {
		return false, err
	}
	return resp.Permit, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) token() (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	issued := now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.Issuer,
		Subject:   c.Issuer,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(time.Minute)),
	}
	if c.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.Secret))
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		tok, err := c.token()
		if err != nil {
			return fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger().Error("authority request failed", "method", method, "path", endpoint, "status", resp.StatusCode)
		return &Error{Method: method, Path: endpoint, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
