package enrollmentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Enrollment HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Status is the current status of a participant.
type Status struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Reason    json.RawMessage `json:"reason,omitempty"`
	ValidFrom string          `json:"valid_from"`
	Created   string          `json:"created"`
}

// Participant represents the API participant model (partial).
type Participant struct {
	ID                   string   `json:"id"`
	Source               string   `json:"source"`
	StartDate            *string  `json:"start_date,omitempty"`
	EndDate              *string  `json:"end_date,omitempty"`
	DaysPerWeek          *float64 `json:"days_per_week,omitempty"`
	ParticipationPercent *float64 `json:"participation_percent,omitempty"`
	Status               Status   `json:"status"`
	List                 Ref      `json:"list"`
	Person               Ref      `json:"person"`
}

// Ref is the identifying part of a nested list or person.
type Ref struct {
	ID    string `json:"id"`
	Ident string `json:"ident,omitempty"`
}

// EnrollRequest creates a participant.
type EnrollRequest struct {
	ID                   *string  `json:"id,omitempty"`
	ListID               string   `json:"list_id"`
	PersonIdent          string   `json:"person_ident"`
	Source               string   `json:"source,omitempty"`
	Status               string   `json:"status,omitempty"`
	StartDate            *string  `json:"start_date,omitempty"`
	EndDate              *string  `json:"end_date,omitempty"`
	DaysPerWeek          *float64 `json:"days_per_week,omitempty"`
	ParticipationPercent *float64 `json:"participation_percent,omitempty"`
	BackgroundInfo       *string  `json:"background_info,omitempty"`
}

// Entry is a tagged history entry. Data depends on Type.
type Entry struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Period is one participation-rate span.
type Period struct {
	Percent       float64  `json:"percent"`
	DaysPerWeek   *float64 `json:"days_per_week,omitempty"`
	EffectiveFrom string   `json:"effective_from"`
	Until         *string  `json:"until,omitempty"`
}

// Snapshot carries one outbound version; the other is nil.
type Snapshot struct {
	Version string          `json:"version"`
	V1      json.RawMessage `json:"v1,omitempty"`
	V2      json.RawMessage `json:"v2,omitempty"`
}

// PublishResult reports whether a snapshot reached the outbox.
type PublishResult struct {
	Fingerprint string  `json:"fingerprint"`
	Skipped     bool    `json:"skipped"`
	OutboxIDs   []int64 `json:"outbox_ids"`
}

// FeedMessage is one keyed change-feed message. A nil Value deletes the key.
type FeedMessage struct {
	Key    string `json:"key"`
	Value  any    `json:"value,omitempty"`
	Offset int64  `json:"offset,omitempty"`
}

// OutboxRecord is a published snapshot with its payload decompressed.
type OutboxRecord struct {
	ID            int64  `json:"id"`
	ParticipantID string `json:"participant_id"`
	Version       string `json:"version"`
	Encoding      string `json:"encoding"`
	Fingerprint   string `json:"fingerprint"`
	Forced        bool   `json:"forced"`
	CreatedAt     string `json:"created_at"`
	Payload       []byte `json:"payload"`
}

// PaginatedOutbox wraps outbox listings with cursors.
type PaginatedOutbox struct {
	Items      []OutboxRecord `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enroll creates a participant.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodPost, "v1/participants", req, &resp)
	return resp, err
}

// Participant fetches a participant by id.
func (c *Client) Participant(ctx context.Context, id string) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodGet, participantPath(id, ""), nil, &resp)
	return resp, err
}

// DeleteParticipant removes a participant with its history and outbox records.
func (c *Client) DeleteParticipant(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, participantPath(id, ""), nil, nil)
}

// Record appends a history entry and returns the updated participant.
func (c *Client) Record(ctx context.Context, id, entryType string, data any) (Participant, error) {
	body := map[string]any{
		"type": entryType,
		"data": data,
	}
	var resp Participant
	err := c.do(ctx, http.MethodPost, participantPath(id, "history"), body, &resp)
	return resp, err
}

// History returns the participant history, most recent first.
func (c *Client) History(ctx context.Context, id string) ([]Entry, error) {
	var resp struct {
		Items []Entry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, participantPath(id, "history"), nil, &resp)
	return resp.Items, err
}

// Timeline returns the participation-rate periods.
func (c *Client) Timeline(ctx context.Context, id string) ([]Period, error) {
	var resp struct {
		Items []Period `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, participantPath(id, "timeline"), nil, &resp)
	return resp.Items, err
}

// Snapshot builds the v1 or v2 snapshot of a participant.
func (c *Client) Snapshot(ctx context.Context, id, version string) (Snapshot, error) {
	endpoint := participantPath(id, "snapshot")
	if version != "" {
		endpoint = fmt.Sprintf("%s?version=%s", endpoint, url.QueryEscape(version))
	}
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Publish writes the participant snapshot to the outbox.
func (c *Client) Publish(ctx context.Context, id string, forced bool) (PublishResult, error) {
	endpoint := participantPath(id, "publish")
	if forced {
		endpoint += "?forced=true"
	}
	var resp PublishResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Feed applies change-feed messages to a topic and returns how many were applied.
func (c *Client) Feed(ctx context.Context, topic string, messages []FeedMessage) (int, error) {
	body := map[string]any{"messages": messages}
	var resp struct {
		Applied int `json:"applied"`
	}
	err := c.do(ctx, http.MethodPost, "v1/feeds/"+url.PathEscape(topic), body, &resp)
	return resp.Applied, err
}

// OutboxPage returns outbox records after cursor.
func (c *Client) OutboxPage(ctx context.Context, limit int, cursor, version string) (PaginatedOutbox, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if version != "" {
		q.Set("version", version)
	}
	endpoint := "v1/outbox"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedOutbox
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func participantPath(id, sub string) string {
	p := "v1/participants/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
