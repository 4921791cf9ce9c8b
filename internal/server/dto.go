package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
	"enrollment/internal/engine"
	"enrollment/internal/publish"
	"enrollment/internal/rate"
	"enrollment/internal/repo"
	"enrollment/internal/snapshot"
)

// Request payloads

type EnrollRequest struct {
	ID                   *string  `json:"id,omitempty" format:"uuid"`
	ListID               string   `json:"list_id" format:"uuid"`
	PersonIdent          string   `json:"person_ident" minLength:"1"`
	Source               string   `json:"source,omitempty" enum:"system-of-record,legacy-import"`
	Status               string   `json:"status,omitempty"`
	StartDate            *string  `json:"start_date,omitempty" format:"date"`
	EndDate              *string  `json:"end_date,omitempty" format:"date"`
	DaysPerWeek          *float64 `json:"days_per_week,omitempty" minimum:"0" maximum:"7"`
	ParticipationPercent *float64 `json:"participation_percent,omitempty" minimum:"0" maximum:"100"`
	BackgroundInfo       *string  `json:"background_info,omitempty"`
}

func (r EnrollRequest) options() (engine.EnrollOptions, error) {
	opts := engine.EnrollOptions{
		PersonIdent:          r.PersonIdent,
		Source:               domain.Source(r.Source),
		Status:               domain.StatusType(r.Status),
		DaysPerWeek:          r.DaysPerWeek,
		ParticipationPercent: r.ParticipationPercent,
		BackgroundInfo:       r.BackgroundInfo,
	}
	var err error
	if opts.ListID, err = uuid.Parse(r.ListID); err != nil {
		return opts, fmt.Errorf("invalid list_id: %w", err)
	}
	if r.ID != nil {
		if opts.ID, err = uuid.Parse(*r.ID); err != nil {
			return opts, fmt.Errorf("invalid id: %w", err)
		}
	}
	if opts.StartDate, err = parseDate(r.StartDate); err != nil {
		return opts, fmt.Errorf("invalid start_date: %w", err)
	}
	if opts.EndDate, err = parseDate(r.EndDate); err != nil {
		return opts, fmt.Errorf("invalid end_date: %w", err)
	}
	return opts, nil
}

type FeedMessage struct {
	Key    string `json:"key"`
	Value  any    `json:"value,omitempty"`
	Offset int64  `json:"offset,omitempty"`
}

// Response payloads

type SnapshotResponse struct {
	Version string       `json:"version" enum:"v1,v2"`
	V1      *snapshot.V1 `json:"v1,omitempty"`
	V2      *snapshot.V2 `json:"v2,omitempty"`
}

type HistoryResponse struct {
	Items []domain.TaggedEntry `json:"items"`
}

type TimelineResponse struct {
	Items []rate.Period `json:"items"`
}

type PublishResponse struct {
	Fingerprint string  `json:"fingerprint"`
	Skipped     bool    `json:"skipped"`
	OutboxIDs   []int64 `json:"outbox_ids"`
}

func publishResponse(r publish.Result) PublishResponse {
	ids := r.OutboxIDs
	if ids == nil {
		ids = []int64{}
	}
	return PublishResponse{Fingerprint: r.Fingerprint, Skipped: r.Skipped, OutboxIDs: ids}
}

type FeedResponse struct {
	Topic   string `json:"topic"`
	Applied int    `json:"applied"`
}

type OutboxRecordResponse struct {
	ID            int64  `json:"id"`
	ParticipantID string `json:"participant_id"`
	Version       string `json:"version"`
	Encoding      string `json:"encoding"`
	Fingerprint   string `json:"fingerprint"`
	Forced        bool   `json:"forced"`
	CreatedAt     string `json:"created_at"`
	Payload       []byte `json:"payload"`
}

func outboxRecordResponse(rec repo.OutboxRecord) (OutboxRecordResponse, error) {
	payload, err := publish.Open(rec)
	if err != nil {
		return OutboxRecordResponse{}, err
	}
	return OutboxRecordResponse{
		ID:            rec.ID,
		ParticipantID: rec.ParticipantID.String(),
		Version:       rec.Version,
		Encoding:      rec.Encoding,
		Fingerprint:   rec.Fingerprint,
		Forced:        rec.Forced,
		CreatedAt:     rec.CreatedAt,
		Payload:       payload,
	}, nil
}

type paginatedOutbox struct {
	Items      []OutboxRecordResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
