package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"enrollment/internal/domain"
	"enrollment/internal/history"
	"enrollment/internal/rate"
	"enrollment/internal/statustext"
)

var tracer = otel.Tracer("enrollment/internal/snapshot")

// ErrInvalidForPublish matches every InvalidForPublishError.
var ErrInvalidForPublish = errors.New("invalid for publish")

// InvalidForPublishError reports history that cannot be represented downstream.
type InvalidForPublishError struct {
	ParticipantID uuid.UUID
	Reason        string
}

func (e *InvalidForPublishError) Error() string {
	return fmt.Sprintf("participant %s is invalid for publish: %s", e.ParticipantID, e.Reason)
}

func (e *InvalidForPublishError) Is(target error) bool { return target == ErrInvalidForPublish }

type HistoryLoader interface {
	Load(ctx context.Context, participantID uuid.UUID) ([]domain.HistoryEntry, error)
}

type CaseWorkerResolver interface {
	CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error)
}

type LocalOfficeResolver interface {
	LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error)
}

// Builder loads history, checks publish invariants, resolves references and
// composes both snapshot versions.
type Builder struct {
	History      HistoryLoader
	CaseWorkers  CaseWorkerResolver
	LocalOffices LocalOfficeResolver
	Logger       *slog.Logger
}

func (b Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build returns both snapshots or an error. Invariants are checked before
// any reference is resolved, so an invalid participant never reaches the
// authority.
func (b Builder) Build(ctx context.Context, p domain.Participant, forced *bool) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "snapshot.Build")
	defer span.End()
	span.SetAttributes(attribute.String("participant.id", p.ID.String()))

	entries, err := b.History.Load(ctx, p.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load history")
		return Snapshot{}, fmt.Errorf("load history: %w", err)
	}
	if err := Validate(p, entries); err != nil {
		span.SetStatus(codes.Error, "invalid for publish")
		b.logger().Warn("participant not publishable", "participant_id", p.ID, "error", err)
		return Snapshot{}, err
	}

	in := Inputs{Participant: p, History: entries, Forced: forced}
	if id := p.Person.CaseWorkerID; id != nil {
		cw, err := b.CaseWorkers.CaseWorker(ctx, *id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve case-worker")
			return Snapshot{}, fmt.Errorf("resolve case-worker: %w", err)
		}
		in.CaseWorker = &cw
	}
	if id := p.Person.LocalOfficeID; id != nil {
		office, err := b.LocalOffices.LocalOffice(ctx, *id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve local office")
			return Snapshot{}, fmt.Errorf("resolve local office: %w", err)
		}
		in.LocalOffice = &office
	}
	return Compose(in)
}

// Validate enforces the publish invariants.
func Validate(p domain.Participant, entries []domain.HistoryEntry) error {
	if history.ApplicationDate(entries) == nil {
		return &InvalidForPublishError{ParticipantID: p.ID, Reason: "no application date"}
	}
	if p.Source == domain.SourceSystemOfRecord && !history.HasDecisionOrApplication(entries) {
		return &InvalidForPublishError{ParticipantID: p.ID, Reason: "no decision or shared intake application"}
	}
	return nil
}

// Inputs is everything Compose reads. History is most recent first.
type Inputs struct {
	Participant domain.Participant
	History     []domain.HistoryEntry
	CaseWorker  *domain.CaseWorker
	LocalOffice *domain.LocalOffice
	Forced      *bool
}

// Compose derives both versions from in. It does no I/O and never reads the
// clock, so identical inputs give identical snapshots.
func Compose(in Inputs) (Snapshot, error) {
	p := in.Participant
	if err := Validate(p, in.History); err != nil {
		return Snapshot{}, err
	}
	applied := *history.ApplicationDate(in.History)
	return Snapshot{
		V1: composeV1(p, in.History, applied),
		V2: composeV2(in, applied),
	}, nil
}

func composeV1(p domain.Participant, entries []domain.HistoryEntry, applied time.Time) V1 {
	v := V1{
		ID:                   p.ID,
		ListID:               p.List.ID,
		PersonIdent:          p.Person.Ident,
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		RegisteredAt:         applied,
		DaysPerWeek:          p.DaysPerWeek,
		ParticipationPercent: p.ParticipationPercent,
		LastModified:         p.LastModified,
		Source:               p.Source,
		Status: V1Status{
			Type:    p.Status.Type,
			Text:    statustext.DisplayText(p.Status.Type),
			Created: p.Status.Created,
		},
	}
	if r := p.Status.Reason; r != nil {
		reason := r.Type
		text := statustext.ReasonDisplayText(p.Status.Type, r.Type, r.Description)
		v.Status.Reason = &reason
		v.Status.ReasonText = &text
	}
	if c := p.Content; c != nil {
		content := &V1Content{Lead: c.Lead, Items: []V1ContentItem{}}
		for _, item := range c.Items {
			if item.Selected {
				content.Items = append(content.Items, V1ContentItem{Text: item.Text, Code: item.Code})
			}
		}
		v.Content = content
	}
	records := rate.Build(p, entries)
	v.Rates = make([]V1Rate, 0, len(records))
	for _, r := range records {
		v.Rates = append(v.Rates, V1Rate{Percent: r.Percent, DaysPerWeek: r.DaysPerWeek, EffectiveFrom: r.EffectiveFrom, Created: r.Created})
	}
	return v
}

func composeV2(in Inputs, applied time.Time) V2 {
	p := in.Participant
	person := p.Person
	v := V2{
		ID:     p.ID,
		ListID: p.List.ID,
		Person: V2Person{
			PersonID:          person.ID,
			Ident:             person.Ident,
			Name:              V2Name{First: person.FirstName, Middle: person.MiddleName, Last: person.LastName},
			Contact:           V2Contact{Phone: person.Phone, Email: person.Email},
			Shielded:          person.Shielded,
			AddressProtection: person.AddressProtection,
		},
		Status: V2Status{
			ID:        p.Status.ID,
			Type:      p.Status.Type,
			ValidFrom: p.Status.ValidFrom,
			Created:   p.Status.Created,
		},
		DaysPerWeek:            p.DaysPerWeek,
		ParticipationPercent:   p.ParticipationPercent,
		StartDate:              p.StartDate,
		EndDate:                p.EndDate,
		AppliedOn:              applied,
		FirstDecisionFinalized: history.FirstDecisionFinalizedDate(in.History),
		BackgroundInfo:         p.BackgroundInfo,
		CaseWorkerID:           person.CaseWorkerID,
		LocalOfficeID:          person.LocalOfficeID,
		ParticipatesInCourse:   p.ParticipatesInCourse(),
		Source:                 p.Source,
		Content:                p.Content,
		History:                domain.Tag(in.History),
		Assessments:            []domain.Assessment{},
		LastModified:           p.LastModified,
		ForcedUpdate:           in.Forced,
		SharedManually:         p.SharedManually,
	}
	if r := p.Status.Reason; r != nil {
		reason := r.Type
		v.Status.Reason = &reason
		v.Status.ReasonDescription = r.Description
	}
	if in.LocalOffice != nil {
		name := in.LocalOffice.Name
		v.LocalOffice = &name
	}
	if cw := in.CaseWorker; cw != nil {
		v.CaseWorker = &V2CaseWorker{ID: cw.ID, Ident: cw.Ident, Name: cw.Name, Phone: cw.Phone, Email: cw.Email}
	}
	for _, e := range in.History {
		if a, ok := e.(*domain.ProviderAssessment); ok {
			v.Assessments = append(v.Assessments, a.Assessment)
		}
	}
	if last := history.MostRecentSubstantive(in.History); last != nil {
		by := history.ModifiedBy(last)
		v.LastModifiedBy = &by
		v.LastModifiedByOffice = history.ModifiedByOffice(last)
	}
	return v
}
