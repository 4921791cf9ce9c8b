package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EntryKind string

const (
	KindDecision                EntryKind = "decision"
	KindEdit                    EntryKind = "edit"
	KindCoordinatorEdit         EntryKind = "coordinator-edit"
	KindSuggestion              EntryKind = "suggestion"
	KindProviderEdit            EntryKind = "provider-edit"
	KindLegacyImport            EntryKind = "legacy-import"
	KindSharedIntakeApplication EntryKind = "shared-intake-application"
	KindProviderAssessment      EntryKind = "provider-assessment"
)

// HistoryEntry is one immutable event in a participant's history. The set of
// implementations is closed; switches over it panic on an unknown variant.
type HistoryEntry interface {
	Kind() EntryKind
	EntryID() uuid.UUID
	OccurredAt() time.Time
	historyEntry()
}

// ParticipantSnapshot freezes the participant as it was when a decision was made.
type ParticipantSnapshot struct {
	StartDate            *time.Time `json:"start_date,omitempty"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	DaysPerWeek          *float64   `json:"days_per_week,omitempty"`
	ParticipationPercent *float64   `json:"participation_percent,omitempty"`
	BackgroundInfo       *string    `json:"background_info,omitempty"`
	Content              *Content   `json:"content,omitempty"`
	Status               StatusType `json:"status"`
}

type Decision struct {
	ID               uuid.UUID           `json:"id"`
	ParticipantID    uuid.UUID           `json:"participant_id"`
	FinalizedAt      *time.Time          `json:"finalized_at,omitempty"`
	ValidUntil       *time.Time          `json:"valid_until,omitempty"`
	AtDecision       ParticipantSnapshot `json:"at_decision"`
	FinalizedByNAV   bool                `json:"finalized_by_nav"`
	CreatedAt        time.Time           `json:"created_at"`
	CreatedBy        uuid.UUID           `json:"created_by"`
	CreatedByOffice  uuid.UUID           `json:"created_by_office"`
	ModifiedAt       time.Time           `json:"modified_at"`
	ModifiedBy       uuid.UUID           `json:"modified_by"`
	ModifiedByOffice uuid.UUID           `json:"modified_by_office"`
}

// Finalized reports whether the decision has taken effect.
func (d Decision) Finalized() bool { return d.FinalizedAt != nil }

type ChangeKind string

const (
	ChangeBackgroundInfo    ChangeKind = "background-info"
	ChangeContent           ChangeKind = "content"
	ChangeParticipationRate ChangeKind = "participation-rate"
	ChangeStartDate         ChangeKind = "start-date"
	ChangeEndDate           ChangeKind = "end-date"
	ChangeExtend            ChangeKind = "extend"
	ChangeNotRelevant       ChangeKind = "not-relevant"
	ChangeEndParticipation  ChangeKind = "end-participation"
	ChangeEndReason         ChangeKind = "end-reason"
	ChangeReactivate        ChangeKind = "reactivate"
	ChangeRemoveStartDate   ChangeKind = "remove-start-date"
)

// ChangeKinds lists every change kind.
var ChangeKinds = []ChangeKind{
	ChangeBackgroundInfo, ChangeContent, ChangeParticipationRate, ChangeStartDate,
	ChangeEndDate, ChangeExtend, ChangeNotRelevant, ChangeEndParticipation,
	ChangeEndReason, ChangeReactivate, ChangeRemoveStartDate,
}

// Change carries the fields touched by an edit. Which fields are set depends on Kind.
type Change struct {
	Kind                 ChangeKind `json:"kind"`
	StartDate            *time.Time `json:"start_date,omitempty"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	DaysPerWeek          *float64   `json:"days_per_week,omitempty"`
	ParticipationPercent *float64   `json:"participation_percent,omitempty"`
	EffectiveFrom        *time.Time `json:"effective_from,omitempty"`
	BackgroundInfo       *string    `json:"background_info,omitempty"`
	Content              *Content   `json:"content,omitempty"`
	Reason               *Reason    `json:"reason,omitempty"`
	Justification        *string    `json:"justification,omitempty"`
}

// Edit is a change made by a case-worker.
type Edit struct {
	ID             uuid.UUID  `json:"id"`
	ParticipantID  uuid.UUID  `json:"participant_id"`
	Change         Change     `json:"change"`
	EditedBy       uuid.UUID  `json:"edited_by"`
	EditedByOffice uuid.UUID  `json:"edited_by_office"`
	EditedAt       time.Time  `json:"edited_at"`
	SuggestionID   *uuid.UUID `json:"suggestion_id,omitempty"`
}

type CoordinatorEditKind string

const (
	CoordinatorShareWithProvider CoordinatorEditKind = "share-with-provider"
	CoordinatorAssignSeat        CoordinatorEditKind = "assign-seat"
	CoordinatorWaitlist          CoordinatorEditKind = "waitlist"
)

var CoordinatorEditKinds = []CoordinatorEditKind{CoordinatorShareWithProvider, CoordinatorAssignSeat, CoordinatorWaitlist}

// CoordinatorEdit is a change made by a program coordinator. Coordinators act
// without an office.
type CoordinatorEdit struct {
	ID            uuid.UUID           `json:"id"`
	ParticipantID uuid.UUID           `json:"participant_id"`
	EditKind      CoordinatorEditKind `json:"edit_kind"`
	EditedBy      uuid.UUID           `json:"edited_by"`
	EditedAt      time.Time           `json:"edited_at"`
}

type SuggestionStatus string

const (
	SuggestionPending   SuggestionStatus = "pending"
	SuggestionApproved  SuggestionStatus = "approved"
	SuggestionRejected  SuggestionStatus = "rejected"
	SuggestionWithdrawn SuggestionStatus = "withdrawn"
)

var SuggestionStatuses = []SuggestionStatus{SuggestionPending, SuggestionApproved, SuggestionRejected, SuggestionWithdrawn}

// Suggestion is a change proposed by the provider that a case-worker may accept.
type Suggestion struct {
	ID                 uuid.UUID        `json:"id"`
	ParticipantID      uuid.UUID        `json:"participant_id"`
	ProviderEmployeeID uuid.UUID        `json:"provider_employee_id"`
	Justification      *string          `json:"justification,omitempty"`
	Change             Change           `json:"change"`
	Status             SuggestionStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ProviderEdit is a change the provider may make without approval.
type ProviderEdit struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	EditedBy      uuid.UUID `json:"edited_by"`
	Change        Change    `json:"change"`
	EditedAt      time.Time `json:"edited_at"`
}

// ImportSnapshot is the participant as delivered by the legacy system.
type ImportSnapshot struct {
	StartDate            *time.Time `json:"start_date,omitempty"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	DaysPerWeek          *float64   `json:"days_per_week,omitempty"`
	ParticipationPercent *float64   `json:"participation_percent,omitempty"`
	Status               StatusType `json:"status"`
	StatusValidFrom      *time.Time `json:"status_valid_from,omitempty"`
}

type LegacyImport struct {
	ID              uuid.UUID      `json:"id"`
	ParticipantID   uuid.UUID      `json:"participant_id"`
	ImportedAt      time.Time      `json:"imported_at"`
	ApplicationDate *time.Time     `json:"application_date,omitempty"`
	AtImport        ImportSnapshot `json:"at_import"`
}

// SharedIntakeApplication is an application to a course with a shared intake.
type SharedIntakeApplication struct {
	ID              uuid.UUID  `json:"id"`
	ParticipantID   uuid.UUID  `json:"participant_id"`
	AppliedAt       time.Time  `json:"applied_at"`
	AppliedBy       uuid.UUID  `json:"applied_by"`
	AppliedByOffice uuid.UUID  `json:"applied_by_office"`
	DraftSharedAt   *time.Time `json:"draft_shared_at,omitempty"`
}

// ProviderAssessment surfaces an Assessment in the history.
type ProviderAssessment struct {
	Assessment
}

func (d *Decision) Kind() EntryKind                { return KindDecision }
func (e *Edit) Kind() EntryKind                    { return KindEdit }
func (e *CoordinatorEdit) Kind() EntryKind         { return KindCoordinatorEdit }
func (s *Suggestion) Kind() EntryKind              { return KindSuggestion }
func (e *ProviderEdit) Kind() EntryKind            { return KindProviderEdit }
func (i *LegacyImport) Kind() EntryKind            { return KindLegacyImport }
func (a *SharedIntakeApplication) Kind() EntryKind { return KindSharedIntakeApplication }
func (a *ProviderAssessment) Kind() EntryKind      { return KindProviderAssessment }

func (d *Decision) EntryID() uuid.UUID                { return d.ID }
func (e *Edit) EntryID() uuid.UUID                    { return e.ID }
func (e *CoordinatorEdit) EntryID() uuid.UUID         { return e.ID }
func (s *Suggestion) EntryID() uuid.UUID              { return s.ID }
func (e *ProviderEdit) EntryID() uuid.UUID            { return e.ID }
func (i *LegacyImport) EntryID() uuid.UUID            { return i.ID }
func (a *SharedIntakeApplication) EntryID() uuid.UUID { return a.ID }
func (a *ProviderAssessment) EntryID() uuid.UUID      { return a.ID }

func (d *Decision) OccurredAt() time.Time                { return d.ModifiedAt }
func (e *Edit) OccurredAt() time.Time                    { return e.EditedAt }
func (e *CoordinatorEdit) OccurredAt() time.Time         { return e.EditedAt }
func (s *Suggestion) OccurredAt() time.Time              { return s.CreatedAt }
func (e *ProviderEdit) OccurredAt() time.Time            { return e.EditedAt }
func (i *LegacyImport) OccurredAt() time.Time            { return i.ImportedAt }
func (a *SharedIntakeApplication) OccurredAt() time.Time { return a.AppliedAt }
func (a *ProviderAssessment) OccurredAt() time.Time      { return a.ValidFrom }

func (*Decision) historyEntry()                {}
func (*Edit) historyEntry()                    {}
func (*CoordinatorEdit) historyEntry()         {}
func (*Suggestion) historyEntry()              {}
func (*ProviderEdit) historyEntry()            {}
func (*LegacyImport) historyEntry()            {}
func (*SharedIntakeApplication) historyEntry() {}
func (*ProviderAssessment) historyEntry()      {}

// TaggedEntry is the wire form of a history entry: a kind tag next to the payload.
type TaggedEntry struct {
	Type EntryKind    `json:"type"`
	Data HistoryEntry `json:"data"`
}

// Tag wraps every entry with its kind.
func Tag(entries []HistoryEntry) []TaggedEntry {
	out := make([]TaggedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, TaggedEntry{Type: e.Kind(), Data: e})
	}
	return out
}

// NewEntry returns an empty value of the variant named by kind.
func NewEntry(kind EntryKind) (HistoryEntry, error) {
	switch kind {
	case KindDecision:
		return &Decision{}, nil
	case KindEdit:
		return &Edit{}, nil
	case KindCoordinatorEdit:
		return &CoordinatorEdit{}, nil
	case KindSuggestion:
		return &Suggestion{}, nil
	case KindProviderEdit:
		return &ProviderEdit{}, nil
	case KindLegacyImport:
		return &LegacyImport{}, nil
	case KindSharedIntakeApplication:
		return &SharedIntakeApplication{}, nil
	case KindProviderAssessment:
		return &ProviderAssessment{}, nil
	default:
		return nil, fmt.Errorf("unknown history entry kind %q", kind)
	}
}

// DecodeEntry decodes a payload of the given kind.
func DecodeEntry(kind EntryKind, data []byte) (HistoryEntry, error) {
	entry, err := NewEntry(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", kind, err)
	}
	return entry, nil
}

// UnmarshalJSON decodes the tagged wire form.
func (t *TaggedEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type EntryKind       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entry, err := DecodeEntry(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	t.Type = raw.Type
	t.Data = entry
	return nil
}
