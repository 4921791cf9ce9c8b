// Package snapshot builds the versioned outbound representations of a participant.
package snapshot

import (
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// Snapshot holds both outbound versions built from the same inputs.
type Snapshot struct {
	V1 V1 `json:"v1"`
	V2 V2 `json:"v2"`
}

// V1 is the flattened display projection.
type V1 struct {
	ID                   uuid.UUID     `json:"id"`
	ListID               uuid.UUID     `json:"list_id"`
	PersonIdent          string        `json:"person_ident"`
	StartDate            *time.Time    `json:"start_date"`
	EndDate              *time.Time    `json:"end_date"`
	Status               V1Status      `json:"status"`
	RegisteredAt         time.Time     `json:"registered_at"`
	DaysPerWeek          *float64      `json:"days_per_week"`
	ParticipationPercent *float64      `json:"participation_percent"`
	LastModified         time.Time     `json:"last_modified"`
	Source               domain.Source `json:"source"`
	Content              *V1Content    `json:"content"`
	Rates                []V1Rate      `json:"rates"`
}

type V1Status struct {
	Type       domain.StatusType  `json:"type"`
	Text       string             `json:"text"`
	Reason     *domain.ReasonType `json:"reason"`
	ReasonText *string            `json:"reason_text"`
	Created    time.Time          `json:"created"`
}

// V1Content carries only the selected content items.
type V1Content struct {
	Lead  string          `json:"lead"`
	Items []V1ContentItem `json:"items"`
}

type V1ContentItem struct {
	Text string `json:"text"`
	Code string `json:"code"`
}

type V1Rate struct {
	Percent       float64   `json:"percent"`
	DaysPerWeek   *float64  `json:"days_per_week"`
	EffectiveFrom time.Time `json:"effective_from"`
	Created       time.Time `json:"created"`
}

// V2 is the provenance projection.
type V2 struct {
	ID                     uuid.UUID            `json:"id"`
	ListID                 uuid.UUID            `json:"list_id"`
	Person                 V2Person             `json:"person"`
	Status                 V2Status             `json:"status"`
	DaysPerWeek            *float64             `json:"days_per_week"`
	ParticipationPercent   *float64             `json:"participation_percent"`
	StartDate              *time.Time           `json:"start_date"`
	EndDate                *time.Time           `json:"end_date"`
	AppliedOn              time.Time            `json:"applied_on"`
	FirstDecisionFinalized *time.Time           `json:"first_decision_finalized"`
	BackgroundInfo         *string              `json:"background_info"`
	LocalOffice            *string              `json:"local_office"`
	CaseWorker             *V2CaseWorker        `json:"case_worker"`
	CaseWorkerID           *uuid.UUID           `json:"case_worker_id"`
	LocalOfficeID          *uuid.UUID           `json:"local_office_id"`
	ParticipatesInCourse   bool                 `json:"participates_in_course"`
	Source                 domain.Source        `json:"source"`
	Content                *domain.Content      `json:"content"`
	History                []domain.TaggedEntry `json:"history"`
	Assessments            []domain.Assessment  `json:"assessments"`
	LastModified           time.Time            `json:"last_modified"`
	LastModifiedBy         *uuid.UUID           `json:"last_modified_by"`
	LastModifiedByOffice   *uuid.UUID           `json:"last_modified_by_office"`
	ForcedUpdate           *bool                `json:"forced_update"`
	SharedManually         bool                 `json:"shared_manually"`
}

type V2Person struct {
	PersonID          uuid.UUID `json:"person_id"`
	Ident             string    `json:"ident"`
	Name              V2Name    `json:"name"`
	Contact           V2Contact `json:"contact"`
	Shielded          bool      `json:"shielded"`
	AddressProtection string    `json:"address_protection,omitempty"`
}

type V2Name struct {
	First  string `json:"first"`
	Middle string `json:"middle,omitempty"`
	Last   string `json:"last"`
}

type V2Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type V2Status struct {
	ID                uuid.UUID          `json:"id"`
	Type              domain.StatusType  `json:"type"`
	Reason            *domain.ReasonType `json:"reason"`
	ReasonDescription *string            `json:"reason_description"`
	ValidFrom         time.Time          `json:"valid_from"`
	Created           time.Time          `json:"created"`
}

type V2CaseWorker struct {
	ID    uuid.UUID `json:"id"`
	Ident string    `json:"ident"`
	Name  string    `json:"name"`
	Phone string    `json:"phone,omitempty"`
	Email string    `json:"email,omitempty"`
}
