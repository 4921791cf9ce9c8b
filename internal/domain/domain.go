package domain

import (
	"time"

	"github.com/google/uuid"
)

// Source tells where a participant record originates.
type Source string

const (
	SourceSystemOfRecord Source = "system-of-record"
	SourceLegacyImport   Source = "legacy-import"
)

// StartType separates individually started lists from courses with a common start.
type StartType string

const (
	StartIndividual StartType = "individual"
	StartCommon     StartType = "common"
)

type Program struct {
	Code                    string `json:"code"`
	Name                    string `json:"name"`
	TracksParticipationRate bool   `json:"tracks_participation_rate"`
}

// ParticipantList is a program instance that participants enroll in.
type ParticipantList struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Program        Program   `json:"program"`
	StartType      StartType `json:"start_type"`
	Status         string    `json:"status,omitempty"`
	OrganizationID uuid.UUID `json:"organization_id"`
}

// IsCourse reports whether participants start together.
func (l ParticipantList) IsCourse() bool {
	return l.StartType == StartCommon
}

type Person struct {
	ID                uuid.UUID  `json:"id"`
	Ident             string     `json:"ident"`
	FirstName         string     `json:"first_name"`
	MiddleName        string     `json:"middle_name,omitempty"`
	LastName          string     `json:"last_name"`
	Phone             string     `json:"phone,omitempty"`
	Email             string     `json:"email,omitempty"`
	Shielded          bool       `json:"shielded"`
	AddressProtection string     `json:"address_protection,omitempty"`
	CaseWorkerID      *uuid.UUID `json:"case_worker_id,omitempty"`
	LocalOfficeID     *uuid.UUID `json:"local_office_id,omitempty"`
}

type ContentItem struct {
	Text        string  `json:"text"`
	Code        string  `json:"code"`
	Selected    bool    `json:"selected"`
	Description *string `json:"description,omitempty"`
}

// Content is the program content offered to a participant. Only selected
// items apply to the participant.
type Content struct {
	Lead  string        `json:"lead,omitempty"`
	Items []ContentItem `json:"items"`
}

// Participant is the current state of one enrollment.
type Participant struct {
	ID                   uuid.UUID       `json:"id"`
	List                 ParticipantList `json:"list"`
	Person               Person          `json:"person"`
	Status               Status          `json:"status"`
	StartDate            *time.Time      `json:"start_date,omitempty"`
	EndDate              *time.Time      `json:"end_date,omitempty"`
	DaysPerWeek          *float64        `json:"days_per_week,omitempty"`
	ParticipationPercent *float64        `json:"participation_percent,omitempty"`
	BackgroundInfo       *string         `json:"background_info,omitempty"`
	Content              *Content        `json:"content,omitempty"`
	Source               Source          `json:"source"`
	SharedManually       bool            `json:"shared_manually"`
	LastModified         time.Time       `json:"last_modified"`
}

// ParticipatesInCourse reports whether the participant is on a common-start list.
func (p Participant) ParticipatesInCourse() bool {
	return p.List.IsCourse()
}

type AssessmentType string

const (
	AssessmentMeetsRequirements       AssessmentType = "MEETS_REQUIREMENTS"
	AssessmentDoesNotMeetRequirements AssessmentType = "DOES_NOT_MEET_REQUIREMENTS"
)

// Assessment is a provider's judgement of whether a participant fits the program.
type Assessment struct {
	ID            uuid.UUID      `json:"id"`
	ParticipantID uuid.UUID      `json:"participant_id"`
	CreatedBy     uuid.UUID      `json:"created_by"`
	ValidFrom     time.Time      `json:"valid_from"`
	Type          AssessmentType `json:"type"`
	Justification *string        `json:"justification,omitempty"`
}

type Organization struct {
	ID        uuid.UUID  `json:"id"`
	OrgNumber string     `json:"org_number"`
	Name      string     `json:"name"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
}

type CaseWorker struct {
	ID    uuid.UUID `json:"id"`
	Ident string    `json:"ident"`
	Name  string    `json:"name"`
	Phone string    `json:"phone,omitempty"`
	Email string    `json:"email,omitempty"`
}

type LocalOffice struct {
	ID           uuid.UUID `json:"id"`
	OfficeNumber string    `json:"office_number"`
	Name         string    `json:"name"`
}

// DateOf truncates t to its civil date at midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
