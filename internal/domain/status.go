package domain

import (
	"time"

	"github.com/google/uuid"
)

type StatusType string

const (
	StatusDraft               StatusType = "DRAFT"
	StatusDraftEnrollment     StatusType = "DRAFT_ENROLLMENT"
	StatusCancelledDraft      StatusType = "CANCELLED_DRAFT"
	StatusWaitingToStart      StatusType = "WAITING_TO_START"
	StatusParticipating       StatusType = "PARTICIPATING"
	StatusHasEnded            StatusType = "HAS_ENDED"
	StatusNotRelevant         StatusType = "NOT_RELEVANT"
	StatusRegisteredInError   StatusType = "REGISTERED_IN_ERROR"
	StatusApplied             StatusType = "APPLIED"
	StatusUnderAssessment     StatusType = "UNDER_ASSESSMENT"
	StatusWaitlisted          StatusType = "WAITLISTED"
	StatusDiscontinued        StatusType = "DISCONTINUED"
	StatusCompleted           StatusType = "COMPLETED"
	StatusRegistrationStarted StatusType = "REGISTRATION_STARTED"
)

// StatusTypes lists every status type.
var StatusTypes = []StatusType{
	StatusDraft, StatusDraftEnrollment, StatusCancelledDraft, StatusWaitingToStart,
	StatusParticipating, StatusHasEnded, StatusNotRelevant, StatusRegisteredInError,
	StatusApplied, StatusUnderAssessment, StatusWaitlisted, StatusDiscontinued,
	StatusCompleted, StatusRegistrationStarted,
}

type ReasonType string

const (
	ReasonSick               ReasonType = "SICK"
	ReasonGotJob             ReasonType = "GOT_JOB"
	ReasonNeedsOtherSupport  ReasonType = "NEEDS_OTHER_SUPPORT"
	ReasonDidNotGetPlace     ReasonType = "DID_NOT_GET_PLACE"
	ReasonDidNotAttend       ReasonType = "DID_NOT_ATTEND"
	ReasonOther              ReasonType = "OTHER"
	ReasonCancelledContract  ReasonType = "CANCELLED_CONTRACT"
	ReasonEducation          ReasonType = "EDUCATION"
	ReasonCollaborationEnded ReasonType = "COLLABORATION_ENDED"
	ReasonRequirementsNotMet ReasonType = "REQUIREMENTS_NOT_MET"
	ReasonCourseFull         ReasonType = "COURSE_FULL"
)

// ReasonTypes lists every status reason type.
var ReasonTypes = []ReasonType{
	ReasonSick, ReasonGotJob, ReasonNeedsOtherSupport, ReasonDidNotGetPlace,
	ReasonDidNotAttend, ReasonOther, ReasonCancelledContract, ReasonEducation,
	ReasonCollaborationEnded, ReasonRequirementsNotMet, ReasonCourseFull,
}

type Reason struct {
	Type        ReasonType `json:"type"`
	Description *string    `json:"description,omitempty"`
}

// Status is one entry in a participant's status log. Exactly one status per
// participant is current.
type Status struct {
	ID        uuid.UUID  `json:"id"`
	Type      StatusType `json:"type"`
	Reason    *Reason    `json:"reason,omitempty"`
	ValidFrom time.Time  `json:"valid_from"`
	Created   time.Time  `json:"created"`
}
