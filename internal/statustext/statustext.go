// Package statustext renders status and reason codes for display.
package statustext

import (
	"fmt"
	"strings"

	"enrollment/internal/domain"
)

var statusText = map[domain.StatusType]string{
	domain.StatusDraft:               "Draft",
	domain.StatusDraftEnrollment:     "Draft enrollment",
	domain.StatusCancelledDraft:      "Cancelled draft",
	domain.StatusWaitingToStart:      "Waiting to start",
	domain.StatusParticipating:       "Participating",
	domain.StatusHasEnded:            "Has ended",
	domain.StatusNotRelevant:         "Not relevant",
	domain.StatusRegisteredInError:   "Registered in error",
	domain.StatusApplied:             "Applied",
	domain.StatusUnderAssessment:     "Under assessment",
	domain.StatusWaitlisted:          "Waitlisted",
	domain.StatusDiscontinued:        "Discontinued",
	domain.StatusCompleted:           "Completed",
	domain.StatusRegistrationStarted: "Registration started",
}

var reasonText = map[domain.ReasonType]string{
	domain.ReasonSick:               "Sick",
	domain.ReasonGotJob:             "Got a job",
	domain.ReasonNeedsOtherSupport:  "Needs other support",
	domain.ReasonDidNotGetPlace:     "Did not get a place",
	domain.ReasonDidNotAttend:       "Did not attend",
	domain.ReasonOther:              "Other",
	domain.ReasonCancelledContract:  "Contract cancelled",
	domain.ReasonEducation:          "Education",
	domain.ReasonCollaborationEnded: "Collaboration with provider ended",
	domain.ReasonRequirementsNotMet: "Requirements not met",
	domain.ReasonCourseFull:         "Course full",
}

// DisplayText returns the text for a status type. It panics on an unknown type.
func DisplayText(t domain.StatusType) string {
	text, ok := statusText[t]
	if !ok {
		panic(fmt.Sprintf("statustext: unknown status type %q", t))
	}
	return text
}

// ReasonDisplayText returns the text for a status reason. A free-text
// description replaces the fixed text for OTHER. It panics on an unknown
// status or reason type.
func ReasonDisplayText(status domain.StatusType, reason domain.ReasonType, description *string) string {
	if _, ok := statusText[status]; !ok {
		panic(fmt.Sprintf("statustext: unknown status type %q", status))
	}
	text, ok := reasonText[reason]
	if !ok {
		panic(fmt.Sprintf("statustext: unknown reason type %q", reason))
	}
	if reason == domain.ReasonOther && description != nil && strings.TrimSpace(*description) != "" {
		return *description
	}
	return text
}
