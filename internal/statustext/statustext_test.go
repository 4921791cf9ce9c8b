package statustext

import (
	"testing"

	"github.com/stretchr/testify/require"

	"enrollment/internal/domain"
)

func TestDisplayTextCoversEveryStatus(t *testing.T) {
	for _, st := range domain.StatusTypes {
		require.NotEmpty(t, DisplayText(st), st)
	}
	require.Equal(t, "Participating", DisplayText(domain.StatusParticipating))
}

func TestDisplayTextPanicsOnUnknown(t *testing.T) {
	require.Panics(t, func() { DisplayText("BOGUS") })
}

func TestReasonDisplayText(t *testing.T) {
	for _, r := range domain.ReasonTypes {
		require.NotEmpty(t, ReasonDisplayText(domain.StatusHasEnded, r, nil), r)
	}
	desc := "Moved abroad"
	require.Equal(t, "Moved abroad", ReasonDisplayText(domain.StatusHasEnded, domain.ReasonOther, &desc))
	require.Equal(t, "Sick", ReasonDisplayText(domain.StatusHasEnded, domain.ReasonSick, &desc))
	blank := "  "
	require.Equal(t, "Other", ReasonDisplayText(domain.StatusHasEnded, domain.ReasonOther, &blank))
}

func TestReasonDisplayTextPanicsOnUnknown(t *testing.T) {
	require.Panics(t, func() { ReasonDisplayText(domain.StatusHasEnded, "BOGUS", nil) })
	require.PanicsWithValue(t, `statustext: unknown status type "BOGUS"`, func() {
		ReasonDisplayText("BOGUS", domain.ReasonSick, nil)
	})
	require.PanicsWithValue(t, `statustext: unknown status type ""`, func() {
		ReasonDisplayText("", domain.ReasonSick, nil)
	})
}
