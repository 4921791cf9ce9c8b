package rate

import (
	"fmt"
	"sort"
	"time"

	"enrollment/internal/domain"
)

// DefaultPercent applies when a rate change leaves the percent unset.
const DefaultPercent = 100.0

// Record is the participation rate in force from EffectiveFrom.
type Record struct {
	Percent       float64   `json:"percent"`
	DaysPerWeek   *float64  `json:"days_per_week,omitempty"`
	EffectiveFrom time.Time `json:"effective_from"`
	Created       time.Time `json:"created"`
}

// Build returns the timeline for a participant. Programs that do not track a
// participation rate get an empty timeline.
func Build(p domain.Participant, entries []domain.HistoryEntry) []Record {
	if !p.List.Program.TracksParticipationRate {
		return []Record{}
	}
	records := FromHistory(entries)
	if p.StartDate == nil {
		return records
	}
	return Periodize(records, *p.StartDate)
}

// FromHistory extracts rate records in chronological order with one record
// per effective-from date. When several share a date the latest created wins.
func FromHistory(entries []domain.HistoryEntry) []Record {
	var all []Record
	for _, e := range entries {
		if r, ok := recordFor(e); ok {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].EffectiveFrom.Equal(all[j].EffectiveFrom) {
			return all[i].EffectiveFrom.Before(all[j].EffectiveFrom)
		}
		return all[i].Created.Before(all[j].Created)
	})
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if n := len(out); n > 0 && out[n-1].EffectiveFrom.Equal(r.EffectiveFrom) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

// Periodize clips records to start. The value in force at start is carried
// into a record effective from start. Nothing after the end date is removed.
func Periodize(records []Record, start time.Time) []Record {
	start = domain.DateOf(start)
	out := make([]Record, 0, len(records))
	var inForce *Record
	for i := range records {
		r := records[i]
		if !r.EffectiveFrom.After(start) {
			inForce = &r
			continue
		}
		out = append(out, r)
	}
	if inForce == nil {
		return out
	}
	carried := *inForce
	carried.EffectiveFrom = start
	return append([]Record{carried}, out...)
}

// Period is a record with its display bounds.
type Period struct {
	Record
	Until *time.Time `json:"until,omitempty"`
}

// Bounds closes each record the day before its successor takes effect and the
// last one at end, when end is known and not before it.
func Bounds(records []Record, end *time.Time) []Period {
	out := make([]Period, 0, len(records))
	for i, r := range records {
		p := Period{Record: r}
		if i+1 < len(records) {
			until := records[i+1].EffectiveFrom.AddDate(0, 0, -1)
			p.Until = &until
		} else if end != nil && !end.Before(r.EffectiveFrom) {
			until := domain.DateOf(*end)
			p.Until = &until
		}
		out = append(out, p)
	}
	return out
}

func recordFor(entry domain.HistoryEntry) (Record, bool) {
	switch e := entry.(type) {
	case *domain.Decision:
		if !e.Finalized() {
			return Record{}, false
		}
		from := domain.DateOf(*e.FinalizedAt)
		if e.AtDecision.StartDate != nil {
			from = domain.DateOf(*e.AtDecision.StartDate)
		}
		return Record{
			Percent:       percentOrDefault(e.AtDecision.ParticipationPercent),
			DaysPerWeek:   e.AtDecision.DaysPerWeek,
			EffectiveFrom: from,
			Created:       e.CreatedAt,
		}, true
	case *domain.Edit:
		if e.Change.Kind != domain.ChangeParticipationRate {
			return Record{}, false
		}
		from := domain.DateOf(e.EditedAt)
		if e.Change.EffectiveFrom != nil {
			from = domain.DateOf(*e.Change.EffectiveFrom)
		}
		return Record{
			Percent:       percentOrDefault(e.Change.ParticipationPercent),
			DaysPerWeek:   e.Change.DaysPerWeek,
			EffectiveFrom: from,
			Created:       e.EditedAt,
		}, true
	case *domain.LegacyImport:
		from := domain.DateOf(e.ImportedAt)
		if e.AtImport.StartDate != nil {
			from = domain.DateOf(*e.AtImport.StartDate)
		}
		return Record{
			Percent:       percentOrDefault(e.AtImport.ParticipationPercent),
			DaysPerWeek:   e.AtImport.DaysPerWeek,
			EffectiveFrom: from,
			Created:       e.ImportedAt,
		}, true
	case *domain.CoordinatorEdit, *domain.Suggestion, *domain.ProviderEdit,
		*domain.SharedIntakeApplication, *domain.ProviderAssessment:
		return Record{}, false
	default:
		panic(fmt.Sprintf("rate: unknown history entry %T", entry))
	}
}

func percentOrDefault(p *float64) float64 {
	if p == nil {
		return DefaultPercent
	}
	return *p
}
