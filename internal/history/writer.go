package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// Writer appends entries to the history table inside a caller-owned transaction.
type Writer struct {
	Now func() time.Time
}

// Append stores entry and reports whether it was new. Writing the same entry
// id twice is a no-op.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, participantID uuid.UUID, entry domain.HistoryEntry) (bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if _, ok := entry.(*domain.ProviderAssessment); ok {
		return false, errors.New("provider assessments are stored as assessments")
	}
	if entry.EntryID() == uuid.Nil {
		return false, errors.New("history entry id is required")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal %s entry: %w", entry.Kind(), err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO history(id,participant_id,kind,occurred_at,recorded_at,payload_json) VALUES (?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		entry.EntryID().String(), participantID.String(), string(entry.Kind()),
		entry.OccurredAt().UTC().Format(time.RFC3339Nano), w.Now().UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
