package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// ListHistory decodes every stored entry for a participant, oldest first.
func (r Repo) ListHistory(ctx context.Context, participantID uuid.UUID) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,payload_json FROM history WHERE participant_id=? ORDER BY occurred_at ASC, id ASC`, participantID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var id, kind, payload string
		if err := rows.Scan(&id, &kind, &payload); err != nil {
			return nil, err
		}
		entry, err := domain.DecodeEntry(domain.EntryKind(kind), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("history entry %s: %w", id, err)
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssessment(ctx context.Context, a domain.Assessment) error {
	return insertAssessment(ctx, r.DB, a)
}

func (r Repo) InsertAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	return insertAssessment(ctx, tx, a)
}

func insertAssessment(ctx context.Context, q querier, a domain.Assessment) error {
	_, err := q.ExecContext(ctx, `INSERT INTO assessments(id,participant_id,created_by,valid_from,type,justification) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET created_by=excluded.created_by, valid_from=excluded.valid_from, type=excluded.type, justification=excluded.justification`,
		a.ID.String(), a.ParticipantID.String(), a.CreatedBy.String(), formatTime(a.ValidFrom), string(a.Type), nullableStringPtr(a.Justification))
	return err
}

func (r Repo) ListAssessments(ctx context.Context, participantID uuid.UUID) ([]domain.Assessment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,participant_id,created_by,valid_from,type,justification FROM assessments WHERE participant_id=? ORDER BY valid_from ASC, id ASC`, participantID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assessment
	for rows.Next() {
		var (
			a                          domain.Assessment
			id, pid, createdBy, validF string
			justification              sql.NullString
		)
		if err := rows.Scan(&id, &pid, &createdBy, &validF, &a.Type, &justification); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if a.ParticipantID, err = uuid.Parse(pid); err != nil {
			return nil, err
		}
		if a.CreatedBy, err = uuid.Parse(createdBy); err != nil {
			return nil, err
		}
		if a.ValidFrom, err = parseTime(validF); err != nil {
			return nil, err
		}
		a.Justification = nullStringPtr(justification)
		res = append(res, a)
	}
	return res, rows.Err()
}
