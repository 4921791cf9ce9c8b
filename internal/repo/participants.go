package repo

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

func (r Repo) GetParticipantList(ctx context.Context, id uuid.UUID) (domain.ParticipantList, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,program_code,program_name,tracks_rate,start_type,status,organization_id FROM participant_lists WHERE id=?`, id.String())
	var (
		l            domain.ParticipantList
		rawID, orgID string
		tracks       int
		status       sql.NullString
	)
	err := row.Scan(&rawID, &l.Name, &l.Program.Code, &l.Program.Name, &tracks, &l.StartType, &status, &orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.ID, err = uuid.Parse(rawID); err != nil {
		return l, err
	}
	if l.OrganizationID, err = uuid.Parse(orgID); err != nil {
		return l, err
	}
	l.Program.TracksParticipationRate = tracks == 1
	l.Status = status.String
	return l, nil
}

func (r Repo) UpsertParticipantList(ctx context.Context, l domain.ParticipantList) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO participant_lists(id,name,program_code,program_name,tracks_rate,start_type,status,organization_id,modified_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, program_code=excluded.program_code, program_name=excluded.program_name,
 tracks_rate=excluded.tracks_rate, start_type=excluded.start_type, status=excluded.status,
 organization_id=excluded.organization_id, modified_at=excluded.modified_at`,
		l.ID.String(), l.Name, l.Program.Code, l.Program.Name, boolInt(l.Program.TracksParticipationRate), string(l.StartType),
		nullable(l.Status), l.OrganizationID.String(), formatTime(time.Now()))
	return err
}

func (r Repo) DeleteParticipantList(ctx context.Context, id uuid.UUID) error {
	_, err := deleteWhere(ctx, r.DB, `DELETE FROM participant_lists WHERE id=?`, id.String())
	return err
}

// GetParticipant loads the participant row with its list and current status.
// Only the person ident is filled in; person details live in the persons table.
func (r Repo) GetParticipant(ctx context.Context, id uuid.UUID) (domain.Participant, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,list_id,person_ident,start_date,end_date,days_per_week,participation_percent,background_info,content_json,source,shared_manually,modified_at FROM participants WHERE id=?`, id.String())
	var (
		p                   domain.Participant
		rawID, listID       string
		startDate, endDate  sql.NullString
		days, percent       sql.NullFloat64
		background, content sql.NullString
		shared              int
		modified            string
	)
	err := row.Scan(&rawID, &listID, &p.Person.Ident, &startDate, &endDate, &days, &percent, &background, &content, &p.Source, &shared, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.ID, err = uuid.Parse(rawID); err != nil {
		return p, err
	}
	if p.StartDate, err = parseNullDate(startDate); err != nil {
		return p, err
	}
	if p.EndDate, err = parseNullDate(endDate); err != nil {
		return p, err
	}
	p.DaysPerWeek = nullFloatPtr(days)
	p.ParticipationPercent = nullFloatPtr(percent)
	p.BackgroundInfo = nullStringPtr(background)
	if content.Valid && content.String != "" {
		var c domain.Content
		if err := json.Unmarshal([]byte(content.String), &c); err != nil {
			return p, fmt.Errorf("decode content: %w", err)
		}
		p.Content = &c
	}
	p.SharedManually = shared == 1
	if p.LastModified, err = parseTime(modified); err != nil {
		return p, err
	}
	lid, err := uuid.Parse(listID)
	if err != nil {
		return p, err
	}
	if p.List, err = r.GetParticipantList(ctx, lid); err != nil {
		return p, fmt.Errorf("participant list %s: %w", lid, err)
	}
	if p.Status, err = r.CurrentStatus(ctx, p.ID); err != nil {
		return p, fmt.Errorf("current status: %w", err)
	}
	return p, nil
}

// ListParticipantIDs lists participants on a list.
func (r Repo) ListParticipantIDs(ctx context.Context, listID uuid.UUID) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `SELECT id FROM participants WHERE list_id=? ORDER BY id`, listID.String())
}

// ListParticipantIDsForPerson lists a person's participants.
func (r Repo) ListParticipantIDsForPerson(ctx context.Context, ident string) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `SELECT id FROM participants WHERE person_ident=? ORDER BY id`, ident)
}

func (r Repo) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UpsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	var content any
	if p.Content != nil {
		data, err := json.Marshal(p.Content)
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		content = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(id,list_id,person_ident,start_date,end_date,days_per_week,participation_percent,background_info,content_json,source,shared_manually,modified_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET list_id=excluded.list_id, person_ident=excluded.person_ident, start_date=excluded.start_date,
 end_date=excluded.end_date, days_per_week=excluded.days_per_week, participation_percent=excluded.participation_percent,
 background_info=excluded.background_info, content_json=excluded.content_json, source=excluded.source,
 shared_manually=excluded.shared_manually, modified_at=excluded.modified_at`,
		p.ID.String(), p.List.ID.String(), p.Person.Ident, nullableDate(p.StartDate), nullableDate(p.EndDate),
		nullableFloat(p.DaysPerWeek), nullableFloat(p.ParticipationPercent), nullableStringPtr(p.BackgroundInfo), content,
		string(p.Source), boolInt(p.SharedManually), formatTime(p.LastModified))
	return err
}

func (r Repo) CurrentStatus(ctx context.Context, participantID uuid.UUID) (domain.Status, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,type,reason_type,reason_description,valid_from,created_at FROM statuses WHERE participant_id=? AND is_current=1`, participantID.String())
	var (
		s                         domain.Status
		rawID, validFrom, created string
		reasonType, reasonDesc    sql.NullString
	)
	err := row.Scan(&rawID, &s.Type, &reasonType, &reasonDesc, &validFrom, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.ID, err = uuid.Parse(rawID); err != nil {
		return s, err
	}
	if reasonType.Valid {
		s.Reason = &domain.Reason{Type: domain.ReasonType(reasonType.String), Description: nullStringPtr(reasonDesc)}
	}
	if s.ValidFrom, err = parseTime(validFrom); err != nil {
		return s, err
	}
	s.Created, err = parseTime(created)
	return s, err
}

// SetStatusTx makes s the current status of a participant.
func (r Repo) SetStatusTx(ctx context.Context, tx *sql.Tx, participantID uuid.UUID, s domain.Status) error {
	if _, err := tx.ExecContext(ctx, `UPDATE statuses SET is_current=0 WHERE participant_id=? AND is_current=1`, participantID.String()); err != nil {
		return err
	}
	var reasonType, reasonDesc any
	if s.Reason != nil {
		reasonType = string(s.Reason.Type)
		reasonDesc = nullableStringPtr(s.Reason.Description)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO statuses(id,participant_id,type,reason_type,reason_description,valid_from,created_at,is_current) VALUES (?,?,?,?,?,?,?,1)`,
		s.ID.String(), participantID.String(), string(s.Type), reasonType, reasonDesc, formatTime(s.ValidFrom), formatTime(s.Created))
	return err
}

// DeleteParticipantTx removes a participant and every row keyed by it.
func (r Repo) DeleteParticipantTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	for _, q := range []string{
		`DELETE FROM history WHERE participant_id=?`,
		`DELETE FROM assessments WHERE participant_id=?`,
		`DELETE FROM statuses WHERE participant_id=?`,
		`DELETE FROM outbox WHERE participant_id=?`,
		`DELETE FROM publish_state WHERE participant_id=?`,
	} {
		if _, err := deleteWhere(ctx, tx, q, id.String()); err != nil {
			return err
		}
	}
	n, err := deleteWhere(ctx, tx, `DELETE FROM participants WHERE id=?`, id.String())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
