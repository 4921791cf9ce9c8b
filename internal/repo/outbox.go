package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OutboxRecord is one encoded snapshot waiting for delivery.
type OutboxRecord struct {
	ID            int64
	ParticipantID uuid.UUID
	Version       string
	Encoding      string
	Compression   string
	Size          int
	Payload       []byte
	Fingerprint   string
	Forced        bool
	CreatedAt     string
}

func (r Repo) InsertOutboxTx(ctx context.Context, tx *sql.Tx, rec OutboxRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO outbox(participant_id,version,encoding,compression,size,payload,fingerprint,forced,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ParticipantID.String(), rec.Version, rec.Encoding, rec.Compression, rec.Size, rec.Payload, rec.Fingerprint, boolInt(rec.Forced), rec.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// OutboxAfter returns records with IDs greater than the cursor in ascending order.
func (r Repo) OutboxAfter(ctx context.Context, limit int, cursor int64, versions []string) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if len(versions) > 0 {
		clauses = append(clauses, "version IN (?"+strings.Repeat(",?", len(versions)-1)+")")
		for _, v := range versions {
			args = append(args, v)
		}
	}
	query := fmt.Sprintf(`SELECT id,participant_id,version,encoding,compression,size,payload,fingerprint,forced,created_at FROM outbox WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OutboxRecord
	for rows.Next() {
		var (
			rec    OutboxRecord
			pid    string
			forced int
		)
		if err := rows.Scan(&rec.ID, &pid, &rec.Version, &rec.Encoding, &rec.Compression, &rec.Size, &rec.Payload, &rec.Fingerprint, &forced, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.ParticipantID, err = uuid.Parse(pid); err != nil {
			return nil, err
		}
		rec.Forced = forced == 1
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestOutboxID returns the most recent outbox ID.
func (r Repo) LatestOutboxID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM outbox`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// PublishedFingerprint returns the fingerprint of the last published snapshot.
func (r Repo) PublishedFingerprint(ctx context.Context, participantID uuid.UUID) (string, error) {
	var fp string
	err := r.DB.QueryRowContext(ctx, `SELECT fingerprint FROM publish_state WHERE participant_id=?`, participantID.String()).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return fp, err
}

func (r Repo) SetPublishedFingerprintTx(ctx context.Context, tx *sql.Tx, participantID uuid.UUID, fingerprint, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO publish_state(participant_id,fingerprint,published_at) VALUES (?,?,?)
ON CONFLICT(participant_id) DO UPDATE SET fingerprint=excluded.fingerprint, published_at=excluded.published_at`,
		participantID.String(), fingerprint, at)
	return err
}

// SinkCursor returns the last delivered outbox ID for a sink.
func (r Repo) SinkCursor(ctx context.Context, sink string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_id FROM sink_cursors WHERE sink=?`, sink).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) SetSinkCursor(ctx context.Context, sink string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sink_cursors(sink,last_id) VALUES (?,?)
ON CONFLICT(sink) DO UPDATE SET last_id=excluded.last_id`, sink, id)
	return err
}
