package publish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"enrollment/internal/repo"
	"enrollment/internal/snapshot"
)

var tracer = otel.Tracer("enrollment/internal/publish")

// Result describes one publish attempt.
type Result struct {
	Fingerprint string  `json:"fingerprint"`
	Skipped     bool    `json:"skipped"`
	OutboxIDs   []int64 `json:"outbox_ids,omitempty"`
}

// Publisher writes both snapshot versions to the outbox in one transaction.
type Publisher struct {
	DB          *sql.DB
	Repo        repo.Repo
	Encoding    Encoding
	Compression Compression
	Now         func() time.Time
	Logger      *slog.Logger
}

func (p Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Publish stores snap unless it matches the last published fingerprint.
// A forced snapshot is always stored.
func (p Publisher) Publish(ctx context.Context, snap snapshot.Snapshot) (Result, error) {
	ctx, span := tracer.Start(ctx, "publish.Publish")
	defer span.End()
	id := snap.V2.ID
	span.SetAttributes(attribute.String("participant.id", id.String()))

	fp, err := Fingerprint(snap.V2)
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint: %w", err)
	}
	forced := snap.V2.ForcedUpdate != nil && *snap.V2.ForcedUpdate
	if !forced {
		last, err := p.Repo.PublishedFingerprint(ctx, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return Result{}, err
		}
		if err == nil && last == fp {
			span.SetAttributes(attribute.Bool("publish.skipped", true))
			p.logger().Debug("snapshot unchanged", "participant_id", id, "fingerprint", fp)
			return Result{Fingerprint: fp, Skipped: true}, nil
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now().UTC().Format(time.RFC3339Nano)
	enc := p.Encoding
	if enc == "" {
		enc = EncodingJSON
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()
	res := Result{Fingerprint: fp}
	for _, item := range []struct {
		version string
		value   any
	}{{"v1", snap.V1}, {"v2", snap.V2}} {
		raw, err := Encode(enc, item.value)
		if err != nil {
			return Result{}, fmt.Errorf("encode %s: %w", item.version, err)
		}
		payload, used, err := Compress(p.Compression, raw)
		if err != nil {
			return Result{}, err
		}
		outboxID, err := p.Repo.InsertOutboxTx(ctx, tx, repo.OutboxRecord{
			ParticipantID: id,
			Version:       item.version,
			Encoding:      string(enc),
			Compression:   string(used),
			Size:          len(raw),
			Payload:       payload,
			Fingerprint:   fp,
			Forced:        forced,
			CreatedAt:     at,
		})
		if err != nil {
			return Result{}, fmt.Errorf("insert outbox: %w", err)
		}
		res.OutboxIDs = append(res.OutboxIDs, outboxID)
	}
	if err := p.Repo.SetPublishedFingerprintTx(ctx, tx, id, fp, at); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	p.logger().Info("snapshot published", "participant_id", id, "fingerprint", fp, "forced", forced)
	return res, nil
}

// Open decodes the payload of an outbox record.
func Open(rec repo.OutboxRecord) ([]byte, error) {
	return Decompress(Compression(rec.Compression), rec.Payload, rec.Size)
}
