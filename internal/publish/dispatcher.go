package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"enrollment/internal/config"
	"enrollment/internal/repo"
)

const (
	defaultSinkInterval = 2 * time.Second
	defaultSinkTimeout  = 5 * time.Second
	defaultSinkBatch    = 100
)

// Dispatcher delivers outbox records to HTTP sinks. Each sink keeps its own
// persisted cursor, so a failing sink does not hold back the others and
// delivery resumes after a restart. Delivery is at least once.
type Dispatcher struct {
	Repo     repo.Repo
	Sinks    []config.SinkConfig
	Interval time.Duration
	Batch    int
	Client   *http.Client
	Logger   *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run dispatches until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultSinkInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger().Error("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per enabled sink and returns how many
// records were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, sink := range d.Sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		n, err := d.dispatchSink(ctx, sink)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name, err))
		}
	}
	return total, errors.Join(errs...)
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink config.SinkConfig) (int, error) {
	cursor, err := d.Repo.SinkCursor(ctx, sink.Name)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultSinkBatch
	}
	records, err := d.Repo.OutboxAfter(ctx, batch, cursor, sink.Versions)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	delivered := 0
	for _, rec := range records {
		if err := d.post(ctx, sink, rec); err != nil {
			d.logger().Warn("sink delivery failed", "sink", sink.Name, "outbox_id", rec.ID, "error", err)
			return delivered, err
		}
		if err := d.Repo.SetSinkCursor(ctx, sink.Name, rec.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) post(ctx context.Context, sink config.SinkConfig, rec repo.OutboxRecord) error {
	body, err := Open(rec)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSinkTimeout}
	}
	if sink.TimeoutSeconds > 0 {
		timeout := time.Duration(sink.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			c := *client
			c.Timeout = timeout
			client = &c
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", Encoding(rec.Encoding).ContentType())
	req.Header.Set("X-Enrollment-Key", rec.ParticipantID.String())
	req.Header.Set("X-Enrollment-Version", rec.Version)
	req.Header.Set("X-Enrollment-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Enrollment-Fingerprint", rec.Fingerprint)
	if rec.Forced {
		req.Header.Set("X-Enrollment-Forced", "true")
	}
	if strings.TrimSpace(sink.Secret) != "" {
		req.Header.Set("X-Enrollment-Secret", sink.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
