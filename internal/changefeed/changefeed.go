// Package changefeed materializes keyed change messages into the local store.
package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Message is one keyed change. An empty value or JSON null deletes the key.
type Message struct {
	Topic  string          `json:"topic"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Offset int64           `json:"offset,omitempty"`
}

func (m Message) Tombstone() bool {
	v := bytes.TrimSpace(m.Value)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	Topic string
	Key   string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s/%s: %v", e.Topic, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Handler applies one message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// Sync upserts decoded values and deletes on tombstones. Both operations are
// idempotent, so redelivery is harmless.
type Sync[T any] struct {
	Decode func(key string, value []byte) (T, error)
	Upsert func(ctx context.Context, v T) error
	Delete func(ctx context.Context, key string) error
}

func (s Sync[T]) Handle(ctx context.Context, msg Message) error {
	if msg.Tombstone() {
		return s.Delete(ctx, msg.Key)
	}
	decode := s.Decode
	if decode == nil {
		decode = func(_ string, value []byte) (T, error) {
			var v T
			err := json.Unmarshal(value, &v)
			return v, err
		}
	}
	v, err := decode(msg.Key, msg.Value)
	if err != nil {
		return &DecodeError{Topic: msg.Topic, Key: msg.Key, Err: err}
	}
	return s.Upsert(ctx, v)
}

// Consumer fans messages out to workers by key hash so that messages for one
// key are applied in arrival order while different keys run in parallel.
type Consumer struct {
	Handlers map[string]Handler
	Workers  int
	// OnError receives failed messages. Nil logs them.
	OnError func(ctx context.Context, msg Message, err error)
	Logger  *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run consumes until in is closed or ctx ends. A failing message is reported
// and does not stop the consumer.
func (c *Consumer) Run(ctx context.Context, in <-chan Message) error {
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	lanes := make([]chan Message, workers)
	for i := range lanes {
		lane := make(chan Message, 16)
		lanes[i] = lane
		g.Go(func() error {
			for msg := range lane {
				c.apply(gctx, msg)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case lanes[partition(msg.Key, workers)] <- msg:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	return g.Wait()
}

// Apply handles a single message synchronously.
func (c *Consumer) Apply(ctx context.Context, msg Message) error {
	h, ok := c.Handlers[msg.Topic]
	if !ok {
		return fmt.Errorf("no handler for topic %q", msg.Topic)
	}
	return h.Handle(ctx, msg)
}

func (c *Consumer) apply(ctx context.Context, msg Message) {
	if err := c.Apply(ctx, msg); err != nil {
		if c.OnError != nil {
			c.OnError(ctx, msg, err)
			return
		}
		c.logger().Error("change feed message failed", "topic", msg.Topic, "key", msg.Key, "offset", msg.Offset, "error", err)
		return
	}
	c.logger().Debug("change feed message applied", "topic", msg.Topic, "key", msg.Key, "tombstone", msg.Tombstone())
}

func partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
