package changefeed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

const (
	TopicOrganizations    = "organizations"
	TopicLocalOffices     = "local-offices"
	TopicCaseWorkers      = "case-workers"
	TopicPersons          = "persons"
	TopicParticipantLists = "participant-lists"
)

// Topics lists every topic Handlers knows.
var Topics = []string{TopicOrganizations, TopicLocalOffices, TopicCaseWorkers, TopicPersons, TopicParticipantLists}

// Store is the local store the feed keeps current.
type Store interface {
	UpsertOrganization(ctx context.Context, o domain.Organization) error
	DeleteOrganization(ctx context.Context, id uuid.UUID) error
	UpsertLocalOffice(ctx context.Context, o domain.LocalOffice) error
	DeleteLocalOffice(ctx context.Context, id uuid.UUID) error
	UpsertCaseWorker(ctx context.Context, c domain.CaseWorker) error
	DeleteCaseWorker(ctx context.Context, id uuid.UUID) error
	UpsertPerson(ctx context.Context, p domain.Person) error
	DeletePerson(ctx context.Context, id uuid.UUID) error
	UpsertParticipantList(ctx context.Context, l domain.ParticipantList) error
	DeleteParticipantList(ctx context.Context, id uuid.UUID) error
}

// Handlers returns a handler per topic backed by store. Message keys are
// entity ids and win over any id in the payload.
func Handlers(store Store) map[string]Handler {
	return map[string]Handler{
		TopicOrganizations: Sync[domain.Organization]{
			Decode: keyed(func(o *domain.Organization, id uuid.UUID) { o.ID = id }),
			Upsert: store.UpsertOrganization,
			Delete: byID(store.DeleteOrganization),
		},
		TopicLocalOffices: Sync[domain.LocalOffice]{
			Decode: keyed(func(o *domain.LocalOffice, id uuid.UUID) { o.ID = id }),
			Upsert: store.UpsertLocalOffice,
			Delete: byID(store.DeleteLocalOffice),
		},
		TopicCaseWorkers: Sync[domain.CaseWorker]{
			Decode: keyed(func(c *domain.CaseWorker, id uuid.UUID) { c.ID = id }),
			Upsert: store.UpsertCaseWorker,
			Delete: byID(store.DeleteCaseWorker),
		},
		TopicPersons: Sync[domain.Person]{
			Decode: keyed(func(p *domain.Person, id uuid.UUID) { p.ID = id }),
			Upsert: store.UpsertPerson,
			Delete: byID(store.DeletePerson),
		},
		TopicParticipantLists: Sync[domain.ParticipantList]{
			Decode: keyed(func(l *domain.ParticipantList, id uuid.UUID) { l.ID = id }),
			Upsert: store.UpsertParticipantList,
			Delete: byID(store.DeleteParticipantList),
		},
	}
}

func keyed[T any](setID func(*T, uuid.UUID)) func(string, []byte) (T, error) {
	return func(key string, value []byte) (T, error) {
		var v T
		id, err := uuid.Parse(key)
		if err != nil {
			return v, fmt.Errorf("key: %w", err)
		}
		if err := json.Unmarshal(value, &v); err != nil {
			return v, err
		}
		setID(&v, id)
		return v, nil
	}
}

func byID(del func(context.Context, uuid.UUID) error) func(context.Context, string) error {
	return func(ctx context.Context, key string) error {
		id, err := uuid.Parse(key)
		if err != nil {
			return &DecodeError{Key: key, Err: fmt.Errorf("key: %w", err)}
		}
		return del(ctx, id)
	}
}

// FileSource reads newline-delimited JSON messages. Blank lines are skipped.
type FileSource struct {
	R io.Reader
}

// Stream sends each line on the returned channel and closes it at EOF. Read
// and decode failures end the stream and are reported on the error channel.
func (s FileSource) Stream(ctx context.Context) (<-chan Message, <-chan error) {
	out := make(chan Message)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		sc := bufio.NewScanner(s.R)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var line int64
		for sc.Scan() {
			line++
			raw := sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				errs <- fmt.Errorf("line %d: %w", line, err)
				return
			}
			if msg.Offset == 0 {
				msg.Offset = line
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()
	return out, errs
}
