package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/config"
	"enrollment/internal/domain"
	"enrollment/internal/history"
	"enrollment/internal/publish"
	"enrollment/internal/rate"
	"enrollment/internal/reference"
	"enrollment/internal/repo"
	"enrollment/internal/snapshot"
)

var ErrConflict = errors.New("conflict")

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Writer     history.Writer
	Aggregator history.Aggregator
	References *reference.Service
	Builder    snapshot.Builder
	Publisher  publish.Publisher
	Now        func() time.Time
	Logger     *slog.Logger
}

// New wires an engine over db. refs may be nil, in which case persons,
// case-workers and offices are read from the local store only.
func New(db *sql.DB, cfg *config.Config, refs *reference.Service, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	agg := history.Aggregator{Source: r}
	b := snapshot.Builder{History: agg, CaseWorkers: localReferences{r}, LocalOffices: localReferences{r}, Logger: logger}
	if refs != nil {
		b.CaseWorkers = refs
		b.LocalOffices = refs
	}
	return Engine{
		DB:         db,
		Repo:       r,
		Writer:     history.Writer{Now: time.Now},
		Aggregator: agg,
		References: refs,
		Builder:    b,
		Publisher: publish.Publisher{
			DB:          db,
			Repo:        r,
			Encoding:    publish.Encoding(cfg.Publish.Encoding),
			Compression: publish.Compression(cfg.Publish.Compression),
			Logger:      logger,
		},
		Now:    time.Now,
		Logger: logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// EnrollOptions are parameters for creating a participant.
type EnrollOptions struct {
	ID                   uuid.UUID
	ListID               uuid.UUID
	PersonIdent          string
	Source               domain.Source
	Status               domain.StatusType
	StartDate            *time.Time
	EndDate              *time.Time
	DaysPerWeek          *float64
	ParticipationPercent *float64
	BackgroundInfo       *string
	Content              *domain.Content
}

// Enroll creates a participant on an existing list with an initial status.
func (e Engine) Enroll(ctx context.Context, opts EnrollOptions) (domain.Participant, error) {
	if strings.TrimSpace(opts.PersonIdent) == "" {
		return domain.Participant{}, errors.New("person ident is required")
	}
	if opts.ListID == uuid.Nil {
		return domain.Participant{}, errors.New("participant list is required")
	}
	if opts.Source == "" {
		opts.Source = domain.SourceSystemOfRecord
	}
	if opts.Source != domain.SourceSystemOfRecord && opts.Source != domain.SourceLegacyImport {
		return domain.Participant{}, fmt.Errorf("invalid source %q", opts.Source)
	}
	if opts.Status == "" {
		opts.Status = domain.StatusDraft
	}
	if err := checkStatus(opts.Status); err != nil {
		return domain.Participant{}, err
	}
	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}
	list, err := e.Repo.GetParticipantList(ctx, opts.ListID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("participant list %s: %w", opts.ListID, err)
	}
	if _, err := e.Repo.GetParticipant(ctx, opts.ID); err == nil {
		return domain.Participant{}, fmt.Errorf("participant %s already exists: %w", opts.ID, ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Participant{}, err
	}

	now := e.now().UTC()
	p := domain.Participant{
		ID:                   opts.ID,
		List:                 list,
		Person:               domain.Person{Ident: opts.PersonIdent},
		Status:               domain.Status{ID: uuid.New(), Type: opts.Status, ValidFrom: now, Created: now},
		StartDate:            opts.StartDate,
		EndDate:              opts.EndDate,
		DaysPerWeek:          opts.DaysPerWeek,
		ParticipationPercent: opts.ParticipationPercent,
		BackgroundInfo:       opts.BackgroundInfo,
		Content:              opts.Content,
		Source:               opts.Source,
		LastModified:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.Repo.SetStatusTx(ctx, tx, p.ID, p.Status); err != nil {
		return domain.Participant{}, fmt.Errorf("insert status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	e.logger().Info("participant enrolled", "participant_id", p.ID, "list_id", list.ID, "status", p.Status.Type)
	return p, nil
}

// Participant loads a participant and fills in the person.
func (e Engine) Participant(ctx context.Context, id uuid.UUID) (domain.Participant, error) {
	p, err := e.Repo.GetParticipant(ctx, id)
	if err != nil {
		return domain.Participant{}, err
	}
	var person domain.Person
	if e.References != nil {
		person, err = e.References.Person(ctx, p.Person.Ident)
	} else {
		person, err = e.Repo.GetPersonByIdent(ctx, p.Person.Ident)
		if errors.Is(err, repo.ErrNotFound) {
			return p, nil
		}
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("person: %w", err)
	}
	p.Person = person
	return p, nil
}

// Record appends entry to the participant's history and applies it to the
// participant in the same transaction. Recording an entry id that is already
// stored changes nothing.
func (e Engine) Record(ctx context.Context, participantID uuid.UUID, entry domain.HistoryEntry) (domain.Participant, error) {
	if a, ok := entry.(*domain.ProviderAssessment); ok {
		return e.RecordAssessment(ctx, participantID, a.Assessment)
	}
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := checkEntry(participantID, entry); err != nil {
		return domain.Participant{}, err
	}
	now := e.now().UTC()
	status := apply(&p, entry, now)
	p.LastModified = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()

	w := e.Writer
	w.Now = e.now
	added, err := w.Append(ctx, tx, participantID, entry)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("append %s: %w", entry.Kind(), err)
	}
	if !added {
		_ = tx.Rollback()
		e.logger().Debug("history entry already recorded", "participant_id", participantID, "entry_id", entry.EntryID())
		return e.Repo.GetParticipant(ctx, participantID)
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("update participant: %w", err)
	}
	if status != nil {
		if err := e.Repo.SetStatusTx(ctx, tx, participantID, *status); err != nil {
			return domain.Participant{}, fmt.Errorf("set status: %w", err)
		}
		p.Status = *status
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	e.logger().Info("history recorded", "participant_id", participantID, "kind", entry.Kind(), "entry_id", entry.EntryID())
	return p, nil
}

// RecordAssessment stores a provider assessment. Assessments reach the
// history through the aggregator.
func (e Engine) RecordAssessment(ctx context.Context, participantID uuid.UUID, a domain.Assessment) (domain.Participant, error) {
	if a.ID == uuid.Nil {
		return domain.Participant{}, errors.New("assessment id is required")
	}
	if a.ParticipantID == uuid.Nil {
		a.ParticipantID = participantID
	}
	if a.ParticipantID != participantID {
		return domain.Participant{}, fmt.Errorf("invalid assessment: belongs to participant %s", a.ParticipantID)
	}
	switch a.Type {
	case domain.AssessmentMeetsRequirements, domain.AssessmentDoesNotMeetRequirements:
	default:
		return domain.Participant{}, fmt.Errorf("invalid assessment type %q", a.Type)
	}
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, err
	}
	p.LastModified = e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessmentTx(ctx, tx, a); err != nil {
		return domain.Participant{}, fmt.Errorf("insert assessment: %w", err)
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("update participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, err
	}
	e.logger().Info("assessment recorded", "participant_id", participantID, "assessment_id", a.ID, "type", a.Type)
	return p, nil
}

// History returns the participant's aggregated history, most recent first.
func (e Engine) History(ctx context.Context, participantID uuid.UUID) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetParticipant(ctx, participantID); err != nil {
		return nil, err
	}
	return e.Aggregator.Load(ctx, participantID)
}

// Timeline derives the participation-rate records for a participant.
func (e Engine) Timeline(ctx context.Context, participantID uuid.UUID) ([]rate.Record, error) {
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	entries, err := e.Aggregator.Load(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return rate.Build(p, entries), nil
}

// BuildSnapshot composes both snapshot versions without publishing them.
func (e Engine) BuildSnapshot(ctx context.Context, participantID uuid.UUID, forced bool) (snapshot.Snapshot, error) {
	p, err := e.Participant(ctx, participantID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	var f *bool
	if forced {
		f = &forced
	}
	return e.Builder.Build(ctx, p, f)
}

// Publish builds the participant's snapshot and writes it to the outbox.
func (e Engine) Publish(ctx context.Context, participantID uuid.UUID, forced bool) (publish.Result, error) {
	snap, err := e.BuildSnapshot(ctx, participantID, forced)
	if err != nil {
		return publish.Result{}, err
	}
	p := e.Publisher
	p.Now = e.now
	return p.Publish(ctx, snap)
}

// DeleteParticipant removes a participant with its statuses, history,
// assessments and outbox rows.
func (e Engine) DeleteParticipant(ctx context.Context, participantID uuid.UUID) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteParticipantTx(ctx, tx, participantID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("participant deleted", "participant_id", participantID)
	return nil
}

// localReferences reads reference data without asking the authority.
type localReferences struct {
	repo.Repo
}

func (l localReferences) CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error) {
	return l.GetCaseWorker(ctx, id)
}

func (l localReferences) LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error) {
	return l.GetLocalOffice(ctx, id)
}

func checkStatus(t domain.StatusType) error {
	if !slices.Contains(domain.StatusTypes, t) {
		return fmt.Errorf("invalid status %q", t)
	}
	return nil
}

func checkReason(r *domain.Reason) error {
	if r == nil || slices.Contains(domain.ReasonTypes, r.Type) {
		return nil
	}
	return fmt.Errorf("invalid reason %q", r.Type)
}

func checkChange(c domain.Change) error {
	if !slices.Contains(domain.ChangeKinds, c.Kind) {
		return fmt.Errorf("invalid change kind %q", c.Kind)
	}
	return checkReason(c.Reason)
}

// checkEntry rejects entries that belong elsewhere or carry values the
// snapshot and apply code cannot represent.
func checkEntry(participantID uuid.UUID, entry domain.HistoryEntry) error {
	var owner uuid.UUID
	var err error
	switch v := entry.(type) {
	case *domain.Decision:
		owner = v.ParticipantID
		err = checkStatus(v.AtDecision.Status)
	case *domain.Edit:
		owner = v.ParticipantID
		err = checkChange(v.Change)
	case *domain.CoordinatorEdit:
		owner = v.ParticipantID
		if !slices.Contains(domain.CoordinatorEditKinds, v.EditKind) {
			err = fmt.Errorf("invalid coordinator edit kind %q", v.EditKind)
		}
	case *domain.Suggestion:
		owner = v.ParticipantID
		if err = checkChange(v.Change); err == nil && !slices.Contains(domain.SuggestionStatuses, v.Status) {
			err = fmt.Errorf("invalid suggestion status %q", v.Status)
		}
	case *domain.ProviderEdit:
		owner = v.ParticipantID
		err = checkChange(v.Change)
	case *domain.LegacyImport:
		owner = v.ParticipantID
		err = checkStatus(v.AtImport.Status)
	case *domain.SharedIntakeApplication:
		owner = v.ParticipantID
	case *domain.ProviderAssessment:
		owner = v.ParticipantID
	default:
		panic(fmt.Sprintf("engine: unknown history entry %T", entry))
	}
	if owner != participantID {
		return fmt.Errorf("invalid %s entry: belongs to participant %s", entry.Kind(), owner)
	}
	if err != nil {
		return fmt.Errorf("%s entry: %w", entry.Kind(), err)
	}
	return nil
}
