package reference

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// Authority is the upstream source of reference entities.
type Authority interface {
	CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error)
	CaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error)
	LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error)
	LocalOfficeByNumber(ctx context.Context, number string) (domain.LocalOffice, error)
	Organization(ctx context.Context, id uuid.UUID) (domain.Organization, error)
	Person(ctx context.Context, ident string) (domain.Person, error)
}

// Store is the local copy. Lookups return repo.ErrNotFound on a miss.
type Store interface {
	GetCaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error)
	GetCaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error)
	UpsertCaseWorker(ctx context.Context, c domain.CaseWorker) error
	GetLocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error)
	GetLocalOfficeByNumber(ctx context.Context, number string) (domain.LocalOffice, error)
	UpsertLocalOffice(ctx context.Context, o domain.LocalOffice) error
	GetOrganization(ctx context.Context, id uuid.UUID) (domain.Organization, error)
	UpsertOrganization(ctx context.Context, o domain.Organization) error
	GetPersonByIdent(ctx context.Context, ident string) (domain.Person, error)
	UpsertPerson(ctx context.Context, p domain.Person) error
}

// Service bundles one resolver per entity and key.
type Service struct {
	CaseWorkers          *Resolver[uuid.UUID, domain.CaseWorker]
	CaseWorkersByIdent   *Resolver[string, domain.CaseWorker]
	LocalOffices         *Resolver[uuid.UUID, domain.LocalOffice]
	LocalOfficesByNumber *Resolver[string, domain.LocalOffice]
	Organizations        *Resolver[uuid.UUID, domain.Organization]
	Persons              *Resolver[string, domain.Person]
}

func NewService(store Store, auth Authority, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		CaseWorkers: &Resolver[uuid.UUID, domain.CaseWorker]{
			Name: "case-worker", Lookup: store.GetCaseWorker, Fetch: auth.CaseWorker, Save: store.UpsertCaseWorker, Logger: logger,
		},
		CaseWorkersByIdent: &Resolver[string, domain.CaseWorker]{
			Name: "case-worker-ident", Lookup: store.GetCaseWorkerByIdent, Fetch: auth.CaseWorkerByIdent, Save: store.UpsertCaseWorker, Logger: logger,
		},
		LocalOffices: &Resolver[uuid.UUID, domain.LocalOffice]{
			Name: "local-office", Lookup: store.GetLocalOffice, Fetch: auth.LocalOffice, Save: store.UpsertLocalOffice, Logger: logger,
		},
		LocalOfficesByNumber: &Resolver[string, domain.LocalOffice]{
			Name: "local-office-number", Lookup: store.GetLocalOfficeByNumber, Fetch: auth.LocalOfficeByNumber, Save: store.UpsertLocalOffice, Logger: logger,
		},
		Organizations: &Resolver[uuid.UUID, domain.Organization]{
			Name: "organization", Lookup: store.GetOrganization, Fetch: auth.Organization, Save: store.UpsertOrganization, Logger: logger,
		},
		Persons: &Resolver[string, domain.Person]{
			Name: "person", Lookup: store.GetPersonByIdent, Fetch: auth.Person, Save: store.UpsertPerson, Logger: logger,
		},
	}
}

func (s *Service) CaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error) {
	return s.CaseWorkers.Resolve(ctx, id)
}

func (s *Service) LocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error) {
	return s.LocalOffices.Resolve(ctx, id)
}

func (s *Service) Organization(ctx context.Context, id uuid.UUID) (domain.Organization, error) {
	return s.Organizations.Resolve(ctx, id)
}

func (s *Service) Person(ctx context.Context, ident string) (domain.Person, error) {
	return s.Persons.Resolve(ctx, ident)
}

func (s *Service) CaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error) {
	return s.CaseWorkersByIdent.Resolve(ctx, ident)
}
