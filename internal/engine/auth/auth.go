package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// PermissionReadPerson guards reading a person's participant data.
const PermissionReadPerson = "person.read"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Subject    string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required for %s", e.Permission, e.Subject)
}

// Decider answers access questions, typically the authority's policy endpoint.
type Decider interface {
	EvaluateReadAccess(ctx context.Context, caseWorkerID uuid.UUID, personIdent string) (bool, error)
}

type CaseWorkerLookup interface {
	CaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error)
}

// Service checks whether case-workers may read a person.
type Service struct {
	Decider     Decider
	CaseWorkers CaseWorkerLookup
	Logger      *slog.Logger
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// VerifyReadAccess returns a ForbiddenError unless the case-worker with
// caseWorkerIdent may read personIdent.
func (s Service) VerifyReadAccess(ctx context.Context, caseWorkerIdent, personIdent string) error {
	if strings.TrimSpace(caseWorkerIdent) == "" {
		return errors.New("case-worker ident required")
	}
	if strings.TrimSpace(personIdent) == "" {
		return errors.New("person ident required")
	}
	cw, err := s.CaseWorkers.CaseWorkerByIdent(ctx, caseWorkerIdent)
	if err != nil {
		return fmt.Errorf("case-worker %s: %w", caseWorkerIdent, err)
	}
	permit, err := s.Decider.EvaluateReadAccess(ctx, cw.ID, personIdent)
	if err != nil {
		return fmt.Errorf("evaluate read access: %w", err)
	}
	if !permit {
		s.logger().Warn("read access denied", "case_worker_id", cw.ID)
		return ForbiddenError{Permission: PermissionReadPerson, Subject: caseWorkerIdent}
	}
	return nil
}
