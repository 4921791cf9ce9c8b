package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"enrollment/internal/domain"
)

// Reference entities are replaced wholesale on upsert and deleting an absent
// row is not an error.

func (r Repo) GetOrganization(ctx context.Context, id uuid.UUID) (domain.Organization, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_number,name,parent_id FROM organizations WHERE id=?`, id.String())
	var (
		o        domain.Organization
		rawID    string
		parentID sql.NullString
	)
	err := row.Scan(&rawID, &o.OrgNumber, &o.Name, &parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if o.ID, err = uuid.Parse(rawID); err != nil {
		return o, err
	}
	o.ParentID, err = parseNullUUID(parentID)
	return o, err
}

func (r Repo) UpsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,org_number,name,parent_id,modified_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET org_number=excluded.org_number, name=excluded.name, parent_id=excluded.parent_id, modified_at=excluded.modified_at`,
		o.ID.String(), o.OrgNumber, o.Name, nullableUUID(o.ParentID), formatTime(time.Now()))
	return err
}

func (r Repo) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	_, err := deleteWhere(ctx, r.DB, `DELETE FROM organizations WHERE id=?`, id.String())
	return err
}

func scanLocalOffice(row *sql.Row) (domain.LocalOffice, error) {
	var (
		o     domain.LocalOffice
		rawID string
	)
	err := row.Scan(&rawID, &o.OfficeNumber, &o.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.ID, err = uuid.Parse(rawID)
	return o, err
}

func (r Repo) GetLocalOffice(ctx context.Context, id uuid.UUID) (domain.LocalOffice, error) {
	return scanLocalOffice(r.DB.QueryRowContext(ctx, `SELECT id,office_number,name FROM local_offices WHERE id=?`, id.String()))
}

func (r Repo) GetLocalOfficeByNumber(ctx context.Context, number string) (domain.LocalOffice, error) {
	return scanLocalOffice(r.DB.QueryRowContext(ctx, `SELECT id,office_number,name FROM local_offices WHERE office_number=?`, number))
}

// upsertByNaturalKey drops a row that holds the same natural key under
// another id before running the upsert, so a key reissued with a new id
// replaces the stale row instead of failing the UNIQUE constraint.
func (r Repo) upsertByNaturalKey(ctx context.Context, table, keyColumn, key string, id uuid.UUID, upsert string, args ...any) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+keyColumn+`=? AND id<>?`, key, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertLocalOffice(ctx context.Context, o domain.LocalOffice) error {
	return r.upsertByNaturalKey(ctx, "local_offices", "office_number", o.OfficeNumber, o.ID, `INSERT INTO local_offices(id,office_number,name,modified_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET office_number=excluded.office_number, name=excluded.name, modified_at=excluded.modified_at`,
		o.ID.String(), o.OfficeNumber, o.Name, formatTime(time.Now()))
}

func (r Repo) DeleteLocalOffice(ctx context.Context, id uuid.UUID) error {
	_, err := deleteWhere(ctx, r.DB, `DELETE FROM local_offices WHERE id=?`, id.String())
	return err
}

func scanCaseWorker(row *sql.Row) (domain.CaseWorker, error) {
	var (
		c            domain.CaseWorker
		rawID        string
		phone, email sql.NullString
	)
	err := row.Scan(&rawID, &c.Ident, &c.Name, &phone, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Phone, c.Email = phone.String, email.String
	c.ID, err = uuid.Parse(rawID)
	return c, err
}

func (r Repo) GetCaseWorker(ctx context.Context, id uuid.UUID) (domain.CaseWorker, error) {
	return scanCaseWorker(r.DB.QueryRowContext(ctx, `SELECT id,ident,name,phone,email FROM case_workers WHERE id=?`, id.String()))
}

func (r Repo) GetCaseWorkerByIdent(ctx context.Context, ident string) (domain.CaseWorker, error) {
	return scanCaseWorker(r.DB.QueryRowContext(ctx, `SELECT id,ident,name,phone,email FROM case_workers WHERE ident=?`, ident))
}

func (r Repo) UpsertCaseWorker(ctx context.Context, c domain.CaseWorker) error {
	return r.upsertByNaturalKey(ctx, "case_workers", "ident", c.Ident, c.ID, `INSERT INTO case_workers(id,ident,name,phone,email,modified_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET ident=excluded.ident, name=excluded.name, phone=excluded.phone, email=excluded.email, modified_at=excluded.modified_at`,
		c.ID.String(), c.Ident, c.Name, nullable(c.Phone), nullable(c.Email), formatTime(time.Now()))
}

func (r Repo) DeleteCaseWorker(ctx context.Context, id uuid.UUID) error {
	_, err := deleteWhere(ctx, r.DB, `DELETE FROM case_workers WHERE id=?`, id.String())
	return err
}

const personColumns = `id,ident,first_name,middle_name,last_name,phone,email,shielded,address_protection,case_worker_id,local_office_id`

func scanPerson(row *sql.Row) (domain.Person, error) {
	var (
		p                                   domain.Person
		rawID                               string
		middle, phone, email, protection    sql.NullString
		caseWorkerID, localOfficeID         sql.NullString
		shielded                            int
	)
	err := row.Scan(&rawID, &p.Ident, &p.FirstName, &middle, &p.LastName, &phone, &email, &shielded, &protection, &caseWorkerID, &localOfficeID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.ID, err = uuid.Parse(rawID); err != nil {
		return p, err
	}
	p.MiddleName, p.Phone, p.Email, p.AddressProtection = middle.String, phone.String, email.String, protection.String
	p.Shielded = shielded == 1
	if p.CaseWorkerID, err = parseNullUUID(caseWorkerID); err != nil {
		return p, err
	}
	p.LocalOfficeID, err = parseNullUUID(localOfficeID)
	return p, err
}

func (r Repo) GetPerson(ctx context.Context, id uuid.UUID) (domain.Person, error) {
	return scanPerson(r.DB.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id=?`, id.String()))
}

func (r Repo) GetPersonByIdent(ctx context.Context, ident string) (domain.Person, error) {
	return scanPerson(r.DB.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE ident=?`, ident))
}

func (r Repo) UpsertPerson(ctx context.Context, p domain.Person) error {
	return r.upsertByNaturalKey(ctx, "persons", "ident", p.Ident, p.ID, `INSERT INTO persons(`+personColumns+`,modified_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET ident=excluded.ident, first_name=excluded.first_name, middle_name=excluded.middle_name,
 last_name=excluded.last_name, phone=excluded.phone, email=excluded.email, shielded=excluded.shielded,
 address_protection=excluded.address_protection, case_worker_id=excluded.case_worker_id,
 local_office_id=excluded.local_office_id, modified_at=excluded.modified_at`,
		p.ID.String(), p.Ident, p.FirstName, nullable(p.MiddleName), p.LastName, nullable(p.Phone), nullable(p.Email),
		boolInt(p.Shielded), nullable(p.AddressProtection), nullableUUID(p.CaseWorkerID), nullableUUID(p.LocalOfficeID),
		formatTime(time.Now()))
}

func (r Repo) DeletePerson(ctx context.Context, id uuid.UUID) error {
	_, err := deleteWhere(ctx, r.DB, `DELETE FROM persons WHERE id=?`, id.String())
	return err
}
