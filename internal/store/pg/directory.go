package pg

import (
	"context"
	"database/sql"
	"errors"

	"yardlink.org/internal/notify"
)

// Directory reads employee contact details. The employees table belongs to
// the admin side; this adapter never writes to it.
type Directory struct {
	store *Store
}

var _ notify.Directory = (*Directory)(nil)

func NewDirectory(store *Store) *Directory { return &Directory{store: store} }

func (d *Directory) Lookup(ctx context.Context, employeeID string) (notify.Recipient, error) {
	var (
		r                  notify.Recipient
		phone, email, yard sql.NullString
	)
	err := d.store.q(ctx).QueryRowContext(ctx, `
		select id, full_name, phone, email, yard_id
		from employees
		where id = $1
	`, employeeID).Scan(&r.EmployeeID, &r.FullName, &phone, &email, &yard)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Recipient{}, notify.ErrRecipientNotFound
	}
	if err != nil {
		return notify.Recipient{}, err
	}
	r.Phone = phone.String
	r.Email = email.String
	r.YardID = yard.String
	return r, nil
}
