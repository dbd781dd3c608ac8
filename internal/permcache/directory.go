package permcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PGDirectory answers ownership queries from the stores table.
type PGDirectory struct {
	db *sql.DB
}

var _ Directory = (*PGDirectory)(nil)

// NewPGDirectory wraps an existing connection pool.
func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

func (d *PGDirectory) StoreCompany(ctx context.Context, storeID string) (string, error) {
	var companyID string
	err := d.db.QueryRowContext(ctx,
		`select company_id from stores where id = $1`, storeID,
	).Scan(&companyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return companyID, nil
}

func (d *PGDirectory) StoreCompanies(ctx context.Context, storeIDs []string) (map[string]string, error) {
	if len(storeIDs) == 0 {
		return map[string]string{}, nil
	}
	placeholders := make([]string, len(storeIDs))
	args := make([]any, len(storeIDs))
	for i, id := range storeIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		`select id, company_id from stores where id in (%s)`,
		strings.Join(placeholders, ", "),
	)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string, len(storeIDs))
	for rows.Next() {
		var storeID, companyID string
		if err := rows.Scan(&storeID, &companyID); err != nil {
			return nil, err
		}
		result[storeID] = companyID
	}
	return result, rows.Err()
}
