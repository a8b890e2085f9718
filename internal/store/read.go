package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// DefaultPageSize is the scan page size when none is given.
const DefaultPageSize = 100

// ScanOptions filters and paginates a Scan.
type ScanOptions struct {
	// Status restricts the scan to one stored status value. Empty means all.
	Status combo.Status

	// Limit is the page size. Zero means DefaultPageSize.
	Limit int

	// PageToken continues a previous scan. Empty starts from the beginning.
	PageToken string
}

// Page is one page of a Scan.
type Page struct {
	Records []combo.Record

	// NextPageToken is empty when the scan is done.
	NextPageToken string
}

// Get retrieves the record at key.
// Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (combo.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM combinations
		WHERE id = ?
	`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return combo.Record{}, ErrNotFound
	}
	if err != nil {
		return combo.Record{}, fmt.Errorf("get combination %s: %w", key, err)
	}
	return rec, nil
}

// Scan returns one page of records in key order.
//
// Pagination is keyset-based on the record key: the token is the last key
// of the previous page. Callers must loop until NextPageToken is empty; a
// single call never returns more than Limit records.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `SELECT ` + recordColumns + ` FROM combinations WHERE id > ?`
	args := []any{opts.PageToken}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	// Fetch one extra row to learn whether another page exists.
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("scan combinations: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return Page{}, err
	}

	page := Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.NextPageToken = page.Records[limit-1].Key
	}
	return page, nil
}

// ScanAll walks every page of a scan and calls fn for each record.
// Stops early if fn returns an error.
func (s *Store) ScanAll(ctx context.Context, opts ScanOptions, fn func(combo.Record) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.Scan(ctx, opts)
		if err != nil {
			return err
		}
		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		opts.PageToken = page.NextPageToken
	}
}

// Oldest returns up to limit records with the given status, oldest
// registered_at first, ties broken by key.
func (s *Store) Oldest(ctx context.Context, status combo.Status, limit int) ([]combo.Record, error) {
	if limit <= 0 {
		return []combo.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM combinations
		WHERE status = ?
		ORDER BY registered_at IS NULL, registered_at ASC, id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query oldest %s: %w", status, err)
	}
	return scanRecords(rows)
}

// CountByStatus returns the number of records per stored status value.
// A NULL status is counted under the empty string.
func (s *Store) CountByStatus(ctx context.Context) (map[combo.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(status, ''), COUNT(*)
		FROM combinations
		GROUP BY COALESCE(status, '')
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[combo.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[combo.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}
