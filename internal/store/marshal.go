package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// recordColumns is the column list shared by every combination SELECT.
// Order must match scanRecord.
const recordColumns = `id, operator, contract, version, status, retries,
	registered_at, started_at, reset_at, ended_at, last_updated,
	error, reset_reason, execution_ref, preprocess_id, temp_location,
	macro_run_id, macro_status, macro_stops_run_id, macro_stops_status`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one combination row. Text columns are nullable so that
// corrupted rows can still be read; NULL maps to the empty string.
func scanRecord(row rowScanner) (combo.Record, error) {
	var (
		rec  combo.Record
		cols [18]sql.NullString
	)

	err := row.Scan(
		&rec.Key, &cols[0], &cols[1], &cols[2], &cols[3], &rec.Retries,
		&cols[4], &cols[5], &cols[6], &cols[7], &cols[8],
		&cols[9], &cols[10], &cols[11], &cols[12], &cols[13],
		&cols[14], &cols[15], &cols[16], &cols[17],
	)
	if err != nil {
		return combo.Record{}, err
	}

	rec.Operator = cols[0].String
	rec.Contract = cols[1].String
	rec.Version = cols[2].String
	rec.Status = combo.Status(cols[3].String)
	rec.RegisteredAt = combo.Timestamp(cols[4].String)
	rec.StartedAt = combo.Timestamp(cols[5].String)
	rec.ResetAt = combo.Timestamp(cols[6].String)
	rec.EndedAt = combo.Timestamp(cols[7].String)
	rec.LastUpdated = combo.Timestamp(cols[8].String)
	rec.Error = cols[9].String
	rec.ResetReason = cols[10].String
	rec.ExecutionRef = cols[11].String
	rec.PreprocessID = cols[12].String
	rec.TempLocation = cols[13].String
	rec.MacroRunID = cols[14].String
	rec.MacroStatus = cols[15].String
	rec.MacroStopsRunID = cols[16].String
	rec.MacroStopsStatus = cols[17].String

	return rec, nil
}

// scanRecords drains rows into a slice. Returns an empty slice, not nil.
func scanRecords(rows *sql.Rows) ([]combo.Record, error) {
	defer rows.Close()

	records := []combo.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan combination: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate combinations: %w", err)
	}
	return records, nil
}

// nullString stores the empty string as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTimestamp stores the zero timestamp as NULL.
func nullTimestamp(ts combo.Timestamp) sql.NullString {
	return nullString(string(ts))
}
