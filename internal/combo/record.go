package combo

import "time"

// TimeLayout is the serialized form of every record timestamp. The
// fraction is fixed width so that text order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp is a stored point in time.
//
// It keeps the raw text so that a corrupted value is visible to callers
// instead of being silently replaced by the zero time.
type Timestamp string

// NewTimestamp formats t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(TimeLayout))
}

// IsZero reports whether no timestamp was stored.
func (t Timestamp) IsZero() bool {
	return t == ""
}

// Time parses the timestamp. Offsets, a trailing Z and fractions of any
// width, including none, are accepted.
func (t Timestamp) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, string(t))
}

// Record is the durable state of one combination.
type Record struct {
	Key      string `json:"id"`
	Operator string `json:"operator"`
	Contract string `json:"contract"`
	Version  string `json:"version"`
	Status   Status `json:"status"`
	Retries  int64  `json:"retries"`

	RegisteredAt Timestamp `json:"registered_at,omitempty"`
	StartedAt    Timestamp `json:"started_at,omitempty"`
	ResetAt      Timestamp `json:"reset_at,omitempty"`
	EndedAt      Timestamp `json:"ended_at,omitempty"`
	LastUpdated  Timestamp `json:"last_updated,omitempty"`

	Error        string `json:"error,omitempty"`
	ResetReason  string `json:"reset_reason,omitempty"`
	ExecutionRef string `json:"execution_ref,omitempty"`

	PreprocessID string `json:"preprocess_id,omitempty"`
	TempLocation string `json:"temp_location,omitempty"`

	MacroRunID       string `json:"macro_run_id,omitempty"`
	MacroStatus      string `json:"macro_status,omitempty"`
	MacroStopsRunID  string `json:"macro_stops_run_id,omitempty"`
	MacroStopsStatus string `json:"macro_stops_status,omitempty"`
}

// Identity returns the identity fields of the record.
func (r Record) Identity() Identity {
	return Identity{Operator: r.Operator, Contract: r.Contract, Version: r.Version}
}

// NewPendingRecord builds the record the registrar creates for a new identity.
func NewPendingRecord(id Identity, now time.Time) Record {
	ts := NewTimestamp(now)
	return Record{
		Key:          id.Key(),
		Operator:     id.Operator,
		Contract:     id.Contract,
		Version:      id.Version,
		Status:       StatusPending,
		Retries:      0,
		RegisteredAt: ts,
		LastUpdated:  ts,
	}
}

// CapacityKey identifies the singleton capacity counter.
const CapacityKey = "capacity_control"

// CapacityCounter tracks in-flight executions against a ceiling.
type CapacityCounter struct {
	Key              string    `json:"id"`
	ActiveExecutions int64     `json:"active_executions"`
	MaxExecutions    int64     `json:"max_executions"`
	LastUpdated      Timestamp `json:"last_updated,omitempty"`
}
