package combo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins the three identity fields into the record key.
// Identity fields may not contain it, so distinct identities never share a key.
const KeySeparator = "_"

// Identity is the natural key of a combination.
type Identity struct {
	Operator string `json:"operator"`
	Contract string `json:"contract"`
	Version  string `json:"version"`
}

// Key returns the single-string store key for the identity.
func (id Identity) Key() string {
	return id.Operator + KeySeparator + id.Contract + KeySeparator + id.Version
}

func (id Identity) String() string {
	return id.Key()
}

// Complete reports whether all three identity fields are non-empty.
func (id Identity) Complete() bool {
	return id.Operator != "" && id.Contract != "" && id.Version != ""
}

// Candidate is one raw entry of a discovered batch, before validation.
type Candidate map[string]any

// Field aliases accepted for each identity component. The first name is
// canonical; the second is the name produced by the discovery crawler.
var (
	operatorFields = []string{"operator", "P_EMPRESA"}
	contractFields = []string{"contract", "P_CONTR"}
	versionFields  = []string{"version", "P_VERSION"}
)

// ValidationError reports a malformed candidate. It never aborts a batch.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid candidate: field %s %s", e.Field, e.Message)
}

// Label returns a best-effort key for logging a candidate that may not validate.
func (c Candidate) Label() string {
	parts := make([]string, 0, 3)
	for _, names := range [][]string{operatorFields, contractFields, versionFields} {
		v, _ := lookupField(c, names)
		s, _ := coerceString(v)
		if s == "" {
			s = "?"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, KeySeparator)
}

// Identity validates the candidate and returns its normalized identity.
//
// Each identity field must be present and non-empty. Non-string scalar
// values are coerced to strings rather than rejected. Values are trimmed
// and normalized to Unicode NFC so that visually identical keys collide.
// A value containing KeySeparator is rejected.
func (c Candidate) Identity() (Identity, error) {
	var id Identity
	for _, f := range []struct {
		names []string
		dst   *string
	}{
		{operatorFields, &id.Operator},
		{contractFields, &id.Contract},
		{versionFields, &id.Version},
	} {
		raw, ok := lookupField(c, f.names)
		if !ok {
			return Identity{}, &ValidationError{Field: f.names[0], Message: "is required"}
		}
		s, ok := coerceString(raw)
		if !ok {
			return Identity{}, &ValidationError{Field: f.names[0], Message: fmt.Sprintf("has unsupported type %T", raw)}
		}
		s = norm.NFC.String(strings.TrimSpace(s))
		if s == "" {
			return Identity{}, &ValidationError{Field: f.names[0], Message: "is empty"}
		}
		if strings.Contains(s, KeySeparator) {
			return Identity{}, &ValidationError{Field: f.names[0], Message: fmt.Sprintf("contains key separator %q", KeySeparator)}
		}
		*f.dst = s
	}
	return id, nil
}

func lookupField(c Candidate, names []string) (any, bool) {
	for _, name := range names {
		if v, ok := c[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// coerceString converts scalar values to their string form.
// nil coerces to the empty string so that it is reported as empty.
func coerceString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}
