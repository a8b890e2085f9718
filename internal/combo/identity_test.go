package combo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidate_Identity(t *testing.T) {
	c := Candidate{"operator": "60", "contract": "12", "version": "v1"}

	id, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, Identity{Operator: "60", Contract: "12", Version: "v1"}, id)
	assert.Equal(t, "60_12_v1", id.Key())
}

func TestCandidate_Identity_DiscoveryFieldNames(t *testing.T) {
	c := Candidate{"P_EMPRESA": "60", "P_CONTR": "12", "P_VERSION": "v1", "status": "pending"}

	id, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, "60_12_v1", id.Key())
}

func TestCandidate_Identity_CoercesScalars(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want string
	}{
		{"float64", Candidate{"operator": float64(60), "contract": float64(12), "version": "v1"}, "60_12_v1"},
		{"int", Candidate{"operator": 60, "contract": 12, "version": 3}, "60_12_3"},
		{"json number", Candidate{"operator": json.Number("60"), "contract": json.Number("12"), "version": "v1"}, "60_12_v1"},
		{"bool", Candidate{"operator": true, "contract": "12", "version": "v1"}, "true_12_v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.c.Identity()
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Key())
		})
	}
}

func TestCandidate_Identity_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		c     Candidate
		field string
	}{
		{"missing operator", Candidate{"contract": "12", "version": "v1"}, "operator"},
		{"empty contract", Candidate{"operator": "60", "contract": "", "version": "v1"}, "contract"},
		{"blank version", Candidate{"operator": "60", "contract": "12", "version": "   "}, "version"},
		{"nil operator", Candidate{"operator": nil, "contract": "12", "version": "v1"}, "operator"},
		{"nested value", Candidate{"operator": map[string]any{"x": 1}, "contract": "12", "version": "v1"}, "operator"},
		{"separator in contract", Candidate{"operator": "60", "contract": "12_v1", "version": "x"}, "contract"},
		{"separator in discovery field", Candidate{"P_EMPRESA": "60_12", "P_CONTR": "v1", "P_VERSION": "x"}, "operator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.c.Identity()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCandidate_Identity_NormalizesUnicode(t *testing.T) {
	// "é" as a single code point vs "e" + combining acute accent.
	composed := Candidate{"operator": "caf\u00e9", "contract": "1", "version": "v1"}
	decomposed := Candidate{"operator": "cafe\u0301", "contract": "1", "version": "v1"}

	a, err := composed.Identity()
	require.NoError(t, err)
	b, err := decomposed.Identity()
	require.NoError(t, err)

	assert.Equal(t, a.Key(), b.Key())
}

func TestCandidate_Label(t *testing.T) {
	assert.Equal(t, "60_?_v1", Candidate{"operator": "60", "version": "v1"}.Label())
}
