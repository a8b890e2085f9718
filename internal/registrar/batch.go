package registrar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// batchFile is the discovery output document.
type batchFile struct {
	Combinations []combo.Candidate `json:"combinations" yaml:"combinations"`
}

// LoadBatch reads a candidate batch from a JSON or YAML file.
// The format is chosen by extension; .yaml and .yml are YAML, anything else is JSON.
func LoadBatch(path string) ([]combo.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAMLBatch(data)
	default:
		return ParseJSONBatch(data)
	}
}

// ParseJSONBatch decodes a JSON batch. Numbers are kept as json.Number so
// that identifiers like 060 or 1e3 are not reformatted by a float round trip.
func ParseJSONBatch(data []byte) ([]combo.Candidate, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc batchFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	return nonEmpty(doc.Combinations)
}

// ParseYAMLBatch decodes a YAML batch.
func ParseYAMLBatch(data []byte) ([]combo.Candidate, error) {
	var doc batchFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	return nonEmpty(doc.Combinations)
}

func nonEmpty(batch []combo.Candidate) ([]combo.Candidate, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("parse batch: no combinations found")
	}
	return batch, nil
}
