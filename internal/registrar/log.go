package registrar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/gtfsbatch/internal/combo"
)

// logFileLayout is the timestamp embedded in registration log file names.
const logFileLayout = "20060102_150405"

// RunLog is the record written after each registration pass.
type RunLog struct {
	Timestamp combo.Timestamp `json:"timestamp"`
	Summary   Counts          `json:"summary"`
	BatchFile string          `json:"combinations_file"`
}

// WriteRunLog writes registration_log_<timestamp>.json under dir and
// returns its path.
func WriteRunLog(dir string, now time.Time, counts Counts, batchFile string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("write registration log: %w", err)
	}

	entry := RunLog{
		Timestamp: combo.NewTimestamp(now),
		Summary:   counts,
		BatchFile: batchFile,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("write registration log: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("registration_log_%s.json", now.UTC().Format(logFileLayout)))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write registration log: %w", err)
	}
	return path, nil
}
