package schemastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// PatternLogEntry is one line of the accepted-pattern log.
type PatternLogEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Utterance   string    `json:"utterance"`
	SQL         string    `json:"sql"`
	Tables      []string  `json:"tables,omitempty"`
	Insights    []string  `json:"insights,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// PatternLog appends accepted patterns to a JSON lines file.
// A zero path disables it.
type PatternLog struct {
	path string
	mu   sync.Mutex
}

// NewPatternLog returns a log writing to path.
func NewPatternLog(path string) *PatternLog {
	return &PatternLog{path: path}
}

// Append writes one entry for p.
func (l *PatternLog) Append(p *models.LearnedPattern) error {
	if l == nil || l.path == "" {
		return nil
	}

	line, err := json.Marshal(PatternLogEntry{
		Fingerprint: p.Fingerprint,
		Utterance:   p.Utterance,
		SQL:         p.SQL,
		Tables:      p.Tables,
		Insights:    p.Insights,
		RecordedAt:  p.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal pattern log entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pattern log directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pattern log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write pattern log: %w", err)
	}
	return f.Close()
}
