package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashita-ai/raidline/internal/model"
)

// jsonlLog appends snapshots to one newline-delimited JSON file per target.
type jsonlLog struct {
	dir string
	mu  sync.Mutex
}

func newJSONLLog(dir string) (*jsonlLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("monitor: create snapshot dir: %w", err)
	}
	return &jsonlLog{dir: dir}, nil
}

func (l *jsonlLog) path(targetID string) string {
	return filepath.Join(l.dir, targetID+".jsonl")
}

func (l *jsonlLog) append(s model.Snapshot) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("monitor: encode snapshot: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path(s.TargetID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("monitor: open snapshot log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("monitor: write snapshot log: %w", err)
	}
	return f.Close()
}
