// internal/state/runs.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/agentherd/internal/types"
)

// RunHistoryStore is a JSON-file-backed store for run history. It persists
// the {runs, updated_at} document the run manager exchanges with it.
type RunHistoryStore struct {
	path string
	mu   sync.RWMutex
}

// NewRunHistoryStore creates a file-backed store at the given file path.
func NewRunHistoryStore(path string) *RunHistoryStore {
	return &RunHistoryStore{path: path}
}

// Path returns the file path used by this store.
func (s *RunHistoryStore) Path() string {
	return s.path
}

// Load reads the persisted run history. A missing file yields an empty set.
func (s *RunHistoryStore) Load() (*types.PersistedRuns, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.PersistedRuns{}, nil
		}
		return nil, fmt.Errorf("read run history: %w", err)
	}

	var runs types.PersistedRuns
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("unmarshal run history: %w", err)
	}
	return &runs, nil
}

// Save writes the run history atomically (temp file then rename), stamping
// UpdatedAt.
func (s *RunHistoryStore) Save(runs *types.PersistedRuns) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp history: %w", err)
	}
	return nil
}
