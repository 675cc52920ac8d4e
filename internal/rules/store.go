package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

// Store persists the rule list as a JSON document: a top-level array of
// rules, each condition carrying a `type` discriminator. The file is the
// source of truth for cross-session rule state.
type Store struct {
	logger logging.Logger
	path   string
}

// NewStore creates a store for the given file path.
func NewStore(logger logging.Logger, path string) *Store {
	return &Store{logger: logger, path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the rule list. A missing file is an empty list, not an
// error.
func (s *Store) Load() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Rule{}, nil
		}
		return nil, fmt.Errorf("failed to read rule store: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rule store: %w", err)
	}
	return rules, nil
}

// Save writes the rule list atomically (temp file + rename). Unknown
// condition types read earlier are written back, not erased.
func (s *Store) Save(rules []Rule) error {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rule store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp rule store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write rule store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rule store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace rule store: %w", err)
	}
	return nil
}

// Watch reloads the store on file changes and hands the fresh list to
// onChange. Blocks until the context is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func([]Rule)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic saves replace the file,
	// which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch rule store dir: %w", err)
	}

	var debounce *time.Timer
	reload := func() {
		rules, err := s.Load()
		if err != nil {
			s.logger.WithError(err).Warn("Rule store reload failed")
			return
		}
		s.logger.WithField("rules", len(rules)).Info("Rule store reloaded")
		onChange(rules)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce editor write bursts.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Rule watcher error")
		}
	}
}
