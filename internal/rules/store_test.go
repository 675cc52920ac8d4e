package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

func TestStoreLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(logging.NewLogger(), filepath.Join(t.TempDir(), "rules.json"))
	rules, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	s := NewStore(logging.NewLogger(), path)

	in := []Rule{officeRule("r1")}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStoreSavePreservesUnknownConditions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	doc := `[{"id":"r1","name":"n","enabled":true,"conditions":[{"type":"geofence","radius_m":50}],"action":{"type":"START_BLAST"}}]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s := NewStore(logging.NewLogger(), path)
	rules, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Save(rules))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "geofence")
}

func TestStoreLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(logging.NewLogger(), path)
	_, err := s.Load()
	assert.Error(t, err)
}

func TestStoreWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	s := NewStore(logging.NewLogger(), path)
	require.NoError(t, s.Save([]Rule{officeRule("r1")}))

	var reloads atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx, func(rules []Rule) {
			if len(rules) == 2 {
				reloads.Add(1)
			}
		})
	}()

	// Give the watcher a beat to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Save([]Rule{officeRule("r1"), officeRule("r2")}))

	require.Eventually(t, func() bool { return reloads.Load() >= 1 },
		3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
