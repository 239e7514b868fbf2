package progress_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/progress"

	"github.com/stretchr/testify/require"
)

// snapshotDir returns the content of every file in dir.
func snapshotDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	ret := make(map[string]string, len(entries))
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		ret[e.Name()] = string(b)
	}
	return ret
}

func TestPeekMissing(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		cfg      func(dir string) model.Progress
	}{
		{
			scenario: "file",
			cfg: func(dir string) model.Progress {
				return model.Progress{Store: model.StoreFile, Path: filepath.Join(dir, "progress")}
			},
		},
		{
			scenario: "sqlite",
			cfg: func(dir string) model.Progress {
				return model.Progress{Store: model.StoreSQLite, Path: filepath.Join(dir, "progress.db")}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			dir := t.TempDir()
			_, ok, err := progress.Peek(t.Context(), tc.cfg(dir))
			require.NoError(t, err)
			require.False(t, ok)
			require.Empty(t, snapshotDir(t, dir), "nothing is created")
		})
	}

	_, _, err := progress.Peek(t.Context(), model.Progress{Store: "redis"})
	require.Error(t, err)
}

func TestPeekReadOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgs := map[string]model.Progress{
		"file":   {Store: model.StoreFile, Path: filepath.Join(dir, "progress")},
		"sqlite": {Store: model.StoreSQLite, Path: filepath.Join(dir, "db", "progress.db")},
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "db"), 0o755))

	for name, cfg := range cfgs {
		t.Run(name, func(t *testing.T) {
			store, err := progress.Open(t.Context(), cfg)
			require.NoError(t, err)
			_, _, err = store.Load(t.Context())
			require.NoError(t, err)
			require.NoError(t, store.Save(t.Context(), progress.Snapshot{
				RunID:   "run",
				Cursor:  1,
				Added:   []model.Target{"a"},
				Count:   1,
				Updated: time.Now(),
			}))
			require.NoError(t, store.Close())

			storeDir := filepath.Dir(cfg.Path)
			if cfg.Store == model.StoreFile {
				storeDir = cfg.Path
			}
			before := snapshotDir(t, storeDir)

			state, ok, err := progress.Peek(t.Context(), cfg)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "run", state.RunID)
			require.Equal(t, uint64(1), state.Cursor)
			require.Equal(t, map[model.Target]struct{}{"a": {}}, state.Completed)
			require.Equal(t, before, snapshotDir(t, storeDir))
		})
	}
}

func TestPeekDuringSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := model.Progress{Store: model.StoreFile, Path: dir}

	store, err := progress.OpenFileStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, _, err = store.Load(t.Context())
	require.NoError(t, err)
	require.NoError(t, store.Save(t.Context(), progress.Snapshot{
		RunID:  "run",
		Cursor: 1,
		Added:  []model.Target{"a"},
		Count:  1,
	}))

	// a save in progress: the log is appended, state.json not replaced yet
	f, err := os.OpenFile(filepath.Join(dir, "completed.log"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("b\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	state, ok, err := progress.Peek(t.Context(), cfg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[model.Target]struct{}{"a": {}}, state.Completed)

	b, err := os.ReadFile(filepath.Join(dir, "completed.log"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(b), "the uncommitted tail is left alone")

	// the running sweep finishes its checkpoint and can be resumed
	require.NoError(t, store.Save(t.Context(), progress.Snapshot{
		RunID:  "run",
		Cursor: 2,
		Added:  []model.Target{"c"},
		Count:  2,
	}))
	require.NoError(t, store.Close())

	store, err = progress.OpenFileStore(dir)
	require.NoError(t, err)
	state, ok, err = store.Load(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), state.Cursor)
	require.Equal(t, map[model.Target]struct{}{"a": {}, "c": {}}, state.Completed)
}
