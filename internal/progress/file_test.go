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

func TestFileStoreTornLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := progress.OpenFileStore(dir)
	require.NoError(t, err)
	_, ok, err := s.Load(t.Context())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Save(t.Context(), progress.Snapshot{
		RunID:   "run",
		Cursor:  2,
		Added:   []model.Target{"a", "b"},
		Count:   2,
		Updated: time.Now(),
	}))
	require.NoError(t, s.Close())

	// crash after the log was appended, before state.json was replaced
	f, err := os.OpenFile(filepath.Join(dir, "completed.log"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("c\nd")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = progress.OpenFileStore(dir)
	require.NoError(t, err)
	state, ok, err := s.Load(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run", state.RunID)
	require.Equal(t, uint64(2), state.Cursor)
	require.Equal(t, map[model.Target]struct{}{"a": {}, "b": {}}, state.Completed)

	require.NoError(t, s.Save(t.Context(), progress.Snapshot{
		RunID:  "run",
		Cursor: 3,
		Added:  []model.Target{"e"},
		Count:  3,
	}))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(filepath.Join(dir, "completed.log"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\ne\n", string(b))
}

func TestFileStoreCorrupt(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario  string
		state     string
		completed string
	}{
		{
			scenario: "not json",
			state:    "{",
		},
		{
			scenario: "unknown version",
			state:    `{"version": 42}`,
		},
		{
			scenario:  "log shorter than committed",
			state:     `{"version": 1, "run_id": "x", "cursor": 1, "completed_bytes": 10}`,
			completed: "a\n",
		},
		{
			scenario:  "log without the last newline",
			state:     `{"version": 1, "run_id": "x", "cursor": 1, "completed_bytes": 3}`,
			completed: "a\nb",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte(tt.state), 0o644))
			if tt.completed != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "completed.log"), []byte(tt.completed), 0o644))
			}
			s, err := progress.OpenFileStore(dir)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })

			_, _, err = s.Load(t.Context())
			require.ErrorIs(t, err, model.ErrCorruptState)
		})
	}
}
