package sink_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/sink"

	"github.com/stretchr/testify/require"
)

var finished = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func outcome(target string, status model.Status) model.Outcome {
	return model.Outcome{
		Target:   target,
		Status:   status,
		Detail:   "230 Login successful, " + target,
		Attempt:  2,
		Finished: finished,
	}
}

func TestSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := sink.Open(dir, sink.Config{
		Buffer:  2,
		Formats: []sink.Format{sink.FormatList, sink.FormatJSONL, sink.FormatCSV},
		Prefix:  "ftp",
		RunID:   "run-1",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ftp.txt", "ftp.jsonl", "ftp.csv"}, s.Files())

	require.NoError(t, s.Record(outcome("1.1.1.1", model.StatusSuccess)))
	require.NoError(t, s.Record(outcome("2.2.2.2", model.StatusFailure)))
	require.NoError(t, s.Record(outcome("3.3.3.3", model.StatusTimeout)))
	require.Equal(t, 1, s.Pending())
	require.Zero(t, s.Count())

	// second success fills the buffer
	require.NoError(t, s.Record(outcome("4.4.4.4", model.StatusSuccess)))
	require.Zero(t, s.Pending())
	require.Equal(t, 2, s.Count())

	require.NoError(t, s.Record(outcome("5.5.5.5", model.StatusSuccess)))
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Record(outcome("6.6.6.6", model.StatusSuccess)), model.ErrSinkClosed)
	require.ErrorIs(t, s.Close(), model.ErrSinkClosed)

	b, err := os.ReadFile(filepath.Join(dir, "ftp.txt"))
	require.NoError(t, err)
	require.Equal(t, "1.1.1.1\n4.4.4.4\n5.5.5.5\n", string(b))

	f, err := os.Open(filepath.Join(dir, "ftp.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 3)
	require.Equal(t, map[string]any{
		"target":    "1.1.1.1",
		"detail":    "230 Login successful, 1.1.1.1",
		"timestamp": "2025-10-01T12:00:00Z",
		"attempt":   float64(2),
		"run_id":    "run-1",
	}, records[0])

	// reopen appends, the csv header is written once
	s, err = sink.Open(dir, sink.Config{Formats: []sink.Format{sink.FormatCSV}, Prefix: "ftp"})
	require.NoError(t, err)
	require.NoError(t, s.Record(outcome("7.7.7.7", model.StatusSuccess)))
	require.Equal(t, 1, s.Count(), "buffer defaults to one record")
	require.NoError(t, s.Close())

	b, err = os.ReadFile(filepath.Join(dir, "ftp.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Equal(t, []string{
		"target,detail,timestamp",
		`1.1.1.1,"230 Login successful, 1.1.1.1",2025-10-01T12:00:00Z`,
		`4.4.4.4,"230 Login successful, 4.4.4.4",2025-10-01T12:00:00Z`,
		`5.5.5.5,"230 Login successful, 5.5.5.5",2025-10-01T12:00:00Z`,
		`7.7.7.7,"230 Login successful, 7.7.7.7",2025-10-01T12:00:00Z`,
	}, lines)
}

func TestParseFormats(t *testing.T) {
	t.Parallel()
	formats, err := sink.ParseFormats(nil)
	require.NoError(t, err)
	require.Equal(t, []sink.Format{sink.FormatList}, formats)

	formats, err = sink.ParseFormats([]string{"csv", "jsonl", "csv"})
	require.NoError(t, err)
	require.Equal(t, []sink.Format{sink.FormatCSV, sink.FormatJSONL}, formats)

	_, err = sink.ParseFormats([]string{"xml"})
	require.ErrorIs(t, err, model.ErrUnknownFormat)

	_, err = sink.Open(t.TempDir(), sink.Config{Formats: []sink.Format{"xml"}})
	require.ErrorIs(t, err, model.ErrUnknownFormat)
}
