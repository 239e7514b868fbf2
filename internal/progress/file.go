package progress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const (
	stateFile     = "state.json"
	stateTempFile = "state.json.tmp"
	completedFile = "completed.log"
)

// fileState is the content of state.json. CompletedBytes is the committed
// length of completed.log, anything written after it belongs to a checkpoint
// which never finished and is discarded.
type fileState struct {
	Version        int       `json:"version"`
	RunID          string    `json:"run_id"`
	Cursor         uint64    `json:"cursor"`
	CompletedBytes int64     `json:"completed_bytes"`
	CompletedCount int       `json:"completed_count"`
	Updated        time.Time `json:"updated"`
}

// FileStore keeps progress in a directory: completed.log, one target per
// line, is appended and synced first, then state.json is atomically replaced.
// A crash between the two leaves the previous state.json pointing before the
// torn tail of the log.
type FileStore struct {
	root   *os.Root
	log    *os.File
	size   int64
	loaded bool
}

func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Load(ctx context.Context) (State, bool, error) {
	if s.root == nil {
		return State{}, false, model.ErrStoreClosed
	}

	st, ok, err := readState(s.root)
	if err != nil {
		return State{}, false, err
	}
	completed, err := readCompleted(s.root, st.CompletedBytes)
	if err != nil {
		return State{}, false, err
	}
	if err := s.openLog(st.CompletedBytes); err != nil {
		return State{}, false, err
	}
	s.loaded = true

	if !ok {
		return State{}, false, nil
	}
	return st.state(ctx, completed), true, nil
}

// peekFile loads the last checkpoint from dir without creating or
// truncating anything. A concurrent Save only appends past the committed
// length of completed.log, so it never affects what is read here.
func peekFile(ctx context.Context, dir string) (State, bool, error) {
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	defer root.Close()

	st, ok, err := readState(root)
	if err != nil || !ok {
		return State{}, false, err
	}
	completed, err := readCompleted(root, st.CompletedBytes)
	if err != nil {
		return State{}, false, err
	}
	return st.state(ctx, completed), true, nil
}

func readState(root *os.Root) (fileState, bool, error) {
	var st fileState
	b, err := root.ReadFile(stateFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fileState{}, false, nil
	case err != nil:
		return fileState{}, false, fmt.Errorf("reading %s: %w", stateFile, err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return fileState{}, false, fmt.Errorf("%w: parsing %s: %w", model.ErrCorruptState, stateFile, err)
	}
	if st.Version != stateVersion {
		return fileState{}, false, fmt.Errorf("%w: unsupported version %d", model.ErrCorruptState, st.Version)
	}
	return st, true, nil
}

func (st fileState) state(ctx context.Context, completed map[model.Target]struct{}) State {
	if len(completed) != st.CompletedCount {
		slog.WarnContext(ctx, "completed count mismatch", "expected", st.CompletedCount, "got", len(completed))
	}
	return State{
		Version:   st.Version,
		RunID:     st.RunID,
		Cursor:    st.Cursor,
		Completed: completed,
		Updated:   st.Updated,
	}
}

func readCompleted(root *os.Root, size int64) (map[model.Target]struct{}, error) {
	completed := make(map[model.Target]struct{})
	if size == 0 {
		return completed, nil
	}
	f, err := root.Open(completedFile)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", model.ErrCorruptState, completedFile, err)
	}
	defer f.Close()

	lr := &io.LimitedReader{R: f, N: size}
	br := bufio.NewReader(lr)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				return nil, fmt.Errorf("%w: %s: truncated record", model.ErrCorruptState, completedFile)
			}
			completed[line[:len(line)-1]] = struct{}{}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", completedFile, err)
		}
	}
	if lr.N > 0 {
		return nil, fmt.Errorf("%w: %s is shorter than %d bytes", model.ErrCorruptState, completedFile, size)
	}
	return completed, nil
}

// openLog opens completed.log for writing and drops any uncommitted tail.
func (s *FileStore) openLog(size int64) error {
	if s.log != nil {
		_ = s.log.Close()
		s.log = nil
	}
	f, err := s.root.OpenFile(completedFile, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", completedFile, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncating %s: %w", completedFile, err)
	}
	s.log = f
	s.size = size
	return nil
}

func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if s.root == nil {
		return model.ErrStoreClosed
	}
	if !s.loaded {
		if _, _, err := s.Load(ctx); err != nil {
			return err
		}
	}

	size := s.size
	if len(snap.Added) > 0 {
		var buf bytes.Buffer
		for _, target := range snap.Added {
			buf.WriteString(target)
			buf.WriteByte('\n')
		}
		// WriteAt, so a failed save is simply overwritten by the next one
		n, err := s.log.WriteAt(buf.Bytes(), size)
		if err != nil {
			return fmt.Errorf("writing %s: %w", completedFile, err)
		}
		if err := s.log.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", completedFile, err)
		}
		size += int64(n)
	}

	st := fileState{
		Version:        stateVersion,
		RunID:          snap.RunID,
		Cursor:         snap.Cursor,
		CompletedBytes: size,
		CompletedCount: snap.Count,
		Updated:        snap.Updated,
	}
	if err := s.replaceState(st); err != nil {
		return err
	}
	s.size = size
	return nil
}

func (s *FileStore) replaceState(st fileState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	f, err := s.root.Create(stateTempFile)
	if err != nil {
		return fmt.Errorf("creating %s: %w", stateTempFile, err)
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", stateTempFile, err)
	}
	if err := s.root.Rename(stateTempFile, stateFile); err != nil {
		return fmt.Errorf("replacing %s: %w", stateFile, err)
	}

	dir, err := s.root.Open(".")
	if err != nil {
		return fmt.Errorf("syncing progress directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("syncing progress directory: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	if s.root == nil {
		return model.ErrStoreClosed
	}
	var errs []error
	if s.log != nil {
		errs = append(errs, s.log.Close())
		s.log = nil
	}
	errs = append(errs, s.root.Close())
	s.root = nil
	return errors.Join(errs...)
}
