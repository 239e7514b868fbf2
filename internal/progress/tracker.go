// Package progress tracks which input lines and targets were processed and
// persists that as checkpoints.
//
// Targets complete out of order, so the cursor is a watermark: it is the
// highest line number such that every line at or below it was either skipped
// by the source or produced an outcome. Targets completed above the cursor
// are kept in the completed set, which is used as an exclusion set when the
// scan is resumed. Anything not covered by the last checkpoint is probed
// again after a restart.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/google/uuid"
)

type Tracker struct {
	mx      sync.Mutex
	store   Store
	runID   string
	resumed bool

	completed map[model.Target]struct{}
	inflight  map[model.Target]struct{}
	added     []model.Target // completed since the last checkpoint

	lastRead    uint64   // highest line seen by the source
	outstanding []uint64 // dispatched lines in increasing order
	done        map[uint64]struct{}
	cursor      uint64
	saved       uint64
}

// Load restores the tracker from store, a fresh tracker with a new run id is
// returned when the store is empty.
func Load(ctx context.Context, store Store) (*Tracker, error) {
	state, ok, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	t := &Tracker{
		store:     store,
		resumed:   ok,
		completed: state.Completed,
		inflight:  make(map[model.Target]struct{}),
		done:      make(map[uint64]struct{}),
	}
	if t.completed == nil {
		t.completed = make(map[model.Target]struct{})
	}
	if ok {
		t.runID = state.RunID
		t.cursor = state.Cursor
		t.lastRead = state.Cursor
		t.saved = state.Cursor
		slog.DebugContext(ctx, "progress loaded", "run_id", t.runID, "cursor", t.cursor, "completed", len(t.completed))
	} else {
		t.runID = uuid.NewString()
		slog.DebugContext(ctx, "no progress found, starting from scratch", "run_id", t.runID)
	}
	return t, nil
}

func (t *Tracker) RunID() string {
	return t.runID
}

// Resumed is true if a previous checkpoint was loaded.
func (t *Tracker) Resumed() bool {
	return t.resumed
}

// Contains reports whether target is completed or in flight. The Tracker is
// the exclusion set of a resumed source.
func (t *Tracker) Contains(target model.Target) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.completed[target]; ok {
		return true
	}
	_, ok := t.inflight[target]
	return ok
}

// Dispatch registers target read from line as in flight. Lines between the
// previous dispatch and line are considered skipped. It returns false for a
// target which is already completed or in flight, such line counts as
// processed.
func (t *Tracker) Dispatch(target model.Target, line uint64) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.lastRead = max(t.lastRead, line)
	_, completed := t.completed[target]
	_, inflight := t.inflight[target]
	if completed || inflight {
		t.advanceCursor()
		return false
	}
	t.inflight[target] = struct{}{}
	t.outstanding = append(t.outstanding, line)
	t.advanceCursor()
	return true
}

// Skip marks all lines up to line, which were not dispatched, as processed.
func (t *Tracker) Skip(line uint64) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.lastRead = max(t.lastRead, line)
	t.advanceCursor()
}

// Advance marks target from line as completed. It is idempotent.
func (t *Tracker) Advance(target model.Target, line uint64) {
	t.mx.Lock()
	defer t.mx.Unlock()
	delete(t.inflight, target)
	if _, ok := t.completed[target]; !ok {
		t.completed[target] = struct{}{}
		t.added = append(t.added, target)
	}
	if line > t.cursor {
		t.done[line] = struct{}{}
	}
	t.advanceCursor()
}

func (t *Tracker) advanceCursor() {
	head := 0
	for head < len(t.outstanding) {
		if _, ok := t.done[t.outstanding[head]]; !ok {
			break
		}
		delete(t.done, t.outstanding[head])
		head++
	}
	if head > 0 {
		t.outstanding = slices.Delete(t.outstanding, 0, head)
	}

	next := t.lastRead
	if len(t.outstanding) > 0 {
		next = t.outstanding[0] - 1
	}
	t.cursor = max(t.cursor, next)
}

// Cursor returns the number of leading input lines fully processed.
func (t *Tracker) Cursor() uint64 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.cursor
}

// Saved returns the cursor of the last successful checkpoint.
func (t *Tracker) Saved() uint64 {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.saved
}

func (t *Tracker) Completed() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.completed)
}

func (t *Tracker) InFlight() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.inflight)
}

// Checkpoint persists the cursor and the completed set. If the store fails,
// nothing is lost: the same targets are part of the next checkpoint.
func (t *Tracker) Checkpoint(ctx context.Context) error {
	t.mx.Lock()
	snap := Snapshot{
		RunID:   t.runID,
		Cursor:  t.cursor,
		Added:   slices.Clone(t.added),
		Count:   len(t.completed),
		Updated: time.Now().UTC(),
	}
	t.mx.Unlock()

	if err := t.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("checkpoint at line %d: %w", snap.Cursor, err)
	}

	t.mx.Lock()
	t.added = slices.Delete(t.added, 0, len(snap.Added))
	t.saved = snap.Cursor
	t.mx.Unlock()
	slog.DebugContext(ctx, "checkpoint saved", "cursor", snap.Cursor, "added", len(snap.Added), "completed", snap.Count)
	return nil
}
