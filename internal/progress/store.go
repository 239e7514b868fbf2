package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const stateVersion = 1

// State is the durable progress of a scan. All input lines up to and
// including Cursor have been processed, Completed holds every target which
// produced an outcome.
type State struct {
	Version   int
	RunID     string
	Cursor    uint64
	Completed map[model.Target]struct{}
	Updated   time.Time
}

// Snapshot is one checkpoint: the cursor and the targets completed since
// the previous successful checkpoint. A Store must persist both or neither.
type Snapshot struct {
	RunID   string
	Cursor  uint64
	Added   []model.Target
	Count   int // size of the completed set including Added
	Updated time.Time
}

// Store persists checkpoints. Load reports false when no checkpoint was
// ever saved, which is different from a saved empty state.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Open returns the Store configured by cfg.
func Open(ctx context.Context, cfg model.Progress) (Store, error) {
	switch cfg.Store {
	case model.StoreFile, "":
		return OpenFileStore(cfg.Path)
	case model.StoreSQLite:
		return OpenSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown progress store %q", cfg.Store)
	}
}

// Peek returns the last checkpoint of the store configured by cfg. Unlike
// Open and Load it never creates, repairs or locks anything, so it is safe
// while a sweep is checkpointing into the same store.
func Peek(ctx context.Context, cfg model.Progress) (State, bool, error) {
	switch cfg.Store {
	case model.StoreFile, "":
		return peekFile(ctx, cfg.Path)
	case model.StoreSQLite:
		return peekSQLite(ctx, cfg.Path)
	default:
		return State{}, false, fmt.Errorf("unknown progress store %q", cfg.Store)
	}
}
