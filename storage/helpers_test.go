package storage

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stacklok/toolhive-core/logging"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DialectSQLite, filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, opts Options) *SQLStore {
	t.Helper()
	if opts.DB == nil {
		opts.DB = newTestDB(t)
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.WithOutput(io.Discard))
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ready(t.Context()))
	return s
}

// fakeClock is a settable time source for SQLStore.now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
