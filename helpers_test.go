package kisa

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stacklok/toolhive-core/logging"
	"github.com/stretchr/testify/require"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

func discardLogger() *slog.Logger {
	return logging.New(logging.WithOutput(io.Discard))
}

func newTestStore(t *testing.T, mutate func(*types.Config), opts ...Option) *storage.SQLStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "sessions.db")
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := CreateStore(t.Context(), cfg, append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseStore(store) })
	return store
}
