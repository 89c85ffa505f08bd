package kisa

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

func TestCreateStoreSQLite(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, func(cfg *types.Config) {
		cfg.TableName = "web_sessions"
		cfg.AdditionalFields = map[string]string{"user_id": "TEXT"}
	})

	assert.Equal(t, "web_sessions", store.Model().Table())
	assert.True(t, store.Sweeping(), "default config starts the sweeper")

	rec, err := store.Set(t.Context(), "sid", &types.SessionData{})
	require.NoError(t, err)
	assert.Contains(t, rec.Extra, "user_id")
}

func TestCreateStoreWithExtension(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "sessions.db")
	cfg.AdditionalFields = map[string]string{"user_id": "TEXT"}
	disabled := time.Duration(0)
	cfg.CheckExpirationInterval = &disabled

	store, err := CreateStore(t.Context(), cfg,
		WithLogger(discardLogger()),
		WithMetrics(storage.NewMetrics(nil)),
		WithExtendDefaultFields(func(f types.Fields, data *types.SessionData) types.Fields {
			f["user_id"] = data.UserID
			return f
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseStore(store) })
	assert.False(t, store.Sweeping())

	rec, err := store.Set(t.Context(), "sid", &types.SessionData{UserID: "u-7"})
	require.NoError(t, err)
	assert.Equal(t, "u-7", rec.Extra["user_id"])
}

func TestCreateStoreRejectsInvalidType(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.StoreType = "memory"

	_, err := CreateStore(t.Context(), cfg)
	require.ErrorIs(t, err, storage.ErrConfiguration)
}
