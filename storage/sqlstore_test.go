package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/minus-twelve/kisa-sql/types"
)

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	expires := time.Date(2099, 1, 2, 3, 4, 5, 600, time.UTC)
	want := &types.SessionData{
		Cookie:    types.Cookie{Expires: &expires, Path: "/", HTTPOnly: true},
		UserID:    "user-1",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IP:        "10.0.0.1",
		CSRFToken: "csrf",
		Values: map[string]any{
			"foo":    float64(1),
			"ok":     true,
			"nested": map[string]any{"a": "b"},
			"list":   []any{"x", float64(2)},
		},
	}

	_, err := s.Set(ctx, "abc", want)
	require.NoError(t, err)

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})

	got, err := s.Get(t.Context(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetReturnsStoredRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now

	rec, err := s.Set(t.Context(), "sid-1", &types.SessionData{UserID: "u"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sid-1", rec.SID)
	assert.JSONEq(t, `{"cookie":{},"user_id":"u"}`, rec.Data)
	assert.True(t, rec.CreatedAt.Equal(clock.Now()))
	assert.True(t, rec.UpdatedAt.Equal(clock.Now()))
}

func TestSetExplicitExpiryIsPersistedExactly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{Expiration: time.Hour})

	expires := time.Date(2031, 7, 8, 9, 10, 11, 123456789, time.FixedZone("EST", -5*3600))
	rec, err := s.Set(t.Context(), "sid", &types.SessionData{Cookie: types.Cookie{Expires: &expires}})
	require.NoError(t, err)
	assert.True(t, rec.Expires.Equal(expires), "want %v, got %v", expires, rec.Expires)
}

func TestSetDefaultExpiry(t *testing.T) {
	t.Parallel()

	t.Run("fixed clock", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, Options{Expiration: 90 * time.Minute})
		clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
		s.now = clock.Now

		rec, err := s.Set(t.Context(), "sid", &types.SessionData{})
		require.NoError(t, err)
		assert.True(t, rec.Expires.Equal(clock.Now().Add(90*time.Minute)))
	})

	t.Run("wall clock", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t, Options{})

		rec, err := s.Set(t.Context(), "sid", nil)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(DefaultExpiration), rec.Expires, 5*time.Second)
	})
}

func TestSetOverwritesInPlace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now
	ctx := t.Context()

	first, err := s.Set(ctx, "sid", &types.SessionData{UserID: "first"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := s.Set(ctx, "sid", &types.SessionData{UserID: "second"})
	require.NoError(t, err)

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "created_at must survive the upsert")
	assert.True(t, second.UpdatedAt.Equal(clock.Now()))

	got, err := s.Get(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "second", got.UserID)
}

func TestConcurrentSetSameSID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	const writers = 8
	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			_, err := s.Set(ctx, "shared", &types.SessionData{UserID: fmt.Sprintf("writer-%d", i)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Regexp(t, `^writer-[0-7]$`, got.UserID)
}

func TestTouchRefreshesExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{Expiration: time.Hour})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now
	ctx := t.Context()

	data := &types.SessionData{UserID: "u"}
	before, err := s.Set(ctx, "sid", data)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	after, err := s.Touch(ctx, "sid", data)
	require.NoError(t, err)
	require.NotNil(t, after)

	assert.True(t, after.Expires.Equal(clock.Now().Add(time.Hour)))
	assert.True(t, after.Expires.After(before.Expires))
	assert.Equal(t, before.Data, after.Data)
}

func TestTouchMissingSIDCreatesNothing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	rec, err := s.Touch(ctx, "ghost", &types.SessionData{})
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTouchDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{DisableTouch: true, Expiration: time.Hour})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now
	ctx := t.Context()

	before, err := s.Set(ctx, "sid", &types.SessionData{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	rec, err := s.Touch(ctx, "sid", &types.SessionData{})
	require.NoError(t, err)
	assert.Nil(t, rec)

	stored, err := s.find(ctx, "sid")
	require.NoError(t, err)
	assert.True(t, stored.Expires.Equal(before.Expires))
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	_, err := s.Set(ctx, "sid", &types.SessionData{})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx, "sid"))
	require.NoError(t, s.Destroy(ctx, "sid"))
	require.NoError(t, s.Destroy(ctx, "never-existed"))

	got, err := s.Get(ctx, "sid")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClearExpiredSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = newFakeClock(now).Now
	ctx := t.Context()

	expiries := map[string]time.Time{
		"hour-ago":   now.Add(-time.Hour),
		"second-ago": now.Add(-time.Second),
		"nanos-ago":  now.Add(-time.Nanosecond),
		"exactly":    now,
		"future":     now.Add(time.Hour),
	}
	for sid, exp := range expiries {
		_, err := s.Set(ctx, sid, &types.SessionData{Cookie: types.Cookie{Expires: &exp}})
		require.NoError(t, err)
	}

	n, err := s.ClearExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	remaining, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	for _, sid := range []string{"exactly", "future"} {
		got, err := s.Get(ctx, sid)
		require.NoError(t, err)
		assert.NotNil(t, got, sid)
	}

	n, err = s.ClearExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredSessionReadableUntilSwept(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{Expiration: 1000 * time.Millisecond})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now
	ctx := t.Context()

	_, err := s.Set(ctx, "abc", &types.SessionData{Values: map[string]any{"foo": float64(1)}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"foo": float64(1)}, got.Values)

	clock.Advance(1001 * time.Millisecond)

	got, err = s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.NotNil(t, got, "stale sessions stay readable until a sweep runs")

	n, err := s.ClearExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFilterExpiredHidesStaleSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{Expiration: time.Second, FilterExpired: true})
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	s.now = clock.Now
	ctx := t.Context()

	_, err := s.Set(ctx, "abc", &types.SessionData{})
	require.NoError(t, err)

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clock.Advance(2 * time.Second)
	got, err = s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "filtered reads must not delete rows")
}

func TestLengthCountsExpiredRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	past := time.Now().Add(-time.Hour)
	_, err := s.Set(ctx, "old", &types.SessionData{Cookie: types.Cookie{Expires: &past}})
	require.NoError(t, err)
	_, err = s.Set(ctx, "new", &types.SessionData{})
	require.NoError(t, err)

	n, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExtendDefaultFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{
		AdditionalFields: map[string]string{"user_id": "TEXT"},
		ExtendDefaultFields: func(defaults types.Fields, data *types.SessionData) types.Fields {
			defaults["user_id"] = data.UserID
			return defaults
		},
	})
	ctx := t.Context()

	rec, err := s.Set(ctx, "sid", &types.SessionData{UserID: "u-42"})
	require.NoError(t, err)
	assert.Equal(t, "u-42", rec.Extra["user_id"])

	var stored string
	err = s.db.DB().QueryRowContext(ctx, `SELECT "user_id" FROM "sessions" WHERE "sid" = ?`, "sid").Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, "u-42", stored)
}

func TestDestroyByField(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{
		AdditionalFields: map[string]string{"user_id": "TEXT"},
		ExtendDefaultFields: func(defaults types.Fields, data *types.SessionData) types.Fields {
			defaults["user_id"] = data.UserID
			return defaults
		},
	})
	ctx := t.Context()

	for sid, user := range map[string]string{"a": "alice", "b": "alice", "c": "bob"} {
		_, err := s.Set(ctx, sid, &types.SessionData{UserID: user})
		require.NoError(t, err)
	}

	n, err := s.DestroyByField(ctx, "user_id", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, left)
	count, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.DestroyByField(ctx, "data", "x")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestExtendDefaultFieldsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		extend ExtendFunc
	}{
		{
			name: "sid replaced",
			extend: func(f types.Fields, _ *types.SessionData) types.Fields {
				f["sid"] = "other"
				return f
			},
		},
		{
			name: "unknown column",
			extend: func(f types.Fields, _ *types.SessionData) types.Fields {
				f["tenant"] = "t1"
				return f
			},
		},
		{
			name: "expires not a time",
			extend: func(f types.Fields, _ *types.SessionData) types.Fields {
				f["expires"] = "tomorrow"
				return f
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestStore(t, Options{ExtendDefaultFields: tt.extend})

			_, err := s.Set(t.Context(), "sid", &types.SessionData{})
			require.ErrorIs(t, err, ErrConfiguration)

			n, err := s.Length(t.Context())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestGetCorruptPayload(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()

	_, err := s.Set(ctx, "bad", &types.SessionData{})
	require.NoError(t, err)
	_, err = s.db.DB().ExecContext(ctx, `UPDATE "sessions" SET "data" = ? WHERE "sid" = ?`, "{not json", "bad")
	require.NoError(t, err)

	got, err := s.Get(ctx, "bad")
	require.ErrorIs(t, err, ErrSerialization)
	assert.Nil(t, got)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "get", opErr.Op)

	require.NoError(t, s.Destroy(ctx, "bad"), "a corrupt row must not break other operations")
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()
	require.NoError(t, s.db.Close())

	err := s.Destroy(ctx, "sid")
	require.ErrorIs(t, err, ErrBackend)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "destroy", opErr.Op)
	assert.Contains(t, err.Error(), "deleting session")

	_, err = s.Length(ctx)
	require.ErrorIs(t, err, ErrBackend)
	_, err = s.Set(ctx, "sid", &types.SessionData{})
	require.ErrorIs(t, err, ErrBackend)
	_, err = s.ClearExpiredSessions(ctx)
	require.ErrorIs(t, err, ErrBackend)
}

func TestValuesComeBackAsJSONTypes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, Options{})
	ctx := t.Context()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Set(ctx, "sid", &types.SessionData{Values: map[string]any{
		"count": 3,
		"at":    at,
		"tags":  []string{"a"},
	}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "sid")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, float64(3), got.Values["count"])
	assert.Equal(t, at.Format(time.RFC3339Nano), got.Values["at"])
	assert.Equal(t, []any{"a"}, got.Values["tags"])
}
