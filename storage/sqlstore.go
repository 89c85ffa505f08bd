package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stacklok/toolhive-core/logging"

	"github.com/minus-twelve/kisa-sql/types"
)

const (
	// DefaultExpiration is the session lifetime used when a payload carries
	// no explicit expiry and Options.Expiration is zero.
	DefaultExpiration = 24 * time.Hour

	// DefaultCheckExpirationInterval is the sweep period used by the
	// config loader when none is configured.
	DefaultCheckExpirationInterval = 15 * time.Minute
)

// ExtendFunc receives the default row for a Set and the session payload and
// returns the row to persist. It may add extension columns or override
// default ones but must keep sid.
type ExtendFunc func(defaults types.Fields, data *types.SessionData) types.Fields

// Options configures a SQLStore.
type Options struct {
	// DB is the shared database handle. Required.
	DB *DB

	// CheckExpirationInterval is the sweep period. Zero or negative disables
	// the sweeper.
	CheckExpirationInterval time.Duration

	// Expiration is the lifetime of sessions without an explicit expiry.
	Expiration time.Duration

	// DisableTouch turns Touch into a no-op.
	DisableTouch bool

	// FilterExpired makes Get report expired but not yet swept rows as absent.
	FilterExpired bool

	ModelKey         string
	TableName        string
	AdditionalFields map[string]string

	ExtendDefaultFields ExtendFunc

	// Sync is passed to the schema sync run during initialization.
	Sync SyncOptions

	// ConnectAttempts bounds the connectivity check at startup. Zero means one attempt.
	ConnectAttempts uint

	Logger  *slog.Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.ModelKey == "" {
		o.ModelKey = DefaultModelKey
	}
	if o.Expiration == 0 {
		o.Expiration = DefaultExpiration
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 1
	}
	if o.Logger == nil {
		o.Logger = logging.New()
	}
	return o
}

// SQLStore is a session store backed by a relational table.
type SQLStore struct {
	db      *DB
	model   *Model
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	ready   chan struct{}
	initErr error

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a store on opts.DB. It defines (or reuses) the session model,
// then checks connectivity and syncs the schema in the background; Ready
// reports the outcome and every operation waits for it. The sweeper starts
// immediately when CheckExpirationInterval is positive.
func New(opts Options) (*SQLStore, error) {
	if opts.DB == nil || opts.DB.db == nil {
		return nil, opErr("new", ErrConfiguration, errors.New("a database handle is required"))
	}
	opts = opts.withDefaults()

	model, reused, err := opts.DB.Define(ModelDefinition{
		Key:              opts.ModelKey,
		TableName:        opts.TableName,
		AdditionalFields: opts.AdditionalFields,
	})
	if err != nil {
		return nil, err
	}
	if reused {
		opts.Logger.Debug("reusing session model", "model", model.Key(), "table", model.Table())
	}

	s := &SQLStore{
		db:      opts.DB,
		model:   model,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
		ready:   make(chan struct{}),
	}

	go s.initialize(context.Background())

	if opts.CheckExpirationInterval > 0 {
		s.StartExpiringSessions()
	}
	return s, nil
}

func (s *SQLStore) initialize(ctx context.Context) {
	defer close(s.ready)

	if err := s.ping(ctx); err != nil {
		s.initErr = opErr("init", ErrInitialization, fmt.Errorf("checking database connectivity: %w", err))
		s.logger.Error("session store initialization failed", "table", s.model.Table(), "error", err)
		return
	}
	if err := s.model.Sync(ctx, s.opts.Sync); err != nil {
		s.initErr = err
		s.logger.Error("session store initialization failed", "table", s.model.Table(), "error", err)
		return
	}
	s.logger.Debug("session store ready", "table", s.model.Table())
}

func (s *SQLStore) ping(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.db.db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.opts.ConnectAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("database not reachable, retrying", "error", err, "wait", wait)
		}),
	)
	return err
}

// Ready blocks until initialization has finished and returns its error.
func (s *SQLStore) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DB returns the handle the store writes to.
func (s *SQLStore) DB() *DB {
	return s.db
}

// Model returns the session model the store writes through.
func (s *SQLStore) Model() *Model {
	return s.model
}

// Sync (re)materializes the session table.
func (s *SQLStore) Sync(ctx context.Context, opts SyncOptions) error {
	return s.model.Sync(ctx, opts)
}

// Get returns the session stored under sid, or nil when there is none.
func (s *SQLStore) Get(ctx context.Context, sid string) (*types.SessionData, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	rec, err := s.find(ctx, sid)
	if err != nil {
		return nil, s.fail("get", err)
	}
	if rec == nil {
		return nil, nil
	}
	if s.opts.FilterExpired && rec.Expires.Before(s.now()) {
		return nil, nil
	}
	data, err := decodeSession("get", rec)
	if err != nil {
		s.metrics.observeOpError("get")
		return nil, err
	}
	return data, nil
}

// Set writes data under sid, replacing any existing row, and returns the
// row as stored.
func (s *SQLStore) Set(ctx context.Context, sid string, data *types.SessionData) (*types.Record, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	if data == nil {
		data = &types.SessionData{}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.metrics.observeOpError("set")
		return nil, opErr("set", ErrSerialization, err)
	}

	now := s.now().UTC()
	fields := types.Fields{
		colSID:     sid,
		colData:    string(payload),
		colExpires: ComputeExpiry(data, s.opts.Expiration, now),
	}
	if s.opts.ExtendDefaultFields != nil {
		fields = s.opts.ExtendDefaultFields(fields, data)
		if err := s.model.checkFields(fields, sid); err != nil {
			s.metrics.observeOpError("set")
			return nil, opErr("set", ErrConfiguration, err)
		}
	}

	query, args := s.model.upsertSQL(fields, now)
	if _, err := s.db.db.ExecContext(ctx, query, args...); err != nil {
		return nil, s.fail("set", fmt.Errorf("upserting session: %w", err))
	}

	rec, err := s.find(ctx, sid)
	if err != nil {
		return nil, s.fail("set", err)
	}
	return rec, nil
}

// Touch refreshes the expiry of the session under sid and returns the row,
// or nil when no such session exists. With DisableTouch it does nothing.
func (s *SQLStore) Touch(ctx context.Context, sid string, data *types.SessionData) (*types.Record, error) {
	if s.opts.DisableTouch {
		return nil, nil
	}
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expires := ComputeExpiry(data, s.opts.Expiration, now).UTC()
	if _, err := s.db.db.ExecContext(ctx, s.model.touchSQL(), expires, now, sid); err != nil {
		return nil, s.fail("touch", fmt.Errorf("updating expiry: %w", err))
	}

	rec, err := s.find(ctx, sid)
	if err != nil {
		return nil, s.fail("touch", err)
	}
	return rec, nil
}

// Destroy deletes the session under sid. Deleting a missing session succeeds.
func (s *SQLStore) Destroy(ctx context.Context, sid string) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.db.ExecContext(ctx, s.model.deleteSQL(), sid); err != nil {
		return s.fail("destroy", fmt.Errorf("deleting session: %w", err))
	}
	return nil
}

// DestroyByField deletes every session whose extension column field equals
// value and returns how many were deleted.
func (s *SQLStore) DestroyByField(ctx context.Context, field string, value any) (int64, error) {
	if !s.model.hasField(field) {
		s.metrics.observeOpError("destroy_by_field")
		return 0, opErr("destroy_by_field", ErrConfiguration, fmt.Errorf("%q is not an extension column of %s", field, s.model.Table()))
	}
	if err := s.Ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.db.ExecContext(ctx, s.model.deleteByFieldSQL(field), normalizeArg(value))
	if err != nil {
		return 0, s.fail("destroy_by_field", fmt.Errorf("deleting sessions by %s: %w", field, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail("destroy_by_field", fmt.Errorf("counting deleted sessions: %w", err))
	}
	return n, nil
}

// Length returns the number of stored sessions, expired ones included.
func (s *SQLStore) Length(ctx context.Context) (int, error) {
	if err := s.Ready(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.db.QueryRowContext(ctx, s.model.countSQL()).Scan(&n); err != nil {
		return 0, s.fail("length", fmt.Errorf("counting sessions: %w", err))
	}
	return n, nil
}

// ClearExpiredSessions deletes every session whose expiry is before now and
// returns how many were deleted.
func (s *SQLStore) ClearExpiredSessions(ctx context.Context) (int64, error) {
	if err := s.Ready(ctx); err != nil {
		s.metrics.observeSweep(0, err)
		return 0, err
	}

	res, err := s.db.db.ExecContext(ctx, s.model.deleteExpiredSQL(), s.now().UTC())
	if err != nil {
		s.metrics.observeSweep(0, err)
		return 0, s.fail("clear_expired", fmt.Errorf("deleting expired sessions: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.metrics.observeSweep(0, err)
		return 0, s.fail("clear_expired", fmt.Errorf("counting deleted sessions: %w", err))
	}
	s.metrics.observeSweep(n, nil)
	return n, nil
}

// Close stops the sweeper. The shared DB is left open.
func (s *SQLStore) Close() error {
	s.StopExpiringSessions()
	return nil
}

func (s *SQLStore) find(ctx context.Context, sid string) (*types.Record, error) {
	rec, err := s.model.scanRecord(s.db.db.QueryRowContext(ctx, s.model.selectSQL(), sid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) fail(op string, err error) error {
	s.metrics.observeOpError(op)
	return backendErr(op, err)
}

// DecodeSession parses the payload of a stored row.
func DecodeSession(rec *types.Record) (*types.SessionData, error) {
	return decodeSession("decode", rec)
}

func decodeSession(op string, rec *types.Record) (*types.SessionData, error) {
	var data types.SessionData
	if err := json.Unmarshal([]byte(rec.Data), &data); err != nil {
		return nil, opErr(op, ErrSerialization, fmt.Errorf("decoding session %s: %w", rec.SID, err))
	}
	return &data, nil
}
