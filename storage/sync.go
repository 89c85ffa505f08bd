package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// SyncOptions controls how Sync materializes the session table.
type SyncOptions struct {
	// Force drops the table before creating it again.
	Force bool
	// Alter adds extension columns missing from an existing table.
	Alter bool
}

// Sync creates the session table and its expiry index if they do not exist.
// Concurrent calls for the same table and options on one DB share a single
// run. The shared run ignores caller cancellation; a cancelled caller stops
// waiting and gets its context error while the others still see the result.
func (m *Model) Sync(ctx context.Context, opts SyncOptions) error {
	key := fmt.Sprintf("%s|force=%t|alter=%t", m.table, opts.Force, opts.Alter)
	runCtx := context.WithoutCancel(ctx)
	ch := m.db.syncs.DoChan(key, func() (any, error) {
		return nil, m.runSync(runCtx, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return opErr("sync", ErrInitialization, res.Err)
		}
		return nil
	case <-ctx.Done():
		return opErr("sync", ErrInitialization, ctx.Err())
	}
}

// runSync applies the schema steps as unversioned goose migrations, each in
// its own transaction, so every call re-checks the table.
func (m *Model) runSync(ctx context.Context, opts SyncOptions) error {
	provider, err := goose.NewProvider(m.db.dialect.gooseDialect(), m.db.db, nil,
		goose.WithDisableVersioning(true),
		goose.WithGoMigrations(m.migrations(opts)...),
	)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to sync table %s: %w", m.table, err)
	}
	return nil
}

func (m *Model) migrations(opts SyncOptions) []*goose.Migration {
	var steps []func(context.Context, *sql.Tx) error
	if opts.Force {
		steps = append(steps, m.execStep(m.dropTableSQL()))
	}
	steps = append(steps, m.execStep(m.createTableSQL()), m.execStep(m.createIndexSQL()))
	if opts.Alter && len(m.fields) > 0 {
		steps = append(steps, m.addMissingColumns)
	}

	migrations := make([]*goose.Migration, 0, len(steps))
	for i, step := range steps {
		migrations = append(migrations, goose.NewGoMigration(int64(i+1), &goose.GoFunc{RunTx: step}, nil))
	}
	return migrations
}

func (*Model) execStep(stmt string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
		return nil
	}
}

func (m *Model) addMissingColumns(ctx context.Context, tx *sql.Tx) error {
	existing, err := tableColumns(ctx, tx, m.table)
	if err != nil {
		return err
	}
	for _, f := range m.fields {
		if existing[f.Name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.addColumnSQL(f)); err != nil {
			return fmt.Errorf("adding column %s: %w", f.Name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table)+" WHERE 1 = 0")
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", table, err)
	}
	cols := make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	return cols, nil
}
