package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/minus-twelve/kisa-sql/types"
)

const (
	colSID       = "sid"
	colData      = "data"
	colExpires   = "expires"
	colCreatedAt = "created_at"
	colUpdatedAt = "updated_at"
)

// DefaultModelKey is the model key used when none is configured.
const DefaultModelKey = "Session"

var sqlTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\([0-9, ]+\))?$`)

// ModelDefinition describes the session table for DB.Define.
type ModelDefinition struct {
	// Key is the logical model name. Stores sharing a DB and a key share a model.
	Key string
	// TableName is the physical table. Defaults to the lower-cased key plus "s".
	TableName string
	// AdditionalFields maps extension column names to SQL column types.
	AdditionalFields map[string]string
}

// Field is an extension column.
type Field struct {
	Name string
	Type string
}

// Model is the session table bound to a DB.
type Model struct {
	db     *DB
	key    string
	table  string
	fields []Field
}

func newModel(db *DB, def ModelDefinition) (*Model, error) {
	table := def.TableName
	if table == "" {
		table = strings.ToLower(def.Key) + "s"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("table name %q is not a valid identifier", table)
	}

	fields := make([]Field, 0, len(def.AdditionalFields))
	for name, typ := range def.AdditionalFields {
		if !validIdent(name) {
			return nil, fmt.Errorf("field name %q is not a valid identifier", name)
		}
		if isCoreColumn(name) {
			return nil, fmt.Errorf("field %q collides with a built-in column", name)
		}
		if !sqlTypePattern.MatchString(typ) {
			return nil, fmt.Errorf("field %q has unsupported type %q", name, typ)
		}
		fields = append(fields, Field{Name: name, Type: typ})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return &Model{db: db, key: def.Key, table: table, fields: fields}, nil
}

func (m *Model) Key() string {
	return m.key
}

func (m *Model) Table() string {
	return m.table
}

// Fields returns the extension columns in name order.
func (m *Model) Fields() []Field {
	return append([]Field(nil), m.fields...)
}

func isCoreColumn(name string) bool {
	switch strings.ToLower(name) {
	case colSID, colData, colExpires, colCreatedAt, colUpdatedAt:
		return true
	}
	return false
}

func (m *Model) hasField(name string) bool {
	for _, f := range m.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (m *Model) columns() []string {
	cols := []string{colSID, colData, colExpires, colCreatedAt, colUpdatedAt}
	for _, f := range m.fields {
		cols = append(cols, f.Name)
	}
	return cols
}

func (m *Model) ph(n int) string {
	return m.db.dialect.placeholder(n)
}

func (m *Model) createTableSQL() string {
	ts := m.db.dialect.timestampType()
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(m.table))
	fmt.Fprintf(&b, "\t%s VARCHAR(255) NOT NULL PRIMARY KEY,\n", quoteIdent(colSID))
	fmt.Fprintf(&b, "\t%s TEXT NOT NULL,\n", quoteIdent(colData))
	fmt.Fprintf(&b, "\t%s %s NOT NULL,\n", quoteIdent(colExpires), ts)
	for _, f := range m.fields {
		fmt.Fprintf(&b, "\t%s %s,\n", quoteIdent(f.Name), f.Type)
	}
	fmt.Fprintf(&b, "\t%s %s NOT NULL,\n", quoteIdent(colCreatedAt), ts)
	fmt.Fprintf(&b, "\t%s %s NOT NULL\n)", quoteIdent(colUpdatedAt), ts)
	return b.String()
}

func (m *Model) createIndexSQL() string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(m.table+"_expires_idx"), quoteIdent(m.table), quoteIdent(colExpires))
}

func (m *Model) dropTableSQL() string {
	return "DROP TABLE IF EXISTS " + quoteIdent(m.table)
}

func (m *Model) addColumnSQL(f Field) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(m.table), quoteIdent(f.Name), f.Type)
}

func (m *Model) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		joinIdents(m.columns()), quoteIdent(m.table), quoteIdent(colSID), m.ph(1))
}

func (m *Model) touchSQL() string {
	return fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s WHERE %s = %s",
		quoteIdent(m.table),
		quoteIdent(colExpires), m.ph(1),
		quoteIdent(colUpdatedAt), m.ph(2),
		quoteIdent(colSID), m.ph(3))
}

func (m *Model) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quoteIdent(m.table), quoteIdent(colSID), m.ph(1))
}

func (m *Model) deleteByFieldSQL(name string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", quoteIdent(m.table), quoteIdent(name), m.ph(1))
}

func (m *Model) deleteExpiredSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s < %s", quoteIdent(m.table), quoteIdent(colExpires), m.ph(1))
}

func (m *Model) countSQL() string {
	return "SELECT COUNT(*) FROM " + quoteIdent(m.table)
}

// checkFields validates the row produced by an extension function.
func (m *Model) checkFields(fields types.Fields, sid string) error {
	if got, ok := fields[colSID].(string); !ok || got != sid {
		return fmt.Errorf("extended fields must keep sid %q", sid)
	}
	if _, ok := fields[colData]; !ok {
		return fmt.Errorf("extended fields dropped %q", colData)
	}
	if _, ok := fields[colExpires].(time.Time); !ok {
		return fmt.Errorf("extended fields must carry %q as a time", colExpires)
	}
	for name := range fields {
		switch name {
		case colSID, colData, colExpires:
		default:
			if !m.hasField(name) {
				return fmt.Errorf("unknown column %q", name)
			}
		}
	}
	return nil
}

// upsertSQL builds a single-statement insert-or-replace keyed on sid.
// created_at is only written on insert.
func (m *Model) upsertSQL(fields types.Fields, now time.Time) (string, []any) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != colSID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	names = append([]string{colSID}, names...)

	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		args = append(args, normalizeArg(fields[name]))
	}
	args = append(args, now, now)
	cols := append(append([]string(nil), names...), colCreatedAt, colUpdatedAt)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = m.ph(i + 1)
	}

	updates := make([]string, 0, len(names))
	for _, name := range names[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(name), quoteIdent(name)))
	}
	updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(colUpdatedAt), quoteIdent(colUpdatedAt)))

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(m.table), joinIdents(cols), strings.Join(placeholders, ", "),
		quoteIdent(colSID), strings.Join(updates, ", "))
	return query, args
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (m *Model) scanRecord(row scanner) (*types.Record, error) {
	var (
		rec                       types.Record
		expires, created, updated timeValue
	)
	dest := []any{&rec.SID, &rec.Data, &expires, &created, &updated}
	extra := make([]any, len(m.fields))
	for i := range extra {
		extra[i] = new(any)
		dest = append(dest, extra[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	rec.Expires, rec.CreatedAt, rec.UpdatedAt = expires.t, created.t, updated.t
	if len(m.fields) > 0 {
		rec.Extra = make(map[string]any, len(m.fields))
		for i, f := range m.fields {
			v := *(extra[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec.Extra[f.Name] = v
		}
	}
	return &rec, nil
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// normalizeArg stores times in UTC so SQLite's text timestamps compare in order.
func normalizeArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC()
	}
	return v
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// timeValue scans timestamps from drivers that hand them back as text.
type timeValue struct {
	t time.Time
}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		v.t = time.Time{}
	case time.Time:
		v.t = x.UTC()
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	case int64:
		v.t = time.Unix(x, 0).UTC()
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
	return nil
}

func (v *timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			v.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("parsing timestamp %q", s)
}

var _ sql.Scanner = (*timeValue)(nil)
