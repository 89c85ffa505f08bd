package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3/database"
)

// Dialect selects the SQL flavour and driver used for a database handle.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseDialect maps a configured store type to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("%w: unsupported dialect %q", ErrConfiguration, name)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() database.Dialect {
	if d == DialectPostgres {
		return database.DialectPostgres
	}
	return database.DialectSQLite3
}

// placeholder returns the bind parameter for the n-th (1-based) argument.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func validIdent(name string) bool {
	return identPattern.MatchString(name)
}
