package sqlsession

import (
	"fmt"
	"strings"
	"time"
)

// Dialect describes how a SQLStore talks to one database engine. All time
// comparisons are written against the database server's clock so that
// application instances with skewed clocks agree on expiry.
//
// Use one of DialectPostgreSQL, DialectMySQL or DialectSQLite.
type Dialect struct {
	// Name identifies the engine in logs and traces.
	Name string

	// Statement templates. %[1]s is replaced by the table name.
	createTable string
	createIndex string // optional, empty when the index is part of createTable
	upsert      string
	fetch       string
	remove      string
	touch       string
	sweep       string
	exists      string

	// sweepArg converts the max lifetime into the sweep statement's argument.
	sweepArg func(time.Duration) any

	// singleWriter engines get their writes serialized in-process.
	singleWriter bool

	// isSchemaRace reports whether a schema statement failed only because a
	// concurrent process created the same object first.
	isSchemaRace func(error) bool
}

func (d Dialect) valid() bool {
	return d.Name != "" && d.createTable != "" && d.sweepArg != nil
}

type queries struct {
	createTable string
	createIndex string
	upsert      string
	fetch       string
	remove      string
	touch       string
	sweep       string
	exists      string
}

func (d Dialect) render(table string) queries {
	f := func(tmpl string) string {
		if tmpl == "" {
			return ""
		}
		return fmt.Sprintf(tmpl, table)
	}
	return queries{
		createTable: f(d.createTable),
		createIndex: f(d.createIndex),
		upsert:      f(d.upsert),
		fetch:       f(d.fetch),
		remove:      f(d.remove),
		touch:       f(d.touch),
		sweep:       f(d.sweep),
		exists:      f(d.exists),
	}
}

// validTableName accepts plain SQL identifiers only. The table name is
// interpolated into statements, so anything else is refused.
func validTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return !strings.HasPrefix(strings.ToLower(name), "sqlite_")
}
