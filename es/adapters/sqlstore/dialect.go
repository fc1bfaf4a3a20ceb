package sqlstore

import (
	"strconv"
	"strings"
)

// Positional rewrites ? placeholders into $1, $2, ... form.
func Positional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// OnConflictDoNothing renders the ON CONFLICT form shared by PostgreSQL and SQLite.
func OnConflictDoNothing(key []string) string {
	return "ON CONFLICT (" + strings.Join(key, ", ") + ") DO NOTHING"
}

// OnConflictUpdate renders the ON CONFLICT upsert form shared by PostgreSQL and SQLite.
func OnConflictUpdate(key, columns []string) string {
	set := make([]string, len(columns))
	for i, c := range columns {
		set[i] = c + " = excluded." + c
	}
	return "ON CONFLICT (" + strings.Join(key, ", ") + ") DO UPDATE SET " + strings.Join(set, ", ")
}
