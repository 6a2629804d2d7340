package database

import (
	"strconv"
	"strings"
)

// Rebind rewrites '?' placeholders into the backend's bind syntax.
// PostgreSQL uses $1..$n; SQLite and MySQL keep '?'. Question marks
// inside single-quoted literals are left alone.
func (t BackendType) Rebind(query string) string {
	if t != BackendPostgreSQL {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
