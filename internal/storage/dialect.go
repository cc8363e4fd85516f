package storage

import (
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// claimLockKey serializes claims on postgres so the group-exclusivity
// check and the update see the same snapshot.
const claimLockKey = 7305016

func (d dialect) name() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d dialect) goose() goose.Dialect {
	if d == dialectPostgres {
		return goose.DialectPostgres
	}
	return goose.DialectSQLite3
}

// rebind rewrites '?' placeholders to $n for postgres. Queries in this
// package never contain '?' inside string literals.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
