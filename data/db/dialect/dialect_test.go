package dialect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", New("postgres").Rebind(q))
	assert.Equal(t, q, New("sqlite").Rebind(q))
	assert.Equal(t, q, New("mysql").Rebind(q))
	assert.Equal(t, q, New("unknown").Rebind(q))
}

func TestIsUniqueViolation(t *testing.T) {
	sqliteErr := errors.New("constraint failed: UNIQUE constraint failed: event_stream.aggregate_id, event_stream.tenant_id, event_stream.request_id (2067)")
	d := New("sqlite3")
	assert.Equal(t, NameSQLite, d.Name())
	assert.True(t, d.IsUniqueViolation(sqliteErr))
	assert.True(t, d.ViolatesIndex(sqliteErr, "request_id"))
	assert.False(t, d.ViolatesIndex(sqliteErr, ".version"))
	assert.False(t, d.IsUniqueViolation(errors.New("disk full")))
	assert.False(t, d.IsUniqueViolation(nil))

	assert.True(t, New("mysql").IsUniqueViolation(errors.New("Error 1062: Duplicate entry 'x' for key 'u_idx'")))
	assert.True(t, New("postgres").IsUniqueViolation(errors.New(`duplicate key value violates unique constraint "u_idx"`)))
}
