package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/rollcall/core"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "pq unique", err: &pq.Error{Code: "23505"}, want: true},
		{name: "pq wrapped", err: errors.Wrap(&pq.Error{Code: "23505"}, "inserting"), want: true},
		{name: "pq other", err: &pq.Error{Code: "23503"}},
		{name: "pgx unique", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "pgx other", err: &pgconn.PgError{Code: "42P01"}},
		{name: "plain", err: errors.New("boom")},
		{name: "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestDSN(t *testing.T) {
	conf := &core.Config{Database: core.DatabaseConfig{
		Engine:        EnginePgx,
		Host:          "db",
		Port:          5432,
		User:          "app",
		Password:      "secret",
		AdminUser:     "postgres",
		AdminPassword: "root",
		DisableTLS:    true,
	}}

	assert.Equal(t, "pgx", driverName(conf))
	assert.Equal(t, "postgres://app:secret@db:5432/rollcall?sslmode=disable&timezone=utc", dsn("rollcall", false, conf))
	assert.Equal(t, "postgres://postgres:root@db:5432/postgres?sslmode=disable&timezone=utc", dsn("postgres", true, conf))

	conf.Database.Engine = "anything"
	conf.Database.DisableTLS = false
	assert.Equal(t, "postgres", driverName(conf))
	assert.Equal(t, "postgres://app:secret@db:5432/rollcall?sslmode=require&timezone=utc", dsn("rollcall", false, conf))
}
