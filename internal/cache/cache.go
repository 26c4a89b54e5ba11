// Package cache keeps the raw markup of result pages in sqlite so repeated
// searches do not hit the portal.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"handelsregister/internal/components/chrono"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

var tracer = otel.Tracer("internal/cache")

type SQLite struct {
	db *sql.DB
	// entries older than this are never returned, 0 keeps them forever
	maxAge time.Duration
	time   chrono.API
}

// New applies the schema to `db` and returns a cache backed by it.
func New(ctx context.Context, db *sql.DB, maxAge time.Duration, clock chrono.API) (SQLite, error) {
	_, err := db.ExecContext(ctx, Schema)
	if err != nil {
		return SQLite{}, err
	}
	if clock == nil {
		clock = chrono.StandardImpl{}
	}
	return SQLite{db: db, maxAge: maxAge, time: clock}, nil
}

// Open opens (creating if needed) the sqlite database at `path`.
func Open(ctx context.Context, path string, maxAge time.Duration) (SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return SQLite{}, err
	}
	c, err := New(ctx, db, maxAge, chrono.StandardImpl{})
	if err != nil {
		db.Close()
		return SQLite{}, err
	}
	return c, nil
}

func (c SQLite) Close() error {
	return c.db.Close()
}

func (c SQLite) expired(savedAt int64) bool {
	if c.maxAge <= 0 {
		return false
	}
	return c.time.Now().Sub(time.Unix(savedAt, 0)) > c.maxAge
}

func (c SQLite) Load(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "Load")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	var markup []byte
	var savedAt int64
	err := c.db.QueryRowContext(
		ctx,
		"select markup, saved_at from result_markup where query_key = ?",
		key,
	).Scan(&markup, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if c.expired(savedAt) {
		span.SetAttributes(attribute.Bool("hit", false), attribute.Bool("expired", true))
		return nil, false, nil
	}

	span.SetAttributes(attribute.Bool("hit", true))
	return markup, true, nil
}

func (c SQLite) Save(ctx context.Context, key string, markup []byte) error {
	ctx, span := tracer.Start(ctx, "Save")
	defer span.End()
	span.SetAttributes(attribute.String("key", key), attribute.Int("size", len(markup)))

	_, err := c.db.ExecContext(
		ctx,
		`insert into result_markup(query_key, markup, saved_at) values (?, ?, ?)
		on conflict(query_key) do update set markup = excluded.markup, saved_at = excluded.saved_at`,
		key, markup, c.time.Now().Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Prune deletes every expired entry and returns how many were removed.
func (c SQLite) Prune(ctx context.Context) (int64, error) {
	if c.maxAge <= 0 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "Prune")
	defer span.End()

	cutoff := c.time.Now().Add(-c.maxAge).Unix()
	res, err := c.db.ExecContext(ctx, "delete from result_markup where saved_at < ?", cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return res.RowsAffected()
}
