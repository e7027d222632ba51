// Package storage defines the backend-agnostic contract for the movie
// warehouse and the factory registry the backends plug into.
//
// Identity rules the backends must honor:
//   - movies, users: natural keys from source data (movie_id, user_id)
//   - ratings: composite natural key (user_id, movie_id)
//   - genres: surrogate key, but NAME is the true identity — re-running must
//     resolve an existing genre by name, never insert a duplicate
//   - movie_genres: composite key; re-inserting a pair is a no-op
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Kind must match a registered backend kind ("sqlite", "postgres", "mssql").
	Kind string

	// DSN is passed through to the backend; validation is backend-specific.
	DSN string
}

// MovieRecord is one fully transformed movie ready to upsert.
//
// Nil pointer fields mean "unknown": for release_year/decade that is a parse
// failure, for the omdb_* fields a missing or failed enrichment. Backends
// must never let a nil enrichment field overwrite a stored non-null value.
type MovieRecord struct {
	MovieID     int64
	Title       string
	ReleaseYear *int64
	Decade      *string

	IMDbID         *string
	Director       *string
	Plot           *string
	BoxOffice      *int64
	RuntimeMinutes *int64
}

// RatingRecord is one rating ready to upsert. RatedAt is RFC3339 UTC or nil.
type RatingRecord struct {
	UserID  int64
	MovieID int64
	Rating  float64
	RatedAt *string
}

// Store is the relational target of a load run.
//
// All write operations are idempotent: repeating a call with the same input
// leaves the tables unchanged. Any returned error means the store itself
// failed and the run must abort (there is no per-row recovery at this layer).
type Store interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates the five warehouse tables if they do not exist.
	EnsureSchema(ctx context.Context) error

	// UpsertMovie inserts or updates one movie by movie_id. Title, release
	// year and decade always take the incoming value; enrichment columns only
	// move null→value or value→new non-null value.
	UpsertMovie(ctx context.Context, m MovieRecord) error

	// EnsureGenres inserts missing genre names and returns name -> genre_id
	// for every requested name.
	EnsureGenres(ctx context.Context, names []string) (map[string]int64, error)

	// LinkMovieGenres inserts (movie_id, genre_id) pairs, ignoring pairs that
	// already exist.
	LinkMovieGenres(ctx context.Context, movieID int64, genreIDs []int64) error

	// EnsureUsers inserts missing user ids.
	EnsureUsers(ctx context.Context, userIDs []int64) error

	// UpsertRating inserts or overwrites the rating for (user_id, movie_id).
	UpsertRating(ctx context.Context, r RatingRecord) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Call from a backend package's
// init().
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Intentional: fail fast rather than allow
//     ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Store using the registered backend factory.
//
// Errors:
//   - If cfg.Kind is empty or not registered.
//   - Whatever the factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
