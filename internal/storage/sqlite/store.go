// Package sqlite is the default warehouse backend (a single movies.db file).
//
// Notes vs the other backends:
//   - Idempotence uses INSERT OR IGNORE / ON CONFLICT ... DO UPDATE, both of
//     which rely on the PK/UNIQUE constraints declared in the schema.
//   - rated_at is stored as TEXT (RFC3339); SQLite has no timestamp type and
//     TEXT round-trips reliably with modernc.org/sqlite.
//   - Foreign keys are only enforced with PRAGMA foreign_keys=ON, which the
//     constructor sets per connection via the DSN-independent exec.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"movieetl/internal/storage"
)

// Store implements storage.Store for SQLite.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (or creates) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS movies (
  movie_id INTEGER PRIMARY KEY,
  title TEXT NOT NULL,
  release_year INTEGER,
  decade TEXT,
  omdb_imdb_id TEXT,
  omdb_director TEXT,
  omdb_plot TEXT,
  omdb_box_office INTEGER,
  omdb_runtime_minutes INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS genres (
  genre_id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS movie_genres (
  movie_id INTEGER NOT NULL REFERENCES movies(movie_id) ON DELETE CASCADE,
  genre_id INTEGER NOT NULL REFERENCES genres(genre_id) ON DELETE CASCADE,
  PRIMARY KEY (movie_id, genre_id)
)`,
	`CREATE TABLE IF NOT EXISTS users (
  user_id INTEGER PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS ratings (
  user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
  movie_id INTEGER NOT NULL REFERENCES movies(movie_id) ON DELETE CASCADE,
  rating REAL NOT NULL,
  rated_at TEXT,
  PRIMARY KEY (user_id, movie_id)
)`,
}

// EnsureSchema creates the warehouse tables. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

const upsertMovieSQL = `INSERT INTO movies (
  movie_id, title, release_year, decade,
  omdb_imdb_id, omdb_director, omdb_plot, omdb_box_office, omdb_runtime_minutes
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(movie_id) DO UPDATE SET
  title = excluded.title,
  release_year = excluded.release_year,
  decade = excluded.decade,
  omdb_imdb_id = COALESCE(excluded.omdb_imdb_id, movies.omdb_imdb_id),
  omdb_director = COALESCE(excluded.omdb_director, movies.omdb_director),
  omdb_plot = COALESCE(excluded.omdb_plot, movies.omdb_plot),
  omdb_box_office = COALESCE(excluded.omdb_box_office, movies.omdb_box_office),
  omdb_runtime_minutes = COALESCE(excluded.omdb_runtime_minutes, movies.omdb_runtime_minutes)`

// UpsertMovie inserts or updates one movie row.
//
// The COALESCE(excluded.x, movies.x) clauses are the enrichment
// non-regression guarantee: a run whose lookup failed writes NULLs, and
// NULLs lose against previously stored values.
func (s *Store) UpsertMovie(ctx context.Context, m storage.MovieRecord) error {
	_, err := s.db.ExecContext(ctx, upsertMovieSQL,
		m.MovieID, m.Title, m.ReleaseYear, m.Decade,
		m.IMDbID, m.Director, m.Plot, m.BoxOffice, m.RuntimeMinutes,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert movie %d: %w", m.MovieID, err)
	}
	return nil
}

// EnsureGenres inserts missing names and returns name -> genre_id.
//
// "INSERT OR IGNORE" relies on the UNIQUE(name) constraint, which makes the
// ensure step idempotent under any interleaving.
func (s *Store) EnsureGenres(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}

	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO genres (name) VALUES ")
	args := make([]any, 0, len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?)")
		args = append(args, n)
	}
	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return nil, fmt.Errorf("sqlite: ensure genres: %w", err)
	}

	ph := strings.TrimRight(strings.Repeat("?,", len(names)), ",")
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT genre_id, name FROM genres WHERE name IN (%s)", ph), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select genres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}

// LinkMovieGenres inserts join rows; duplicate pairs are a no-op on the
// composite primary key.
func (s *Store) LinkMovieGenres(ctx context.Context, movieID int64, genreIDs []int64) error {
	if len(genreIDs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO movie_genres (movie_id, genre_id) VALUES ")
	args := make([]any, 0, len(genreIDs)*2)
	for i, gid := range genreIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?)")
		args = append(args, movieID, gid)
	}

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("sqlite: link movie %d genres: %w", movieID, err)
	}
	return nil
}

// EnsureUsers inserts missing user ids.
func (s *Store) EnsureUsers(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO users (user_id) VALUES ")
	args := make([]any, 0, len(userIDs))
	for i, id := range userIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?)")
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("sqlite: ensure users: %w", err)
	}
	return nil
}

const upsertRatingSQL = `INSERT INTO ratings (user_id, movie_id, rating, rated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, movie_id) DO UPDATE SET
  rating = excluded.rating,
  rated_at = excluded.rated_at`

// UpsertRating inserts or overwrites the rating for (user_id, movie_id).
func (s *Store) UpsertRating(ctx context.Context, r storage.RatingRecord) error {
	_, err := s.db.ExecContext(ctx, upsertRatingSQL, r.UserID, r.MovieID, r.Rating, r.RatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert rating (%d,%d): %w", r.UserID, r.MovieID, err)
	}
	return nil
}
