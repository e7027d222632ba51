// Package postgres is the PostgreSQL warehouse backend.
//
// SQL statements are assembled by pure builder functions so placeholder
// numbering and conflict clauses can be unit tested without a database.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"movieetl/internal/storage"
)

// Store implements storage.Store for Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New connects a pgx pool against cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS movies (
  movie_id BIGINT PRIMARY KEY,
  title TEXT NOT NULL,
  release_year INT,
  decade TEXT,
  omdb_imdb_id TEXT,
  omdb_director TEXT,
  omdb_plot TEXT,
  omdb_box_office BIGINT,
  omdb_runtime_minutes BIGINT
)`,
	`CREATE TABLE IF NOT EXISTS genres (
  genre_id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS movie_genres (
  movie_id BIGINT NOT NULL REFERENCES movies(movie_id) ON DELETE CASCADE,
  genre_id BIGINT NOT NULL REFERENCES genres(genre_id) ON DELETE CASCADE,
  PRIMARY KEY (movie_id, genre_id)
)`,
	`CREATE TABLE IF NOT EXISTS users (
  user_id BIGINT PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS ratings (
  user_id BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
  movie_id BIGINT NOT NULL REFERENCES movies(movie_id) ON DELETE CASCADE,
  rating DOUBLE PRECISION NOT NULL,
  rated_at TEXT,
  PRIMARY KEY (user_id, movie_id)
)`,
}

// EnsureSchema creates the warehouse tables. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

const upsertMovieSQL = `INSERT INTO movies (
  movie_id, title, release_year, decade,
  omdb_imdb_id, omdb_director, omdb_plot, omdb_box_office, omdb_runtime_minutes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (movie_id) DO UPDATE SET
  title = excluded.title,
  release_year = excluded.release_year,
  decade = excluded.decade,
  omdb_imdb_id = COALESCE(excluded.omdb_imdb_id, movies.omdb_imdb_id),
  omdb_director = COALESCE(excluded.omdb_director, movies.omdb_director),
  omdb_plot = COALESCE(excluded.omdb_plot, movies.omdb_plot),
  omdb_box_office = COALESCE(excluded.omdb_box_office, movies.omdb_box_office),
  omdb_runtime_minutes = COALESCE(excluded.omdb_runtime_minutes, movies.omdb_runtime_minutes)`

// UpsertMovie inserts or updates one movie row. COALESCE keeps previously
// stored enrichment when the incoming values are NULL.
func (s *Store) UpsertMovie(ctx context.Context, m storage.MovieRecord) error {
	_, err := s.pool.Exec(ctx, upsertMovieSQL,
		m.MovieID, m.Title, m.ReleaseYear, m.Decade,
		m.IMDbID, m.Director, m.Plot, m.BoxOffice, m.RuntimeMinutes,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert movie %d: %w", m.MovieID, err)
	}
	return nil
}

// EnsureGenres inserts missing names and returns name -> genre_id.
func (s *Store) EnsureGenres(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}

	insertSQL, args := buildEnsureGenresSQL(names)
	if _, err := s.pool.Exec(ctx, insertSQL, args...); err != nil {
		return nil, fmt.Errorf("postgres: ensure genres: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		"SELECT genre_id, name FROM genres WHERE name = ANY($1)", names)
	if err != nil {
		return nil, fmt.Errorf("postgres: select genres: %w", err)
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

// LinkMovieGenres inserts join rows, ignoring pairs that already exist.
func (s *Store) LinkMovieGenres(ctx context.Context, movieID int64, genreIDs []int64) error {
	if len(genreIDs) == 0 {
		return nil
	}

	sqlText, args := buildLinkMovieGenresSQL(movieID, genreIDs)
	if _, err := s.pool.Exec(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("postgres: link movie %d genres: %w", movieID, err)
	}
	return nil
}

// EnsureUsers inserts missing user ids.
func (s *Store) EnsureUsers(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	sqlText, args := buildEnsureUsersSQL(userIDs)
	if _, err := s.pool.Exec(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("postgres: ensure users: %w", err)
	}
	return nil
}

const upsertRatingSQL = `INSERT INTO ratings (user_id, movie_id, rating, rated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, movie_id) DO UPDATE SET
  rating = excluded.rating,
  rated_at = excluded.rated_at`

// UpsertRating inserts or overwrites the rating for (user_id, movie_id).
func (s *Store) UpsertRating(ctx context.Context, r storage.RatingRecord) error {
	_, err := s.pool.Exec(ctx, upsertRatingSQL, r.UserID, r.MovieID, r.Rating, r.RatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert rating (%d,%d): %w", r.UserID, r.MovieID, err)
	}
	return nil
}

/* ---------- SQL builders ---------- */

// buildEnsureGenresSQL constructs the idempotent genre insert.
//
// Pure and deterministic so placeholder numbering and the conflict clause are
// unit testable without a database.
func buildEnsureGenresSQL(names []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO genres (name) VALUES ")

	args := make([]any, 0, len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d)", i+1)
		args = append(args, n)
	}
	b.WriteString(" ON CONFLICT (name) DO NOTHING")
	return b.String(), args
}

func buildLinkMovieGenresSQL(movieID int64, genreIDs []int64) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO movie_genres (movie_id, genre_id) VALUES ")

	args := make([]any, 0, len(genreIDs)*2)
	p := 1
	for i, gid := range genreIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d)", p, p+1)
		args = append(args, movieID, gid)
		p += 2
	}
	b.WriteString(" ON CONFLICT (movie_id, genre_id) DO NOTHING")
	return b.String(), args
}

func buildEnsureUsersSQL(userIDs []int64) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO users (user_id) VALUES ")

	args := make([]any, 0, len(userIDs))
	for i, id := range userIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d)", i+1)
		args = append(args, id)
	}
	b.WriteString(" ON CONFLICT (user_id) DO NOTHING")
	return b.String(), args
}
