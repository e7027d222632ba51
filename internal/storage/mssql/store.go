// Package mssql is the SQL Server warehouse backend.
//
// Implementation notes:
//   - No MERGE. Upserts are UPDATE-then-INSERT-if-missing and idempotent
//     inserts use LEFT JOIN / NOT EXISTS anti-joins, which behave predictably
//     under concurrent writers.
//   - DDL is guarded with OBJECT_ID checks since SQL Server has no
//     CREATE TABLE IF NOT EXISTS.
//   - Statements are built by pure functions and executed through a narrow
//     dbConn seam so the SQL is testable without a server.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"movieetl/internal/storage"
)

// Store implements storage.Store for SQL Server.
type Store struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens a connection pool with the "sqlserver" driver and verifies
// connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

var schemaStatements = []string{
	`IF OBJECT_ID(N'movies', N'U') IS NULL BEGIN CREATE TABLE [movies] (
  [movie_id] BIGINT PRIMARY KEY,
  [title] NVARCHAR(512) NOT NULL,
  [release_year] INT NULL,
  [decade] NVARCHAR(8) NULL,
  [omdb_imdb_id] NVARCHAR(16) NULL,
  [omdb_director] NVARCHAR(512) NULL,
  [omdb_plot] NVARCHAR(MAX) NULL,
  [omdb_box_office] BIGINT NULL,
  [omdb_runtime_minutes] BIGINT NULL
); END;`,
	`IF OBJECT_ID(N'genres', N'U') IS NULL BEGIN CREATE TABLE [genres] (
  [genre_id] BIGINT IDENTITY(1,1) PRIMARY KEY,
  [name] NVARCHAR(128) NOT NULL UNIQUE
); END;`,
	`IF OBJECT_ID(N'movie_genres', N'U') IS NULL BEGIN CREATE TABLE [movie_genres] (
  [movie_id] BIGINT NOT NULL REFERENCES [movies]([movie_id]) ON DELETE CASCADE,
  [genre_id] BIGINT NOT NULL REFERENCES [genres]([genre_id]) ON DELETE CASCADE,
  PRIMARY KEY ([movie_id], [genre_id])
); END;`,
	`IF OBJECT_ID(N'users', N'U') IS NULL BEGIN CREATE TABLE [users] (
  [user_id] BIGINT PRIMARY KEY
); END;`,
	`IF OBJECT_ID(N'ratings', N'U') IS NULL BEGIN CREATE TABLE [ratings] (
  [user_id] BIGINT NOT NULL REFERENCES [users]([user_id]) ON DELETE CASCADE,
  [movie_id] BIGINT NOT NULL REFERENCES [movies]([movie_id]) ON DELETE CASCADE,
  [rating] FLOAT NOT NULL,
  [rated_at] NVARCHAR(32) NULL,
  PRIMARY KEY ([user_id], [movie_id])
); END;`,
}

// EnsureSchema creates the warehouse tables. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
		}
	}
	return nil
}

// upsertMovieSQL updates in place first, then inserts if no row matched.
// COALESCE on the omdb_* columns preserves stored enrichment against NULL
// incoming values.
const upsertMovieSQL = `UPDATE [movies] SET
  [title] = @p2,
  [release_year] = @p3,
  [decade] = @p4,
  [omdb_imdb_id] = COALESCE(@p5, [omdb_imdb_id]),
  [omdb_director] = COALESCE(@p6, [omdb_director]),
  [omdb_plot] = COALESCE(@p7, [omdb_plot]),
  [omdb_box_office] = COALESCE(@p8, [omdb_box_office]),
  [omdb_runtime_minutes] = COALESCE(@p9, [omdb_runtime_minutes])
WHERE [movie_id] = @p1;
IF @@ROWCOUNT = 0
INSERT INTO [movies] (
  [movie_id], [title], [release_year], [decade],
  [omdb_imdb_id], [omdb_director], [omdb_plot], [omdb_box_office], [omdb_runtime_minutes]
) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9);`

// UpsertMovie inserts or updates one movie row.
func (s *Store) UpsertMovie(ctx context.Context, m storage.MovieRecord) error {
	_, err := s.db.ExecContext(ctx, upsertMovieSQL,
		m.MovieID, m.Title, m.ReleaseYear, m.Decade,
		m.IMDbID, m.Director, m.Plot, m.BoxOffice, m.RuntimeMinutes,
	)
	if err != nil {
		return fmt.Errorf("mssql: upsert movie %d: %w", m.MovieID, err)
	}
	return nil
}

// EnsureGenres inserts missing names via an anti-join and returns
// name -> genre_id.
func (s *Store) EnsureGenres(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}

	insertSQL, insertArgs := buildEnsureGenresSQL(names)
	if _, err := s.db.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return nil, fmt.Errorf("mssql: ensure genres: %w", err)
	}

	selectSQL, selectArgs := buildSelectGenresSQL(names)
	rows, err := s.db.QueryContext(ctx, selectSQL, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("mssql: select genres: %w", err)
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

// LinkMovieGenres inserts join rows that do not already exist.
func (s *Store) LinkMovieGenres(ctx context.Context, movieID int64, genreIDs []int64) error {
	if len(genreIDs) == 0 {
		return nil
	}

	sqlText, args := buildLinkMovieGenresSQL(movieID, genreIDs)
	if _, err := s.db.ExecContext(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("mssql: link movie %d genres: %w", movieID, err)
	}
	return nil
}

// EnsureUsers inserts missing user ids via an anti-join.
func (s *Store) EnsureUsers(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	sqlText, args := buildEnsureUsersSQL(userIDs)
	if _, err := s.db.ExecContext(ctx, sqlText, args...); err != nil {
		return fmt.Errorf("mssql: ensure users: %w", err)
	}
	return nil
}

const upsertRatingSQL = `UPDATE [ratings] SET
  [rating] = @p3,
  [rated_at] = @p4
WHERE [user_id] = @p1 AND [movie_id] = @p2;
IF @@ROWCOUNT = 0
INSERT INTO [ratings] ([user_id], [movie_id], [rating], [rated_at])
VALUES (@p1, @p2, @p3, @p4);`

// UpsertRating inserts or overwrites the rating for (user_id, movie_id).
func (s *Store) UpsertRating(ctx context.Context, r storage.RatingRecord) error {
	_, err := s.db.ExecContext(ctx, upsertRatingSQL, r.UserID, r.MovieID, r.Rating, r.RatedAt)
	if err != nil {
		return fmt.Errorf("mssql: upsert rating (%d,%d): %w", r.UserID, r.MovieID, err)
	}
	return nil
}

/* ---------- SQL builders ---------- */

// buildEnsureGenresSQL inserts names that do not exist yet, using a VALUES
// derived table and a LEFT JOIN anti-join instead of MERGE.
func buildEnsureGenresSQL(names []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO [genres] ([name]) SELECT v.[name] FROM (VALUES ")

	args := make([]any, 0, len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(@p")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(")")
		args = append(args, n)
	}

	b.WriteString(") AS v([name]) LEFT JOIN [genres] g ON g.[name] = v.[name] WHERE g.[name] IS NULL")
	return b.String(), args
}

func buildSelectGenresSQL(names []string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT [genre_id], [name] FROM [genres] WHERE [name] IN (")

	args := make([]any, 0, len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, n)
	}
	b.WriteString(")")
	return b.String(), args
}

func buildLinkMovieGenresSQL(movieID int64, genreIDs []int64) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO [movie_genres] ([movie_id], [genre_id]) ")
	b.WriteString("SELECT v.[movie_id], v.[genre_id] FROM (VALUES ")

	args := make([]any, 0, len(genreIDs)*2)
	p := 1
	for i, gid := range genreIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d)", p, p+1)
		args = append(args, movieID, gid)
		p += 2
	}

	b.WriteString(") AS v([movie_id], [genre_id]) WHERE NOT EXISTS (")
	b.WriteString("SELECT 1 FROM [movie_genres] mg WHERE mg.[movie_id] = v.[movie_id] AND mg.[genre_id] = v.[genre_id])")
	return b.String(), args
}

func buildEnsureUsersSQL(userIDs []int64) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO [users] ([user_id]) SELECT v.[user_id] FROM (VALUES ")

	args := make([]any, 0, len(userIDs))
	for i, id := range userIDs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(@p")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(")")
		args = append(args, id)
	}

	b.WriteString(") AS v([user_id]) LEFT JOIN [users] u ON u.[user_id] = v.[user_id] WHERE u.[user_id] IS NULL")
	return b.String(), args
}

/* ---------- database/sql seam ---------- */

// dbConn is a narrow interface over *sql.DB so the SQL paths can be exercised
// with a fake.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
