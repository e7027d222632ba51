package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"movieetl/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "movies.db")
	s, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	t.Cleanup(s.Close)

	st := s.(*Store)
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema err=%v", err)
	}
	return st
}

func strPtr(v string) *string { return &v }
func i64Ptr(v int64) *int64   { return &v }

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second EnsureSchema err=%v", err)
	}
}

func TestUpsertMovie_InsertThenUpdate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	m := storage.MovieRecord{
		MovieID:     1,
		Title:       "Toy Story",
		ReleaseYear: i64Ptr(1995),
		Decade:      strPtr("1990s"),
		IMDbID:      strPtr("tt0114709"),
		BoxOffice:   i64Ptr(28341469),
	}
	if err := s.UpsertMovie(ctx, m); err != nil {
		t.Fatalf("insert err=%v", err)
	}
	if err := s.UpsertMovie(ctx, m); err != nil {
		t.Fatalf("re-upsert err=%v", err)
	}
	if n := countRows(t, s.db, "movies"); n != 1 {
		t.Fatalf("movies rows=%d, want 1", n)
	}

	m.Title = "Toy Story (restored)"
	if err := s.UpsertMovie(ctx, m); err != nil {
		t.Fatalf("update err=%v", err)
	}
	var title string
	if err := s.db.QueryRow("SELECT title FROM movies WHERE movie_id = 1").Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "Toy Story (restored)" {
		t.Errorf("title=%q", title)
	}
}

func TestUpsertMovie_EnrichmentNeverRegresses(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	enriched := storage.MovieRecord{
		MovieID:  2,
		Title:    "Heat",
		Director: strPtr("Michael Mann"),
		IMDbID:   strPtr("tt0113277"),
	}
	if err := s.UpsertMovie(ctx, enriched); err != nil {
		t.Fatal(err)
	}

	// A later run whose lookup failed carries nil enrichment fields.
	bare := storage.MovieRecord{MovieID: 2, Title: "Heat"}
	if err := s.UpsertMovie(ctx, bare); err != nil {
		t.Fatal(err)
	}

	var director, imdb sql.NullString
	if err := s.db.QueryRow("SELECT omdb_director, omdb_imdb_id FROM movies WHERE movie_id = 2").Scan(&director, &imdb); err != nil {
		t.Fatal(err)
	}
	if !director.Valid || director.String != "Michael Mann" {
		t.Errorf("director=%v, want preserved", director)
	}
	if !imdb.Valid || imdb.String != "tt0113277" {
		t.Errorf("imdb=%v, want preserved", imdb)
	}

	// A fresher non-null value still wins.
	newer := storage.MovieRecord{MovieID: 2, Title: "Heat", Director: strPtr("M. Mann")}
	if err := s.UpsertMovie(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow("SELECT omdb_director FROM movies WHERE movie_id = 2").Scan(&director); err != nil {
		t.Fatal(err)
	}
	if director.String != "M. Mann" {
		t.Errorf("director=%q, want overwritten by non-null", director.String)
	}
}

func TestEnsureGenres_DedupesByName(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureGenres(ctx, []string{"Comedy", "Animation"})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("first=%v", first)
	}

	second, err := s.EnsureGenres(ctx, []string{"Animation", "Children"})
	if err != nil {
		t.Fatal(err)
	}
	if second["Animation"] != first["Animation"] {
		t.Errorf("Animation id changed: %d vs %d", second["Animation"], first["Animation"])
	}
	if n := countRows(t, s.db, "genres"); n != 3 {
		t.Errorf("genres rows=%d, want 3", n)
	}
}

func TestEnsureGenres_Empty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	got, err := s.EnsureGenres(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got=%v", got)
	}
}

func TestLinkMovieGenres_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMovie(ctx, storage.MovieRecord{MovieID: 1, Title: "Toy Story"}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.EnsureGenres(ctx, []string{"Comedy", "Animation"})
	if err != nil {
		t.Fatal(err)
	}

	pair := []int64{ids["Comedy"], ids["Animation"]}
	if err := s.LinkMovieGenres(ctx, 1, pair); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkMovieGenres(ctx, 1, pair); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, s.db, "movie_genres"); n != 2 {
		t.Errorf("movie_genres rows=%d, want 2", n)
	}
}

func TestEnsureUsers_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUsers(ctx, []int64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureUsers(ctx, []int64{2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, s.db, "users"); n != 4 {
		t.Errorf("users rows=%d, want 4", n)
	}
}

func TestUpsertRating_Overwrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMovie(ctx, storage.MovieRecord{MovieID: 1, Title: "Toy Story"}); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureUsers(ctx, []int64{7}); err != nil {
		t.Fatal(err)
	}

	r := storage.RatingRecord{UserID: 7, MovieID: 1, Rating: 3.5, RatedAt: strPtr("1996-12-28T15:14:46Z")}
	if err := s.UpsertRating(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.Rating = 4.5
	if err := s.UpsertRating(ctx, r); err != nil {
		t.Fatal(err)
	}

	var rating float64
	var ratedAt sql.NullString
	if err := s.db.QueryRow("SELECT rating, rated_at FROM ratings WHERE user_id = 7 AND movie_id = 1").Scan(&rating, &ratedAt); err != nil {
		t.Fatal(err)
	}
	if rating != 4.5 {
		t.Errorf("rating=%v, want 4.5", rating)
	}
	if !ratedAt.Valid || ratedAt.String != "1996-12-28T15:14:46Z" {
		t.Errorf("rated_at=%v", ratedAt)
	}
	if n := countRows(t, s.db, "ratings"); n != 1 {
		t.Errorf("ratings rows=%d, want 1", n)
	}
}
