package postgres

import (
	"strings"
	"testing"
)

func TestBuildEnsureGenresSQL(t *testing.T) {
	t.Parallel()

	sqlText, args := buildEnsureGenresSQL([]string{"Comedy", "Animation", "Children"})

	want := "INSERT INTO genres (name) VALUES ($1), ($2), ($3) ON CONFLICT (name) DO NOTHING"
	if sqlText != want {
		t.Errorf("sql=%q\nwant %q", sqlText, want)
	}
	if len(args) != 3 || args[0] != "Comedy" || args[2] != "Children" {
		t.Errorf("args=%v", args)
	}
}

func TestBuildLinkMovieGenresSQL(t *testing.T) {
	t.Parallel()

	sqlText, args := buildLinkMovieGenresSQL(1, []int64{10, 11})

	want := "INSERT INTO movie_genres (movie_id, genre_id) VALUES ($1, $2), ($3, $4) ON CONFLICT (movie_id, genre_id) DO NOTHING"
	if sqlText != want {
		t.Errorf("sql=%q\nwant %q", sqlText, want)
	}
	wantArgs := []any{int64(1), int64(10), int64(1), int64(11)}
	if len(args) != len(wantArgs) {
		t.Fatalf("args=%v", args)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Errorf("args[%d]=%v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestBuildEnsureUsersSQL(t *testing.T) {
	t.Parallel()

	sqlText, args := buildEnsureUsersSQL([]int64{7, 8})

	want := "INSERT INTO users (user_id) VALUES ($1), ($2) ON CONFLICT (user_id) DO NOTHING"
	if sqlText != want {
		t.Errorf("sql=%q\nwant %q", sqlText, want)
	}
	if len(args) != 2 || args[0] != int64(7) || args[1] != int64(8) {
		t.Errorf("args=%v", args)
	}
}

func TestUpsertMovieSQL_CoalescesEnrichmentOnly(t *testing.T) {
	t.Parallel()

	for _, col := range []string{"omdb_imdb_id", "omdb_director", "omdb_plot", "omdb_box_office", "omdb_runtime_minutes"} {
		clause := col + " = COALESCE(excluded." + col + ", movies." + col + ")"
		if !strings.Contains(upsertMovieSQL, clause) {
			t.Errorf("missing non-regression clause for %s", col)
		}
	}

	// Descriptive columns always take the incoming value.
	for _, col := range []string{"title", "release_year", "decade"} {
		clause := col + " = excluded." + col
		if !strings.Contains(upsertMovieSQL, clause) {
			t.Errorf("missing plain update for %s", col)
		}
		if strings.Contains(upsertMovieSQL, col+" = COALESCE") {
			t.Errorf("%s must not coalesce", col)
		}
	}
}

func TestUpsertRatingSQL_OverwritesBothColumns(t *testing.T) {
	t.Parallel()

	if !strings.Contains(upsertRatingSQL, "ON CONFLICT (user_id, movie_id) DO UPDATE") {
		t.Errorf("sql=%q", upsertRatingSQL)
	}
	if !strings.Contains(upsertRatingSQL, "rating = excluded.rating") ||
		!strings.Contains(upsertRatingSQL, "rated_at = excluded.rated_at") {
		t.Errorf("sql=%q", upsertRatingSQL)
	}
}

func TestSchemaStatements_CoverAllTables(t *testing.T) {
	t.Parallel()

	joined := strings.Join(schemaStatements, "\n")
	for _, table := range []string{"movies", "genres", "movie_genres", "users", "ratings"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("missing DDL for %s", table)
		}
	}
	if !strings.Contains(joined, "name TEXT NOT NULL UNIQUE") {
		t.Errorf("genres.name must be unique")
	}
}
