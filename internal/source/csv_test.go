package source

import (
	"context"
	"strings"
	"testing"
)

func collectMovies(t *testing.T, csvText string) ([]MovieRow, []int, error) {
	t.Helper()

	out := make(chan MovieRow, 64)
	var badLines []int
	err := StreamMovies(context.Background(), strings.NewReader(csvText), out, func(line int, err error) {
		badLines = append(badLines, line)
	})
	close(out)

	var rows []MovieRow
	for r := range out {
		rows = append(rows, r)
	}
	return rows, badLines, err
}

func collectRatings(t *testing.T, csvText string) ([]RatingRow, []int, error) {
	t.Helper()

	out := make(chan RatingRow, 64)
	var badLines []int
	err := StreamRatings(context.Background(), strings.NewReader(csvText), out, func(line int, err error) {
		badLines = append(badLines, line)
	})
	close(out)

	var rows []RatingRow
	for r := range out {
		rows = append(rows, r)
	}
	return rows, badLines, err
}

func TestStreamMovies(t *testing.T) {
	t.Parallel()

	csvText := "movieId,title,genres\n" +
		"1,Toy Story (1995),Animation|Comedy\n" +
		"2,Jumanji (1995),Adventure\n"

	rows, bad, err := collectMovies(t, csvText)
	if err != nil {
		t.Fatalf("StreamMovies err=%v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("bad lines=%v, want none", bad)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0].ID != 1 || rows[0].Title != "Toy Story (1995)" || rows[0].Genres != "Animation|Comedy" {
		t.Errorf("row[0]=%+v", rows[0])
	}
	if rows[1].Line != 3 {
		t.Errorf("row[1].Line=%d, want 3", rows[1].Line)
	}
}

func TestStreamMovies_SkipsMalformedRows(t *testing.T) {
	t.Parallel()

	csvText := "movieId,title,genres\n" +
		"abc,Broken (1990),Drama\n" +
		"2,,Drama\n" +
		"3,Fine (1991),Drama\n"

	rows, bad, err := collectMovies(t, csvText)
	if err != nil {
		t.Fatalf("StreamMovies err=%v", err)
	}
	if len(rows) != 1 || rows[0].ID != 3 {
		t.Fatalf("rows=%+v, want only movieId=3", rows)
	}
	if len(bad) != 2 {
		t.Fatalf("bad lines=%v, want 2 entries", bad)
	}
}

func TestStreamMovies_BOMAndHeaderCase(t *testing.T) {
	t.Parallel()

	csvText := "\ufeffmovieId,Title,Genres\n1,Heat (1995),Action\n"
	rows, bad, err := collectMovies(t, csvText)
	if err != nil || len(bad) != 0 {
		t.Fatalf("err=%v bad=%v", err, bad)
	}
	if len(rows) != 1 || rows[0].Title != "Heat (1995)" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestStreamMovies_MissingRequiredColumns(t *testing.T) {
	t.Parallel()

	_, _, err := collectMovies(t, "id,name\n1,x\n")
	if err == nil {
		t.Fatalf("want error for missing movieId/title columns")
	}
}

func TestStreamRatings(t *testing.T) {
	t.Parallel()

	csvText := "userId,movieId,rating,timestamp\n" +
		"5,1,4.5,851786086\n" +
		"7,2,3.0,\n"

	rows, bad, err := collectRatings(t, csvText)
	if err != nil {
		t.Fatalf("StreamRatings err=%v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("bad lines=%v", bad)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0].UserID != 5 || rows[0].MovieID != 1 || rows[0].Rating != 4.5 {
		t.Errorf("row[0]=%+v", rows[0])
	}
	if rows[0].Timestamp == nil || *rows[0].Timestamp != 851786086 {
		t.Errorf("row[0].Timestamp=%v, want 851786086", rows[0].Timestamp)
	}
	if rows[1].Timestamp != nil {
		t.Errorf("row[1].Timestamp=%v, want nil", rows[1].Timestamp)
	}
}

func TestStreamRatings_SkipsMalformedKeyFields(t *testing.T) {
	t.Parallel()

	csvText := "userId,movieId,rating,timestamp\n" +
		"x,1,4.5,0\n" +
		"5,y,4.5,0\n" +
		"5,1,high,0\n" +
		"5,1,4.5,not-a-time\n"

	rows, bad, err := collectRatings(t, csvText)
	if err != nil {
		t.Fatalf("StreamRatings err=%v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%+v, want 1 surviving row", rows)
	}
	if rows[0].Timestamp != nil {
		t.Errorf("unparseable timestamp should degrade to nil, got %v", *rows[0].Timestamp)
	}
	if len(bad) != 3 {
		t.Fatalf("bad lines=%v, want 3 entries", bad)
	}
}

func TestStreamMovies_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan MovieRow) // unbuffered: send would block anyway
	err := StreamMovies(ctx, strings.NewReader("movieId,title\n1,A (1990)\n"), out, nil)
	if err == nil {
		t.Fatalf("want context error")
	}
}
