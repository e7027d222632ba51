// Package source streams raw movie and rating records out of MovieLens-style
// CSV files.
//
// Parsing is lenient by contract: a row whose key fields cannot be interpreted
// is reported through the onErr callback and skipped, so one bad line never
// aborts a run. Only I/O-level failures (unreadable input) are returned as
// errors.
package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MovieRow is one raw record from movies.csv.
type MovieRow struct {
	ID     int64
	Title  string
	Genres string

	// Line is the 1-based source line, carried for warnings.
	Line int
}

// RatingRow is one raw record from ratings.csv.
//
// Timestamp is unix seconds; nil when the column is absent or unparseable
// (a missing timestamp is not an error, per the rating contract).
type RatingRow struct {
	UserID    int64
	MovieID   int64
	Rating    float64
	Timestamp *int64

	Line int
}

// header maps lowercased source header names to positions.
//
// The first cell may carry a UTF-8 BOM, which Excel exports love to add.
func readHeader(cr *csv.Reader) (map[string]int, error) {
	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx, nil
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func col(idx map[string]int, name string) int {
	if i, ok := idx[name]; ok {
		return i
	}
	return -1
}

// StreamMovies reads movie rows from src and sends them on out.
//
// It does not close out; the caller owns the channel. Rows with a missing or
// non-integer movieId, or an empty title, go to onErr and are skipped.
func StreamMovies(ctx context.Context, src io.Reader, out chan<- MovieRow, onErr func(line int, err error)) error {
	cr := csv.NewReader(src)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	idx, err := readHeader(cr)
	if err != nil {
		return err
	}
	idID, idTitle, idGenres := col(idx, "movieid"), col(idx, "title"), col(idx, "genres")
	if idID < 0 || idTitle < 0 {
		return fmt.Errorf("movies csv: missing required columns movieId/title")
	}

	line := 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		id, err := strconv.ParseInt(cell(rec, idID), 10, 64)
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("movie row: bad movieId %q", cell(rec, idID)))
			}
			continue
		}
		title := cell(rec, idTitle)
		if title == "" {
			if onErr != nil {
				onErr(line, fmt.Errorf("movie row: empty title for movieId=%d", id))
			}
			continue
		}

		row := MovieRow{ID: id, Title: title, Genres: cell(rec, idGenres), Line: line}
		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StreamRatings reads rating rows from src and sends them on out.
//
// userId, movieId and rating are key fields: rows where any of them fail to
// parse go to onErr and are skipped. A bad timestamp only degrades to nil.
func StreamRatings(ctx context.Context, src io.Reader, out chan<- RatingRow, onErr func(line int, err error)) error {
	cr := csv.NewReader(src)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	idx, err := readHeader(cr)
	if err != nil {
		return err
	}
	idUser, idMovie, idRating, idTS := col(idx, "userid"), col(idx, "movieid"), col(idx, "rating"), col(idx, "timestamp")
	if idUser < 0 || idMovie < 0 || idRating < 0 {
		return fmt.Errorf("ratings csv: missing required columns userId/movieId/rating")
	}

	line := 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		userID, uerr := strconv.ParseInt(cell(rec, idUser), 10, 64)
		movieID, merr := strconv.ParseInt(cell(rec, idMovie), 10, 64)
		rating, rerr := strconv.ParseFloat(cell(rec, idRating), 64)
		if uerr != nil || merr != nil || rerr != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("rating row: bad key fields user=%q movie=%q rating=%q",
					cell(rec, idUser), cell(rec, idMovie), cell(rec, idRating)))
			}
			continue
		}

		var ts *int64
		if raw := cell(rec, idTS); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				ts = &v
			}
		}

		row := RatingRow{UserID: userID, MovieID: movieID, Rating: rating, Timestamp: ts, Line: line}
		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
