// Package loader runs the two-pass load:
//   - Pass 1: stream movies.csv, derive year/decade/genres, enrich via lookup,
//     and upsert movies, genres and links.
//   - Pass 2: stream ratings.csv, ensure users and upsert ratings.
//
// Movies must be fully loaded before any rating references them, hence the
// strict pass ordering. Within pass 1 enrichment fans out over a bounded
// worker pool because the lookup dominates wall time.
package loader

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"movieetl/internal/metrics"
	"movieetl/internal/omdb"
	"movieetl/internal/source"
	"movieetl/internal/storage"
	"movieetl/internal/transform"
)

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// EnrichFn resolves movie details by cleaned title and optional year.
// Implementations follow the omdb.Client contract: (nil, nil) means no match,
// an error means the lookup service was unreachable.
type EnrichFn func(ctx context.Context, title string, year *int) (*omdb.Details, error)

// Sources are the two input streams of one run.
type Sources struct {
	Movies  io.Reader
	Ratings io.Reader
}

// Summary counts what one run did. All counters are per-run, not cumulative
// over the warehouse.
type Summary struct {
	MoviesSeen      int64
	MoviesLoaded    int64
	MoviesSkipped   int64
	MoviesEnriched  int64
	EnrichMisses    int64
	DuplicateTitles int64
	GenresLinked    int64

	RatingsSeen    int64
	RatingsLoaded  int64
	RatingsSkipped int64
	UsersEnsured   int64
}

// Loader wires the store, the enrichment client and runtime knobs.
type Loader struct {
	Store storage.Store

	// Enrich is optional; when nil movies load without enrichment.
	Enrich EnrichFn

	Logger Logger

	// Workers bounds enrichment concurrency in pass 1. Default 4.
	Workers int

	// BatchSize groups rating upserts per user-ensure round trip in pass 2.
	// Default 512.
	BatchSize int
}

// counters is the mutable, goroutine-safe form of Summary.
type counters struct {
	moviesSeen      atomic.Int64
	moviesLoaded    atomic.Int64
	moviesSkipped   atomic.Int64
	moviesEnriched  atomic.Int64
	enrichMisses    atomic.Int64
	duplicateTitles atomic.Int64
	genresLinked    atomic.Int64

	ratingsSeen    atomic.Int64
	ratingsLoaded  atomic.Int64
	ratingsSkipped atomic.Int64
	usersEnsured   atomic.Int64
}

func (c *counters) summary() Summary {
	return Summary{
		MoviesSeen:      c.moviesSeen.Load(),
		MoviesLoaded:    c.moviesLoaded.Load(),
		MoviesSkipped:   c.moviesSkipped.Load(),
		MoviesEnriched:  c.moviesEnriched.Load(),
		EnrichMisses:    c.enrichMisses.Load(),
		DuplicateTitles: c.duplicateTitles.Load(),
		GenresLinked:    c.genresLinked.Load(),
		RatingsSeen:     c.ratingsSeen.Load(),
		RatingsLoaded:   c.ratingsLoaded.Load(),
		RatingsSkipped:  c.ratingsSkipped.Load(),
		UsersEnsured:    c.usersEnsured.Load(),
	}
}

// Run executes both passes. Any store error aborts the run; parse and
// enrichment failures are absorbed into the summary counters.
func (l *Loader) Run(ctx context.Context, src Sources) (Summary, error) {
	if l.Store == nil {
		return Summary{}, fmt.Errorf("loader: Store is required")
	}
	if src.Movies == nil || src.Ratings == nil {
		return Summary{}, fmt.Errorf("loader: both movie and rating sources are required")
	}

	logf := l.logger()
	var c counters

	schemaStart := time.Now()
	if err := l.Store.EnsureSchema(ctx); err != nil {
		metrics.StepDone("schema", "error", time.Since(schemaStart))
		return c.summary(), err
	}
	metrics.StepDone("schema", "ok", time.Since(schemaStart))
	logf("stage=schema ok duration=%s", durMS(schemaStart))

	pass1Start := time.Now()
	movieIDs, remap, err := l.loadMovies(ctx, src.Movies, &c, logf)
	if err != nil {
		metrics.StepDone("pass1_movies", "error", time.Since(pass1Start))
		return c.summary(), err
	}
	metrics.StepDone("pass1_movies", "ok", time.Since(pass1Start))
	logf("stage=pass1_movies ok duration=%s loaded=%d skipped=%d duplicates=%d",
		durMS(pass1Start), c.moviesLoaded.Load(), c.moviesSkipped.Load(), c.duplicateTitles.Load())

	pass2Start := time.Now()
	if err := l.loadRatings(ctx, src.Ratings, movieIDs, remap, &c, logf); err != nil {
		metrics.StepDone("pass2_ratings", "error", time.Since(pass2Start))
		return c.summary(), err
	}
	metrics.StepDone("pass2_ratings", "ok", time.Since(pass2Start))
	logf("stage=pass2_ratings ok duration=%s loaded=%d skipped=%d",
		durMS(pass2Start), c.ratingsLoaded.Load(), c.ratingsSkipped.Load())

	return c.summary(), nil
}

func (l *Loader) logger() func(format string, v ...any) {
	if l.Logger == nil {
		lg := log.New(io.Discard, "", 0)
		return lg.Printf
	}
	return l.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// movieJob is one deduplicated movie handed to an enrichment worker.
type movieJob struct {
	row    source.MovieRow
	year   *int64
	decade *string
	genres []string
}

// loadMovies streams, dedupes and loads pass 1.
//
// Returns the set of loaded canonical movie ids and the duplicate remap
// (duplicate id -> canonical id) pass 2 needs to rewrite rating references.
func (l *Loader) loadMovies(
	ctx context.Context,
	r io.Reader,
	c *counters,
	logf func(format string, v ...any),
) (map[int64]bool, map[int64]int64, error) {
	workers := l.Workers
	if workers <= 0 {
		workers = 4
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	jobCh := make(chan movieJob, workers*2)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()

			// Per-worker genre id cache avoids locking; workers converge on
			// the same ids because genre identity is the unique name.
			genreIDs := make(map[string]int64)

			for job := range jobCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}

				if err := l.processMovie(ctx, job, genreIDs, c); err != nil {
					setErr(err)
				}
			}
		}()
	}

	// The producer is the only writer of the dedupe state, so the canonical
	// maps need no locking.
	loaded := make(map[int64]bool)
	remap := make(map[int64]int64)
	canonical := make(map[string]int64)

	rowCh := make(chan source.MovieRow, workers*2)
	streamErrCh := make(chan error, 1)
	go func() {
		streamErrCh <- source.StreamMovies(ctx, r, rowCh, func(line int, err error) {
			c.moviesSkipped.Add(1)
			logf("stage=pass1_movies status=skip line=%d err=%v", line, err)
		})
		close(rowCh)
	}()

	for row := range rowCh {
		c.moviesSeen.Add(1)
		metrics.AddRecords("movies", 1)

		var year *int64
		var decade *string
		if y, ok := transform.YearFromTitle(row.Title); ok {
			y64 := int64(y)
			year = &y64
			d := transform.Decade(y)
			decade = &d
		}

		key := dedupeKey(row.Title, year)
		if canonID, seen := canonical[key]; seen {
			c.duplicateTitles.Add(1)
			remap[row.ID] = canonID
			logf("stage=pass1_movies status=duplicate movie_id=%d canonical_id=%d title=%q",
				row.ID, canonID, row.Title)
			continue
		}
		canonical[key] = row.ID
		loaded[row.ID] = true

		job := movieJob{row: row, year: year, decade: decade, genres: transform.SplitGenres(row.Genres)}
		select {
		case jobCh <- job:
		case <-ctx.Done():
		}
	}

	close(jobCh)
	wg.Wait()

	if err := <-streamErrCh; err != nil {
		select {
		case werr := <-errCh:
			return nil, nil, werr
		default:
		}
		if ctx.Err() != nil && context.Cause(ctx) != nil && context.Cause(ctx) != ctx.Err() {
			return nil, nil, context.Cause(ctx)
		}
		return nil, nil, err
	}

	select {
	case werr := <-errCh:
		return nil, nil, werr
	default:
	}

	return loaded, remap, nil
}

// processMovie enriches and upserts a single movie with its genre links.
func (l *Loader) processMovie(
	ctx context.Context,
	job movieJob,
	genreIDs map[string]int64,
	c *counters,
) error {
	rec := storage.MovieRecord{
		MovieID:     job.row.ID,
		Title:       job.row.Title,
		ReleaseYear: job.year,
		Decade:      job.decade,
	}

	if l.Enrich != nil {
		var year *int
		if job.year != nil {
			y := int(*job.year)
			year = &y
		}
		details, err := l.Enrich(ctx, job.row.Title, year)
		switch {
		case err != nil:
			// Unreachable lookup service must not sink the run; the movie
			// loads bare and a later run fills the gap.
			c.enrichMisses.Add(1)
		case details == nil:
			c.enrichMisses.Add(1)
		default:
			c.moviesEnriched.Add(1)
			rec.IMDbID = details.IMDbID
			rec.Director = details.Director
			rec.Plot = details.Plot
			rec.BoxOffice = details.BoxOffice
			rec.RuntimeMinutes = details.RuntimeMinutes
		}
	}

	if err := l.Store.UpsertMovie(ctx, rec); err != nil {
		return err
	}
	c.moviesLoaded.Add(1)

	if len(job.genres) == 0 {
		return nil
	}

	missing := job.genres[:0:0]
	for _, g := range job.genres {
		if _, ok := genreIDs[g]; !ok {
			missing = append(missing, g)
		}
	}
	if len(missing) > 0 {
		resolved, err := l.Store.EnsureGenres(ctx, missing)
		if err != nil {
			return err
		}
		for name, id := range resolved {
			genreIDs[name] = id
		}
	}

	ids := make([]int64, 0, len(job.genres))
	for _, g := range job.genres {
		id, ok := genreIDs[g]
		if !ok {
			return fmt.Errorf("loader: genre %q unresolved after ensure", g)
		}
		ids = append(ids, id)
	}

	if err := l.Store.LinkMovieGenres(ctx, job.row.ID, ids); err != nil {
		return err
	}
	c.genresLinked.Add(int64(len(ids)))
	return nil
}

// dedupeKey identifies a movie by case-folded title and parsed year. Distinct
// source ids that collide on this key are the MovieLens duplicate-title rows.
func dedupeKey(title string, year *int64) string {
	k := strings.ToLower(strings.TrimSpace(title))
	if year != nil {
		return fmt.Sprintf("%s\x00%d", k, *year)
	}
	return k
}

// loadRatings streams pass 2 and upserts ratings in user-ensure batches.
func (l *Loader) loadRatings(
	ctx context.Context,
	r io.Reader,
	movieIDs map[int64]bool,
	remap map[int64]int64,
	c *counters,
	logf func(format string, v ...any),
) error {
	batchSize := l.BatchSize
	if batchSize <= 0 {
		batchSize = 512
	}

	seenUsers := make(map[int64]bool)
	batch := make([]storage.RatingRecord, 0, batchSize)
	newUsers := make([]int64, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if len(newUsers) > 0 {
			if err := l.Store.EnsureUsers(ctx, newUsers); err != nil {
				return err
			}
			c.usersEnsured.Add(int64(len(newUsers)))
			newUsers = newUsers[:0]
		}

		for _, rec := range batch {
			if err := l.Store.UpsertRating(ctx, rec); err != nil {
				return err
			}
			c.ratingsLoaded.Add(1)
		}
		batch = batch[:0]
		return nil
	}

	rowCh := make(chan source.RatingRow, batchSize)
	streamErrCh := make(chan error, 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		streamErrCh <- source.StreamRatings(ctx, r, rowCh, func(line int, err error) {
			c.ratingsSkipped.Add(1)
			logf("stage=pass2_ratings status=skip line=%d err=%v", line, err)
		})
		close(rowCh)
	}()

	var loopErr error
	for row := range rowCh {
		if loopErr != nil {
			continue
		}

		c.ratingsSeen.Add(1)
		metrics.AddRecords("ratings", 1)

		movieID := row.MovieID
		if canonID, ok := remap[movieID]; ok {
			movieID = canonID
		}
		if !movieIDs[movieID] {
			// Rating references a movie that never loaded (absent or
			// malformed in movies.csv).
			c.ratingsSkipped.Add(1)
			logf("stage=pass2_ratings status=skip line=%d err=unknown movie_id=%d", row.Line, row.MovieID)
			continue
		}

		if !seenUsers[row.UserID] {
			seenUsers[row.UserID] = true
			newUsers = append(newUsers, row.UserID)
		}

		rec := storage.RatingRecord{
			UserID:  row.UserID,
			MovieID: movieID,
			Rating:  row.Rating,
		}
		if row.Timestamp != nil {
			ts := transform.Timestamp(*row.Timestamp)
			rec.RatedAt = &ts
		}

		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				loopErr = err
				cancel()
			}
		}
	}

	if err := <-streamErrCh; err != nil && loopErr == nil {
		loopErr = err
	}
	if loopErr != nil {
		return loopErr
	}
	return flush()
}
