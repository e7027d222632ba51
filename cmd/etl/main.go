// Command etl loads a MovieLens-style dataset (movies.csv + ratings.csv) into
// a relational warehouse, enriching movies through OMDb on the way. Runs are
// idempotent: repeating a run against the same warehouse changes nothing.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"movieetl/internal/config"
	"movieetl/internal/loader"
	"movieetl/internal/metrics"
	"movieetl/internal/metrics/datadog"
	"movieetl/internal/omdb"
	"movieetl/internal/storage"

	// register all warehouse backends with the storage factory.
	_ "movieetl/internal/storage/all"
)

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenStore      func(ctx context.Context, cfg storage.Config) (storage.Store, error)
	BackendFactory func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error)
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		OpenStore: storage.New,
		BackendFactory: func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes the load and returns an exit code.
//
// Exit codes:
//   - 0: success (or -validate passed on a valid configuration).
//   - 1: the run started and failed (store gone mid-run, source unreadable).
//   - 2: configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.OpenStore == nil {
		fmt.Fprintln(d.Stderr, "internal error: OpenStore is nil")
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(args, "")
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasError(issues) {
		return 2
	}
	if cfg.ValidateOnly {
		fmt.Fprintln(d.Stdout, "configuration ok")
		return 0
	}

	switch cfg.MetricsBackend {
	case "datadog":
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		b, err := d.BackendFactory(ctx, datadog.ParseTagsCSV(cfg.MetricsTags), cfg.MetricsFlush)
		if err != nil {
			logger.Printf("metrics: datadog init failed: %v; using nop", err)
		} else {
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("metrics: close error: %v", err)
				}
			}()
		}
	case "", "none":
		// nop backend remains
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", cfg.MetricsBackend)
	}

	dsn := cfg.StorageDSN
	if dsn == "" && cfg.StorageKind == "sqlite" {
		dsn = "movies.db"
	}

	store, err := d.OpenStore(ctx, storage.Config{Kind: cfg.StorageKind, DSN: dsn})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open store: %v\n", err)
		return 2
	}
	defer store.Close()

	movies, err := os.Open(cfg.MoviesPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "open movies: %v\n", err)
		return 2
	}
	defer movies.Close()

	ratings, err := os.Open(cfg.RatingsPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "open ratings: %v\n", err)
		return 2
	}
	defer ratings.Close()

	var enrich loader.EnrichFn
	if cfg.OMDbAPIKey != "" {
		client := omdb.NewClient(omdb.Options{
			APIKey:     cfg.OMDbAPIKey,
			BaseURL:    cfg.OMDbBaseURL,
			Timeout:    cfg.OMDbTimeout,
			MaxRetries: cfg.OMDbRetries,
		})
		enrich = client.Lookup
	}

	l := &loader.Loader{
		Store:     store,
		Enrich:    enrich,
		Logger:    logger,
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
	}

	start := time.Now()
	sum, err := l.Run(ctx, loader.Sources{Movies: movies, Ratings: ratings})
	if err != nil {
		logger.Printf("run failed: %v", err)
		return 1
	}

	logger.Printf("run ok duration=%s movies_seen=%d movies_loaded=%d movies_skipped=%d movies_enriched=%d enrich_misses=%d duplicate_titles=%d genres_linked=%d ratings_seen=%d ratings_loaded=%d ratings_skipped=%d users_ensured=%d",
		time.Since(start).Truncate(time.Millisecond),
		sum.MoviesSeen, sum.MoviesLoaded, sum.MoviesSkipped,
		sum.MoviesEnriched, sum.EnrichMisses, sum.DuplicateTitles, sum.GenresLinked,
		sum.RatingsSeen, sum.RatingsLoaded, sum.RatingsSkipped, sum.UsersEnsured)

	if err := metrics.Flush(); err != nil {
		logger.Printf("metrics: flush error: %v", err)
	}
	return 0
}
