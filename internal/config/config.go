// Package config parses run configuration from flags, an optional .env file
// and the environment.
//
// Precedence, highest first: explicit flags, process environment, .env file,
// built-in defaults. Secrets (the lookup API key, the store DSN) are expected
// from the environment rather than flags so they stay out of shell history.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Severity classifies validation issues.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Field    string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// Config holds everything one run needs.
type Config struct {
	MoviesPath  string
	RatingsPath string

	StorageKind string
	StorageDSN  string

	OMDbAPIKey  string
	OMDbBaseURL string
	OMDbTimeout time.Duration
	OMDbRetries int

	Workers   int
	BatchSize int

	MetricsBackend string
	MetricsTags    string
	MetricsFlush   time.Duration

	ValidateOnly bool
	Verbose      bool
}

// Load parses args into a Config, overlaying environment values loaded via
// godotenv. A missing .env file is not an error.
//
// Errors:
//   - Flag parse failures (including -h, which carries the usage text).
//   - An unreadable envFile when one was named explicitly.
func Load(args []string, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	} else {
		// Default .env is optional.
		_ = godotenv.Load()
	}

	fs := flag.NewFlagSet("movie-etl", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg Config
	fs.StringVar(&cfg.MoviesPath, "movies", "movies.csv", "path to the movies CSV")
	fs.StringVar(&cfg.RatingsPath, "ratings", "ratings.csv", "path to the ratings CSV")
	fs.StringVar(&cfg.StorageKind, "storage", "sqlite", "storage backend (sqlite, postgres, mssql)")
	fs.StringVar(&cfg.StorageDSN, "dsn", "", "storage DSN (overrides env STORAGE_DSN)")
	fs.StringVar(&cfg.OMDbBaseURL, "omdb-url", "", "OMDb endpoint override (tests, proxies)")
	fs.DurationVar(&cfg.OMDbTimeout, "omdb-timeout", 15*time.Second, "per-request lookup timeout")
	fs.IntVar(&cfg.OMDbRetries, "omdb-retries", 2, "lookup retries after the first attempt")
	fs.IntVar(&cfg.Workers, "workers", 4, "enrichment worker count")
	fs.IntVar(&cfg.BatchSize, "batch", 512, "rating upsert batch size")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend (datadog, none); empty defers to env METRICS_BACKEND")
	fs.DurationVar(&cfg.MetricsFlush, "metrics-flush", time.Minute, "metrics flush interval")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, errors.New(usageBuf.String())
		}
		return Config{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	// Environment overlay for values not set by flags.
	cfg.OMDbAPIKey = os.Getenv("OMDB_API_KEY")
	if cfg.StorageDSN == "" {
		cfg.StorageDSN = os.Getenv("STORAGE_DSN")
	}
	if cfg.MetricsBackend == "" {
		cfg.MetricsBackend = os.Getenv("METRICS_BACKEND")
	}
	cfg.MetricsTags = os.Getenv("METRICS_TAGS")

	return cfg, nil
}

// Validate returns all findings; callers treat any SeverityError as fatal.
func (c Config) Validate() []Issue {
	var issues []Issue

	if c.MoviesPath == "" {
		issues = append(issues, Issue{SeverityError, "movies", "path is required"})
	}
	if c.RatingsPath == "" {
		issues = append(issues, Issue{SeverityError, "ratings", "path is required"})
	}

	switch c.StorageKind {
	case "sqlite", "postgres", "mssql":
	case "":
		issues = append(issues, Issue{SeverityError, "storage", "backend kind is required"})
	default:
		issues = append(issues, Issue{SeverityError, "storage",
			fmt.Sprintf("unknown backend %q (want sqlite, postgres or mssql)", c.StorageKind)})
	}

	if c.StorageDSN == "" {
		if c.StorageKind == "sqlite" {
			issues = append(issues, Issue{SeverityWarn, "dsn", "empty; defaulting to movies.db"})
		} else {
			issues = append(issues, Issue{SeverityError, "dsn", "required for " + c.StorageKind})
		}
	}

	if c.OMDbAPIKey == "" {
		issues = append(issues, Issue{SeverityWarn, "OMDB_API_KEY",
			"not set; movies load without enrichment"})
	}
	if c.Workers <= 0 {
		issues = append(issues, Issue{SeverityError, "workers", "must be > 0"})
	}
	if c.BatchSize <= 0 {
		issues = append(issues, Issue{SeverityError, "batch", "must be > 0"})
	}

	switch c.MetricsBackend {
	case "", "none", "datadog":
	default:
		issues = append(issues, Issue{SeverityWarn, "metrics-backend",
			fmt.Sprintf("unknown backend %q; metrics disabled", c.MetricsBackend)})
	}

	return issues
}

// HasError reports whether any issue is fatal.
func HasError(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
