// Package omdb is the enrichment lookup client.
//
// A lookup by (title, year) resolves to one of three outcomes:
//   - found: a Details bundle with whatever fields OMDb knows
//   - not found: (nil, nil) — the API answered, there is just no match
//   - unavailable: an error wrapping ErrUnavailable after retries ran out
//
// Callers treat "unavailable" the same as "not found" for the duration of a
// run: the movie is loaded with its enrichment fields left alone.
package omdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"movieetl/internal/metrics"
	"movieetl/internal/transform"
)

// DefaultBaseURL is the public OMDb endpoint.
const DefaultBaseURL = "http://www.omdbapi.com/"

// ErrUnavailable marks lookups that failed for transport reasons (network
// errors, 5xx, rate limiting) after retries were exhausted.
var ErrUnavailable = errors.New("omdb: lookup unavailable")

// Details is the enrichment bundle for one movie. Fields are nil when the
// payload carried "N/A" or nothing usable.
type Details struct {
	IMDbID         *string
	Director       *string
	Plot           *string
	BoxOffice      *int64
	RuntimeMinutes *int64
}

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string

	// Timeout applies per HTTP request. Default 15s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Default 2.
	MaxRetries int

	// BaseBackoff is the initial retry delay, doubled per attempt and capped
	// at MaxBackoff. Defaults 1500ms / 30s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// HTTPClient overrides the default client (tests, custom transports).
	HTTPClient *http.Client

	// now/sleep are test seams.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// Client looks up movie details against an OMDb-compatible endpoint.
type Client struct {
	apiKey      string
	baseURL     string
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	http  *http.Client
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewClient builds a Client, applying defaults for unset options.
func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseBackoff := opts.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 1500 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
			},
		}
	}

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	sleepFn := opts.sleep
	if sleepFn == nil {
		sleepFn = sleepContext
	}

	return &Client{
		apiKey:      opts.APIKey,
		baseURL:     baseURL,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		http:        hc,
		now:         nowFn,
		sleep:       sleepFn,
	}
}

// payload is the OMDb response envelope. OMDb signals misses in-band:
// HTTP 200 with Response=="False" and a human-readable Error.
type payload struct {
	Response  string `json:"Response"`
	Error     string `json:"Error"`
	IMDbID    string `json:"imdbID"`
	Director  string `json:"Director"`
	Plot      string `json:"Plot"`
	BoxOffice string `json:"BoxOffice"`
	Runtime   string `json:"Runtime"`
}

// Lookup queries by cleaned title and optional year.
//
// Returns:
//   - (*Details, nil) on a match
//   - (nil, nil) when the API answers "not found"
//   - (nil, err wrapping ErrUnavailable) when transport-level failures persist
//     through retries; callers recover by loading without enrichment
func (c *Client) Lookup(ctx context.Context, title string, year *int) (*Details, error) {
	reqURL, err := c.buildURL(title, year)
	if err != nil {
		return nil, fmt.Errorf("omdb: build url: %w", err)
	}

	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		details, retryAfter, err := c.attempt(ctx, reqURL)
		if err == nil {
			return details, nil
		}
		lastErr = err

		if !retryable(err) || attempt == attempts {
			break
		}

		wait := retryAfter
		if wait <= 0 {
			wait = backoffDelay(c.baseBackoff, c.maxBackoff, attempt)
		}
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// statusError carries an HTTP status for retry classification.
type statusError struct {
	status     int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.status)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	// Network-level errors (no status at all) are worth retrying.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// attempt performs one HTTP round-trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, reqURL string) (details *Details, retryAfter time.Duration, _ error) {
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP("omdb", 0, err, c.now().Sub(start), -1)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	dur := c.now().Sub(start)
	metrics.RecordHTTP("omdb", resp.StatusCode, readErr, dur, int64(len(body)))
	if readErr != nil {
		return nil, 0, readErr
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseRetryAfter(resp.Header), &statusError{status: resp.StatusCode}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	if p.Response != "True" {
		// The API answered; there is simply no match. Not an error.
		return nil, 0, nil
	}

	return &Details{
		IMDbID:         transform.CleanNA(p.IMDbID),
		Director:       transform.CleanNA(p.Director),
		Plot:           transform.CleanNA(p.Plot),
		BoxOffice:      transform.CleanBoxOffice(p.BoxOffice),
		RuntimeMinutes: transform.CleanRuntime(p.Runtime),
	}, 0, nil
}

func (c *Client) buildURL(title string, year *int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("apikey", c.apiKey)
	q.Set("t", transform.QueryTitle(title))
	q.Set("type", "movie")
	q.Set("r", "json")
	if year != nil {
		q.Set("y", strconv.Itoa(*year))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// backoffDelay is base * 2^(attempt-1), clamped to max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
