package omdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient wires a Client against a test server with no real sleeping.
func newTestClient(t *testing.T, srv *httptest.Server, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()

	var slept []time.Duration
	c := NewClient(Options{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		MaxRetries: maxRetries,
		sleep: func(ctx context.Context, d time.Duration) bool {
			slept = append(slept, d)
			return true
		},
	})
	c.http = srv.Client()
	return c, &slept
}

func intPtr(v int) *int { return &v }

func TestLookup_Found(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Write([]byte(`{
			"Response": "True",
			"imdbID": "tt0114709",
			"Director": "John Lasseter",
			"Plot": "Toys come alive.",
			"BoxOffice": "$28,341,469",
			"Runtime": "81 min"
		}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 0)

	d, err := c.Lookup(context.Background(), "Toy Story (1995)", intPtr(1995))
	if err != nil {
		t.Fatalf("Lookup err=%v", err)
	}
	if d == nil {
		t.Fatalf("Lookup returned nil details")
	}
	if d.IMDbID == nil || *d.IMDbID != "tt0114709" {
		t.Errorf("IMDbID=%v", d.IMDbID)
	}
	if d.Director == nil || *d.Director != "John Lasseter" {
		t.Errorf("Director=%v", d.Director)
	}
	if d.BoxOffice == nil || *d.BoxOffice != 28341469 {
		t.Errorf("BoxOffice=%v", d.BoxOffice)
	}
	if d.RuntimeMinutes == nil || *d.RuntimeMinutes != 81 {
		t.Errorf("RuntimeMinutes=%v", d.RuntimeMinutes)
	}

	q := gotQuery.Load().(interface{ Get(string) string })
	if q.Get("t") != "Toy Story" {
		t.Errorf("query title=%q, want stripped year", q.Get("t"))
	}
	if q.Get("y") != "1995" || q.Get("apikey") != "test-key" || q.Get("type") != "movie" {
		t.Errorf("query=%v", gotQuery.Load())
	}
}

func TestLookup_NAFieldsBecomeNil(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Response":"True","imdbID":"tt0113277","Director":"Michael Mann","Plot":"N/A","BoxOffice":"N/A","Runtime":"N/A"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 0)

	d, err := c.Lookup(context.Background(), "Heat (1995)", intPtr(1995))
	if err != nil || d == nil {
		t.Fatalf("Lookup d=%v err=%v", d, err)
	}
	if d.Plot != nil || d.BoxOffice != nil || d.RuntimeMinutes != nil {
		t.Errorf("N/A fields should be nil: %+v", d)
	}
	if d.Director == nil {
		t.Errorf("Director should survive")
	}
}

func TestLookup_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Response":"False","Error":"Movie not found!"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 2)

	d, err := c.Lookup(context.Background(), "No Such Film (1900)", nil)
	if err != nil {
		t.Fatalf("not-found should not be an error, got %v", err)
	}
	if d != nil {
		t.Fatalf("d=%+v, want nil", d)
	}
}

func TestLookup_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"Response":"True","imdbID":"tt0114709"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, 2)

	d, err := c.Lookup(context.Background(), "Toy Story (1995)", intPtr(1995))
	if err != nil || d == nil {
		t.Fatalf("Lookup d=%v err=%v", d, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls=%d, want 2", calls.Load())
	}
	if len(*slept) != 1 {
		t.Errorf("slept %d times, want 1", len(*slept))
	}
}

func TestLookup_RateLimitHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"Response":"True","imdbID":"tt0114709"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, 1)

	if _, err := c.Lookup(context.Background(), "Toy Story (1995)", nil); err != nil {
		t.Fatalf("Lookup err=%v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("slept=%v, want [3s]", *slept)
	}
}

func TestLookup_ExhaustedRetriesReportUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 2)

	d, err := c.Lookup(context.Background(), "Toy Story (1995)", nil)
	if d != nil {
		t.Fatalf("d=%+v, want nil", d)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
}

func TestLookup_AuthFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 5)

	_, err := c.Lookup(context.Background(), "Toy Story (1995)", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls=%d, want 1 (4xx is permanent)", calls.Load())
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := time.Second

	if got := backoffDelay(base, max, 1); got != base {
		t.Errorf("attempt 1: %v", got)
	}
	if got := backoffDelay(base, max, 2); got != 2*base {
		t.Errorf("attempt 2: %v", got)
	}
	if got := backoffDelay(base, max, 10); got != max {
		t.Errorf("attempt 10 should clamp: %v", got)
	}
}
