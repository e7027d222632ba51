// Package transform contains the pure derivations applied to raw movie rows
// before loading: release year / decade buckets from MovieLens-style titles,
// genre list splitting, and scrubbing of OMDb payload fields.
//
// Everything here is total: parse failures degrade to "absent" values (nil or
// !ok), never to errors. The loader decides what absence means per field.
package transform

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// noGenresSentinel is the MovieLens marker for an empty genre list.
const noGenresSentinel = "(no genres listed)"

// YearFromTitle extracts a release year from a trailing parenthesized suffix,
// e.g. "Toy Story (1995)" -> 1995.
//
// Edge cases:
//   - Titles with multiple parentheticals use the last one: "Crow, The (a) (1994)".
//   - A non-numeric suffix like "(Heat)" returns ok=false.
func YearFromTitle(title string) (int, bool) {
	t := strings.TrimSpace(title)
	if !strings.HasSuffix(t, ")") {
		return 0, false
	}
	open := strings.LastIndex(t, "(")
	if open < 0 {
		return 0, false
	}
	inner := strings.TrimSpace(t[open+1 : len(t)-1])
	y, err := strconv.Atoi(inner)
	if err != nil {
		return 0, false
	}
	return y, true
}

// Decade buckets a year into its decade string: 1994 -> "1990s".
func Decade(year int) string {
	return strconv.Itoa((year/10)*10) + "s"
}

// SplitGenres splits a raw genre field into distinct, non-empty genre names.
//
// MovieLens uses '|' as the separator; some exports use ','. The
// "(no genres listed)" sentinel yields an empty slice. Names are
// NFC-normalized so the same genre spelled with different Unicode forms
// resolves to one genres row, and first-appearance order is preserved.
func SplitGenres(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	sep := ","
	if strings.Contains(raw, "|") {
		sep = "|"
	}

	parts := strings.Split(raw, sep)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		g := norm.NFC.String(strings.TrimSpace(p))
		if g == "" || strings.EqualFold(g, noGenresSentinel) {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// QueryTitle strips trailing parentheticals for enrichment lookups:
// "City of Lost Children, The (Cité des enfants perdus, La) (1995)" ->
// "City of Lost Children, The".
//
// The result is NFC-normalized; the lookup API does not distinguish
// composed/decomposed forms, but stable bytes make retries and caches behave.
func QueryTitle(title string) string {
	t := strings.TrimSpace(title)
	for strings.HasSuffix(t, ")") {
		open := strings.LastIndex(t, " (")
		if open < 0 {
			break
		}
		t = strings.TrimSpace(t[:open])
	}
	return norm.NFC.String(t)
}

// CleanNA maps the OMDb "N/A" marker (and empty strings) to nil.
func CleanNA(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" || strings.EqualFold(t, "N/A") {
		return nil
	}
	return &t
}

// CleanBoxOffice parses OMDb box office strings like "$28,341,469" into
// dollar integers. Unparseable input (including "N/A") yields nil.
func CleanBoxOffice(s string) *int64 {
	t := strings.TrimSpace(s)
	if t == "" || strings.EqualFold(t, "N/A") {
		return nil
	}
	t = strings.ReplaceAll(t, "$", "")
	t = strings.ReplaceAll(t, ",", "")
	n, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// CleanRuntime parses OMDb runtime strings like "81 min" into minutes.
// Unparseable input yields nil.
func CleanRuntime(s string) *int64 {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" || t == "n/a" {
		return nil
	}
	t = strings.TrimSpace(strings.TrimSuffix(t, "min"))
	n, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Timestamp renders a unix-seconds rating timestamp as RFC3339 UTC.
// All backends store rated_at as text for reliable round-trips.
func Timestamp(unixSecs int64) string {
	return time.Unix(unixSecs, 0).UTC().Format(time.RFC3339)
}
