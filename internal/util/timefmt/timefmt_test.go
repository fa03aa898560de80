package timefmt

import (
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	got := Format(ts)
	want := "2025-03-14T09:26:53.589Z"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2025, 3, 14, 11, 26, 53, 0, loc)
	got := Format(ts)
	want := "2025-03-14T09:26:53.000Z"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	parsed, err := Parse(Format(ts))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("round trip = %v, want %v", parsed, ts)
	}
}

func TestParse_RFC3339Fallback(t *testing.T) {
	parsed, err := Parse("2025-03-14T09:26:53Z")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Hour() != 9 || parsed.Minute() != 26 {
		t.Errorf("unexpected time: %v", parsed)
	}
}
