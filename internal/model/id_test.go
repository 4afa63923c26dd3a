package model

import (
	"regexp"
	"testing"
	"time"
)

func TestNewRunIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^run_\d{10}_[0-9a-f]{8}$`)
	a := NewRunID()
	b := NewRunID()
	if !pattern.MatchString(a) {
		t.Errorf("run id %q does not match expected shape", a)
	}
	if a == b {
		t.Error("run ids must be unique")
	}
}

func TestNowRoundTrips(t *testing.T) {
	s := Now()
	parsed := ParseTime(s)
	if parsed.IsZero() {
		t.Fatalf("Now() produced unparseable timestamp %q", s)
	}
	if d := time.Since(parsed); d < 0 || d > time.Minute {
		t.Errorf("timestamp %s drifted by %s", s, d)
	}
}

func TestParseTimeMalformedIsZero(t *testing.T) {
	for _, s := range []string{"", "not a time", "2026-13-45T99:99:99Z"} {
		if !ParseTime(s).IsZero() {
			t.Errorf("ParseTime(%q) should be the zero time", s)
		}
	}
}
