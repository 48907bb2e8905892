package platform

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultsRegistry(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cases := []struct {
		id    string
		limit int
		delay time.Duration
	}{
		{"facebook", 63206, 30 * time.Second},
		{"threads", 500, 10 * time.Second},
		{"x", 280, 5 * time.Second},
		{"linkedin", 3000, 60 * time.Second},
		{"bluesky", 300, 5 * time.Second},
		{"mastodon", 500, 10 * time.Second},
	}
	for _, tc := range cases {
		d, err := r.Lookup(tc.id)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", tc.id, err)
		}
		if d.CharLimit != tc.limit || d.MinDelay != tc.delay || d.MaxAttempts != DefaultMaxAttempts {
			t.Fatalf("%s: got %+v", tc.id, d)
		}
	}
}

func TestLookupNormalizesAndRejectsUnknown(t *testing.T) {
	r, _ := NewRegistry(Defaults()...)
	if _, err := r.Lookup("  LinkedIn "); err != nil {
		t.Fatalf("expected case-insensitive lookup, got %v", err)
	}
	_, err := r.Lookup("myspace")
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err = %v, want ErrUnknownPlatform", err)
	}
}

func TestOverridesReplaceDefaults(t *testing.T) {
	descs := append(Defaults(), Descriptor{ID: "X", Name: "X", CharLimit: 10, MinDelay: time.Second, MaxAttempts: 5})
	r, err := NewRegistry(descs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d, _ := r.Lookup("x")
	if d.CharLimit != 10 || d.MaxAttempts != 5 {
		t.Fatalf("override not applied: %+v", d)
	}
	if got := len(r.IDs()); got != len(Defaults()) {
		t.Fatalf("IDs len = %d", got)
	}
}

func TestNewRegistryValidates(t *testing.T) {
	if _, err := NewRegistry(Descriptor{ID: " "}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := NewRegistry(Descriptor{ID: "a", MaxAttempts: 0}); err == nil {
		t.Fatal("expected error for zero max attempts")
	}
}

func TestBackoffMonotonicAndFloored(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2}
	floor := 5 * time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Delay(attempt, floor)
		if d < floor {
			t.Fatalf("attempt %d: %s below floor", attempt, d)
		}
		if d < prev {
			t.Fatalf("attempt %d: %s decreased from %s", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("attempt %d: %s above max", attempt, d)
		}
		prev = d
	}
}

func TestRetryDelayHonorsHint(t *testing.T) {
	d := Descriptor{ID: "x", MinDelay: 5 * time.Second, MaxAttempts: 3, Backoff: Backoff{Base: 5 * time.Second, Max: time.Minute}}
	if got := d.RetryDelay(1, 0); got != 5*time.Second {
		t.Fatalf("RetryDelay = %s", got)
	}
	if got := d.RetryDelay(1, 40*time.Second); got != 40*time.Second {
		t.Fatalf("RetryDelay with hint = %s", got)
	}
}

func TestFitsCountsRunes(t *testing.T) {
	d := Descriptor{CharLimit: 3}
	if !d.Fits("äöü") {
		t.Fatal("three runes should fit")
	}
	if d.Fits(strings.Repeat("a", 4)) {
		t.Fatal("four runes should not fit")
	}
	if !(Descriptor{}).Fits(strings.Repeat("a", 1000)) {
		t.Fatal("zero limit means unlimited")
	}
}
