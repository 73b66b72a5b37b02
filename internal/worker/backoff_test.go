package worker

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	cap := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, cap, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffMonotone(t *testing.T) {
	base := time.Second
	cap := 5 * time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		got := Backoff(base, cap, attempt)
		if got < prev {
			t.Fatalf("backoff decreased at attempt %d: %s -> %s", attempt, prev, got)
		}
		if got > cap {
			t.Fatalf("backoff exceeded cap at attempt %d: %s", attempt, got)
		}
		prev = got
	}
}
