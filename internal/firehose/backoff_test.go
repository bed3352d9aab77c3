package firehose

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 60*time.Second)
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i, expected, got)
		}
	}
	for i := 0; i < 100; i++ {
		if got := b.Next(); got != 60*time.Second {
			t.Fatalf("expected delay to stay capped, got %s", got)
		}
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("expected attempt reset, got %d", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected 1s after reset, got %s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.initial != DefaultInitialDelay || b.max != DefaultMaxDelay {
		t.Fatalf("unexpected defaults %s/%s", b.initial, b.max)
	}
}
