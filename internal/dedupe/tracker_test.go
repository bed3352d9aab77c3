package dedupe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingCache struct{}

func (failingCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (failingCache) Delete(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

func (failingCache) Close() error { return nil }

type recordingCache struct {
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (c *recordingCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ttls[key]
	return ok, nil
}

func (c *recordingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttls == nil {
		c.ttls = map[string]time.Duration{}
	}
	c.ttls[key] = ttl
	return nil
}

func (c *recordingCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ttls, key)
	return nil
}

func (c *recordingCache) Close() error { return nil }

func TestMarkerKeyShape(t *testing.T) {
	if got := MarkerKey("did:plc:abc", "maga-trump", false); got != "label:did:plc:abc:maga-trump:false" {
		t.Fatalf("unexpected marker key %s", got)
	}
	if got := MarkerKey("did:plc:abc", "maga-trump", true); got != "label:did:plc:abc:maga-trump:true" {
		t.Fatalf("unexpected marker key %s", got)
	}
}

func TestTrackerMarksWithSevenDayTTL(t *testing.T) {
	cache := &recordingCache{}
	tracker := NewTracker(cache, nil)
	ctx := context.Background()

	if tracker.HasProcessed(ctx, "did:plc:abc", "spam", false) {
		t.Fatalf("expected unseen triple to be unprocessed")
	}
	tracker.MarkProcessed(ctx, "did:plc:abc", "spam", false)
	if !tracker.HasProcessed(ctx, "did:plc:abc", "spam", false) {
		t.Fatalf("expected marked triple to be processed")
	}
	if tracker.HasProcessed(ctx, "did:plc:abc", "spam", true) {
		t.Fatalf("expected negation to be tracked separately")
	}
	if ttl := cache.ttls["label:did:plc:abc:spam:false"]; ttl != 7*24*time.Hour {
		t.Fatalf("expected 7 day ttl, got %s", ttl)
	}
}

func TestTrackerClearOppositeRemovesInverseMarker(t *testing.T) {
	cache := &recordingCache{}
	tracker := NewTracker(cache, nil)
	ctx := context.Background()

	tracker.MarkProcessed(ctx, "did:plc:abc", "spam", false)
	tracker.ClearOpposite(ctx, "did:plc:abc", "spam", true)
	if tracker.HasProcessed(ctx, "did:plc:abc", "spam", false) {
		t.Fatalf("expected add marker to be cleared by a retraction")
	}
}

func TestTrackerDegradesWhenCacheUnavailable(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tracker := NewTracker(failingCache{}, zap.New(core))
	ctx := context.Background()

	if tracker.HasProcessed(ctx, "did:plc:abc", "spam", false) {
		t.Fatalf("expected cache failure to read as unprocessed")
	}
	tracker.MarkProcessed(ctx, "did:plc:abc", "spam", false)
	tracker.ClearOpposite(ctx, "did:plc:abc", "spam", false)

	if logs.Len() != 3 {
		t.Fatalf("expected 3 warnings, got %d", logs.Len())
	}
	if logs.FilterMessage("idempotency cache lookup failed").Len() != 1 {
		t.Fatalf("expected lookup failure warning, got %+v", logs.All())
	}
}

func TestTrackerNilCacheIsNoop(t *testing.T) {
	tracker := NewTracker(nil, nil)
	if tracker.HasProcessed(context.Background(), "did:plc:abc", "spam", false) {
		t.Fatalf("expected nil cache to report unprocessed")
	}
	tracker.MarkProcessed(context.Background(), "did:plc:abc", "spam", false)
}
