package dedupe

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Tracker applies the idempotency policy on top of a Cache. A cache that cannot be
// reached never blocks an event: lookups report "not processed" and writes are dropped.
type Tracker struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewTracker(cache Cache, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cache: cache, ttl: MarkerTTL, logger: logger}
}

func (t *Tracker) HasProcessed(ctx context.Context, subject, label string, neg bool) bool {
	if t == nil || t.cache == nil {
		return false
	}
	exists, err := t.cache.Exists(ctx, MarkerKey(subject, label, neg))
	if err != nil {
		t.logger.Warn("idempotency cache lookup failed",
			zap.Error(err), zap.String("did", subject), zap.String("label", label), zap.Bool("neg", neg))
		return false
	}
	return exists
}

func (t *Tracker) MarkProcessed(ctx context.Context, subject, label string, neg bool) {
	if t == nil || t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, MarkerKey(subject, label, neg), markerValue, t.ttl); err != nil {
		t.logger.Warn("idempotency marker write failed",
			zap.Error(err), zap.String("did", subject), zap.String("label", label), zap.Bool("neg", neg))
	}
}

// ClearOpposite forgets the marker of the inverse event so a later re-application
// or retraction of the same label is not suppressed.
func (t *Tracker) ClearOpposite(ctx context.Context, subject, label string, neg bool) {
	if t == nil || t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, MarkerKey(subject, label, !neg)); err != nil {
		t.logger.Warn("idempotency opposite marker clear failed",
			zap.Error(err), zap.String("did", subject), zap.String("label", label), zap.Bool("neg", neg))
	}
}
