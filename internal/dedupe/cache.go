package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

// MarkerTTL is how long an applied (subject, label, negation) triple is remembered.
const MarkerTTL = 7 * 24 * time.Hour

const markerValue = "1"

// Cache is the external TTL key-value store backing idempotency markers.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func MarkerKey(subject, label string, neg bool) string {
	return fmt.Sprintf("label:%s:%s:%s", subject, label, strconv.FormatBool(neg))
}
