package labelsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/listmirror/internal/dedupe"
	"github.com/agentworkforce/listmirror/internal/firehose"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mutatorCall struct {
	op      string
	label   string
	subject string
}

type fakeMutator struct {
	mu      sync.Mutex
	calls   []mutatorCall
	outcome listsync.Outcome
	err     error
	block   chan struct{}
	panics  bool
}

func (f *fakeMutator) record(op, label, subject string) (listsync.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("mutator exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mutatorCall{op: op, label: label, subject: subject})
	return f.outcome, f.err
}

func (f *fakeMutator) Add(_ context.Context, label, subject string) (listsync.Outcome, error) {
	return f.record("add", label, subject)
}

func (f *fakeMutator) Remove(_ context.Context, label, subject string) (listsync.Outcome, error) {
	return f.record("remove", label, subject)
}

func (f *fakeMutator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// countingCache wraps a MemoryCache and counts marker writes.
type countingCache struct {
	*dedupe.MemoryCache
	mu      sync.Mutex
	sets    []string
	deletes []string
}

func (c *countingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	c.sets = append(c.sets, key)
	c.mu.Unlock()
	return c.MemoryCache.Set(ctx, key, value, ttl)
}

func (c *countingCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.deletes = append(c.deletes, key)
	c.mu.Unlock()
	return c.MemoryCache.Delete(ctx, key)
}

type brokenCache struct{}

func (brokenCache) Exists(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}
func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}
func (brokenCache) Delete(context.Context, string) error {
	return errors.New("dial tcp: connection refused")
}
func (brokenCache) Close() error { return nil }

func newTestHandler(t *testing.T, mutator Mutator, cache dedupe.Cache, logger *zap.Logger) *Handler {
	t.Helper()
	registry, err := lists.NewRegistry([]lists.List{{Label: "maga-trump", RecordKey: "3kexample"}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	handler, err := NewHandler(Options{
		Registry: registry,
		Tracker:  dedupe.NewTracker(cache, logger),
		Mutator:  mutator,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func newCountingCache(t *testing.T) *countingCache {
	t.Helper()
	cache := &countingCache{MemoryCache: dedupe.NewMemoryCache()}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestHandleSkipsNonDIDSubjects(t *testing.T) {
	mutator := &fakeMutator{}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, nil)

	for _, uri := range []string{
		"at://did:plc:abc/app.bsky.feed.post/3kpost",
		"https://example.com",
		"",
	} {
		if got := handler.Handle(context.Background(), firehose.LabelEvent{URI: uri, Val: "maga-trump"}); got != OutcomeSkippedSubject {
			t.Fatalf("expected %q to be skipped, got %s", uri, got)
		}
	}
	if mutator.callCount() != 0 || len(cache.sets) != 0 {
		t.Fatalf("expected no remote action, calls=%d sets=%d", mutator.callCount(), len(cache.sets))
	}
}

func TestHandleSkipsUnconfiguredLabels(t *testing.T) {
	mutator := &fakeMutator{}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, nil)

	if got := handler.Handle(context.Background(), firehose.LabelEvent{URI: "did:plc:abc", Val: "porn"}); got != OutcomeSkippedLabel {
		t.Fatalf("expected skipped label, got %s", got)
	}
	if mutator.callCount() != 0 || len(cache.sets) != 0 {
		t.Fatalf("expected no remote action, calls=%d sets=%d", mutator.callCount(), len(cache.sets))
	}
}

func TestHandleDuplicateEventMutatesOnce(t *testing.T) {
	mutator := &fakeMutator{outcome: listsync.OutcomeAdded}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, nil)
	event := firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"}

	if got := handler.Handle(context.Background(), event); got != OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}
	if got := handler.Handle(context.Background(), event); got != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}
	if mutator.callCount() != 1 {
		t.Fatalf("expected exactly one mutation, got %d", mutator.callCount())
	}
	if len(cache.sets) != 1 || cache.sets[0] != "label:did:plc:abc:maga-trump:false" {
		t.Fatalf("expected one marker write, got %v", cache.sets)
	}
	if mutator.calls[0] != (mutatorCall{op: "add", label: "maga-trump", subject: "did:plc:abc"}) {
		t.Fatalf("unexpected call %+v", mutator.calls[0])
	}
}

func TestHandleNegationWithoutRecordStillMarks(t *testing.T) {
	mutator := &fakeMutator{outcome: listsync.OutcomeNotMember}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, nil)

	got := handler.Handle(context.Background(), firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump", Neg: true})
	if got != OutcomeApplied {
		t.Fatalf("expected applied, got %s", got)
	}
	if mutator.calls[0].op != "remove" {
		t.Fatalf("expected remove, got %+v", mutator.calls[0])
	}
	if len(cache.sets) != 1 || cache.sets[0] != "label:did:plc:abc:maga-trump:true" {
		t.Fatalf("expected negation marker write, got %v", cache.sets)
	}
	if len(cache.deletes) != 1 || cache.deletes[0] != "label:did:plc:abc:maga-trump:false" {
		t.Fatalf("expected opposite marker clear, got %v", cache.deletes)
	}
}

func TestHandleReapplyAfterRetraction(t *testing.T) {
	mutator := &fakeMutator{outcome: listsync.OutcomeAdded}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, nil)
	ctx := context.Background()

	handler.Handle(ctx, firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"})
	handler.Handle(ctx, firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump", Neg: true})
	if got := handler.Handle(ctx, firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"}); got != OutcomeApplied {
		t.Fatalf("expected re-application to be applied after retraction, got %s", got)
	}
	if mutator.callCount() != 3 {
		t.Fatalf("expected 3 mutations, got %d", mutator.callCount())
	}
}

func TestHandleFailureSkipsMarker(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mutator := &fakeMutator{err: errors.New("xrpc createRecord: http 400")}
	cache := newCountingCache(t)
	handler := newTestHandler(t, mutator, cache, zap.New(core))

	if got := handler.Handle(context.Background(), firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"}); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if len(cache.sets) != 0 {
		t.Fatalf("expected no marker after failure, got %v", cache.sets)
	}
	if logs.FilterMessage("error handling label event").Len() != 1 {
		t.Fatalf("expected error log, got %v", logs.All())
	}
}

func TestHandleProceedsWhenCacheUnavailable(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mutator := &fakeMutator{outcome: listsync.OutcomeAdded}
	handler := newTestHandler(t, mutator, brokenCache{}, zap.New(core))

	if got := handler.Handle(context.Background(), firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"}); got != OutcomeApplied {
		t.Fatalf("expected applied despite cache outage, got %s", got)
	}
	if mutator.callCount() != 1 {
		t.Fatalf("expected mutation to proceed, got %d calls", mutator.callCount())
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 3 {
		t.Fatalf("expected lookup, write and clear warnings, got %v", logs.All())
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	mutator := &fakeMutator{panics: true}
	handler := newTestHandler(t, mutator, newCountingCache(t), nil)

	if got := handler.Handle(context.Background(), firehose.LabelEvent{URI: "did:plc:abc", Val: "maga-trump"}); got != OutcomeFailed {
		t.Fatalf("expected failed after panic, got %s", got)
	}
}

func TestDeliverRunsConcurrentlyAndWaitHonorsDeadline(t *testing.T) {
	mutator := &fakeMutator{outcome: listsync.OutcomeAdded, block: make(chan struct{})}
	handler := newTestHandler(t, mutator, newCountingCache(t), nil)

	handler.Deliver(firehose.LabelEvent{URI: "did:plc:a", Val: "maga-trump"})
	handler.Deliver(firehose.LabelEvent{URI: "did:plc:b", Val: "maga-trump"})
	if got := handler.InFlight(); got != 2 {
		t.Fatalf("expected 2 in-flight events, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := handler.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out, got %v", err)
	}

	close(mutator.block)
	if err := handler.Wait(context.Background()); err != nil {
		t.Fatalf("expected wait to complete, got %v", err)
	}
	if mutator.callCount() != 2 || handler.InFlight() != 0 {
		t.Fatalf("expected both events handled, calls=%d in-flight=%d", mutator.callCount(), handler.InFlight())
	}
}

func TestNewHandlerRequiresMutator(t *testing.T) {
	if _, err := NewHandler(Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
