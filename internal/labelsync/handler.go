package labelsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/listmirror/internal/dedupe"
	"github.com/agentworkforce/listmirror/internal/firehose"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"github.com/agentworkforce/listmirror/internal/metrics"
	"go.uber.org/zap"
)

const didPrefix = "did:"

const defaultEventTimeout = 2 * time.Minute

var ErrInvalidInput = errors.New("invalid input")

// Mutator applies list membership changes.
type Mutator interface {
	Add(ctx context.Context, label, subject string) (listsync.Outcome, error)
	Remove(ctx context.Context, label, subject string) (listsync.Outcome, error)
}

type Outcome string

const (
	OutcomeSkippedSubject Outcome = "skipped_subject"
	OutcomeSkippedLabel   Outcome = "skipped_label"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeApplied        Outcome = "applied"
	OutcomeFailed         Outcome = "failed"
)

type Options struct {
	Registry *lists.Registry
	Tracker  *dedupe.Tracker
	Mutator  Mutator
	// EventTimeout bounds one event's handling, including queueing for a mutation slot.
	EventTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Handler reconciles label events against list memberships. Each delivered event is
// handled on its own goroutine and failures never escape it.
type Handler struct {
	registry     *lists.Registry
	tracker      *dedupe.Tracker
	mutator      Mutator
	eventTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	baseCtx  context.Context
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Mutator == nil {
		return nil, fmt.Errorf("%w: mutator is required", ErrInvalidInput)
	}
	timeout := opts.EventTimeout
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = dedupe.NewTracker(nil, logger)
	}
	return &Handler{
		registry:     opts.Registry,
		tracker:      tracker,
		mutator:      opts.Mutator,
		eventTimeout: timeout,
		logger:       logger,
		metrics:      opts.Metrics,
		baseCtx:      context.Background(),
	}, nil
}

// Deliver implements firehose.Sink.
func (h *Handler) Deliver(event firehose.LabelEvent) {
	h.wg.Add(1)
	h.inFlight.Add(1)
	h.metrics.AddInFlight(1)
	go func() {
		defer h.wg.Done()
		defer h.metrics.AddInFlight(-1)
		defer h.inFlight.Add(-1)
		ctx, cancel := context.WithTimeout(h.baseCtx, h.eventTimeout)
		defer cancel()
		h.Handle(ctx, event)
	}()
}

// Handle processes one event synchronously and reports what happened to it.
func (h *Handler) Handle(ctx context.Context, event firehose.LabelEvent) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling label event",
				zap.Any("panic", r), zap.String("uri", event.URI), zap.String("label", event.Val))
			outcome = OutcomeFailed
		}
		h.metrics.EventHandled(string(outcome))
	}()

	subject, ok := subjectDID(event.URI)
	if !ok {
		h.logger.Debug("skipping non-did subject", zap.String("uri", event.URI))
		return OutcomeSkippedSubject
	}
	label := event.Val
	if _, ok := h.registry.Lookup(label); !ok {
		h.logger.Debug("label not configured for any list", zap.String("label", label))
		return OutcomeSkippedLabel
	}
	neg := event.Neg
	log := h.logger.With(zap.String("did", subject), zap.String("label", label), zap.Bool("neg", neg), zap.Int64("seq", event.Seq))

	if h.tracker.HasProcessed(ctx, subject, label, neg) {
		log.Debug("event already processed, skipping")
		return OutcomeDuplicate
	}

	var (
		result listsync.Outcome
		err    error
	)
	if neg {
		result, err = h.mutator.Remove(ctx, label, subject)
	} else {
		result, err = h.mutator.Add(ctx, label, subject)
	}
	if err != nil {
		log.Error("error handling label event", zap.Error(err))
		return OutcomeFailed
	}

	h.tracker.MarkProcessed(ctx, subject, label, neg)
	h.tracker.ClearOpposite(ctx, subject, label, neg)
	log.Info("label event applied", zap.Stringer("result", result))
	return OutcomeApplied
}

// Wait blocks until every in-flight event finishes or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d label events still in flight: %w", h.InFlight(), ctx.Err())
	}
}

func (h *Handler) InFlight() int {
	return int(h.inFlight.Load())
}

func subjectDID(uri string) (string, bool) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, didPrefix) {
		return "", false
	}
	return uri, true
}
