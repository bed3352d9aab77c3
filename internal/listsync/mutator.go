package listsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/listmirror/internal/atproto"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/metrics"
	"go.uber.org/zap"
)

const scanPageSize = 100

// maxScanPages bounds the enumeration fallback against a server that never stops
// returning a cursor.
const maxScanPages = 10000

var ErrInvalidInput = errors.New("invalid input")

// Repository is the subset of the XRPC client the mutator needs.
type Repository interface {
	CreateRecord(ctx context.Context, in atproto.CreateRecordInput) (atproto.RecordRef, error)
	DeleteRecord(ctx context.Context, in atproto.DeleteRecordInput) error
	GetRecord(ctx context.Context, in atproto.GetRecordInput) (atproto.Record, error)
	ListRecords(ctx context.Context, in atproto.ListRecordsInput) (atproto.ListRecordsOutput, error)
}

type Outcome int

const (
	OutcomeUnknownList Outcome = iota
	OutcomeAdded
	OutcomeAlreadyMember
	OutcomeRemoved
	OutcomeNotMember
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeAlreadyMember:
		return "already_member"
	case OutcomeRemoved:
		return "removed"
	case OutcomeNotMember:
		return "not_member"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown_list"
	}
}

// ListItem is the app.bsky.graph.listitem record body.
type ListItem struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

type MutatorOptions struct {
	Repository Repository
	Registry   *lists.Registry
	// Owner is the DID of the repository that owns the lists.
	Owner   string
	Limiter *Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Mutator struct {
	repo     Repository
	registry *lists.Registry
	owner    string
	limiter  *Limiter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewMutator(opts MutatorOptions) (*Mutator, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("%w: repository is required", ErrInvalidInput)
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner did is required", ErrInvalidInput)
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(DefaultConcurrency, 0, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{
		repo:     opts.Repository,
		registry: opts.Registry,
		owner:    owner,
		limiter:  limiter,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}, nil
}

func (m *Mutator) Limiter() *Limiter {
	return m.limiter
}

// Add creates the list item for subject under the current key scheme. An existing
// record is reported as OutcomeAlreadyMember, not an error.
func (m *Mutator) Add(ctx context.Context, label, subject string) (Outcome, error) {
	list, ok := m.resolve(label)
	if !ok {
		return OutcomeUnknownList, nil
	}
	log := m.logger.With(zap.String("label", list.Label), zap.String("did", subject))
	log.Info("adding subject to list")

	rkey := lists.ItemRecordKey(list.RecordKey, subject)
	outcome := OutcomeFailed
	err := m.limiter.Do(ctx, func(ctx context.Context) error {
		_, err := m.repo.CreateRecord(ctx, atproto.CreateRecordInput{
			Repo:       m.owner,
			Collection: lists.ListItemCollection,
			RKey:       rkey,
			Record: ListItem{
				Type:      lists.ListItemCollection,
				Subject:   subject,
				List:      list.URI(m.owner),
				CreatedAt: m.now().UTC().Format(time.RFC3339Nano),
			},
		})
		switch {
		case err == nil:
			outcome = OutcomeAdded
			log.Info("added subject to list", zap.String("rkey", rkey))
			return nil
		case errors.Is(err, atproto.ErrConflict):
			outcome = OutcomeAlreadyMember
			log.Info("subject already a member of list", zap.String("rkey", rkey))
			return nil
		default:
			return err
		}
	})
	if err != nil {
		log.Error("failed to add subject to list", zap.Error(err), zap.String("rkey", rkey))
		m.metrics.MutationFinished("add", OutcomeFailed.String())
		return OutcomeFailed, err
	}
	m.metrics.MutationFinished("add", outcome.String())
	return outcome, nil
}

// Remove deletes subject's list item, trying each deterministic key scheme before
// enumerating the repository for a legacy record. Each key is checked with getRecord
// first because a PDS acknowledges deleteRecord for keys that do not exist.
func (m *Mutator) Remove(ctx context.Context, label, subject string) (Outcome, error) {
	list, ok := m.resolve(label)
	if !ok {
		return OutcomeUnknownList, nil
	}
	log := m.logger.With(zap.String("label", list.Label), zap.String("did", subject))
	log.Info("removing subject from list")

	listURI := list.URI(m.owner)
	outcome := OutcomeFailed
	err := m.limiter.Do(ctx, func(ctx context.Context) error {
		for _, scheme := range lists.RemovalSchemes {
			rkey := scheme.RecordKey(list.RecordKey, subject)
			found, err := m.hasItem(ctx, rkey, listURI, subject)
			if err != nil {
				return err
			}
			if !found {
				log.Debug("no list item under key scheme", zap.String("rkey", rkey), zap.Stringer("scheme", scheme))
				continue
			}
			if err := m.deleteItem(ctx, rkey); err != nil && !errors.Is(err, atproto.ErrNotFound) {
				return err
			}
			outcome = OutcomeRemoved
			log.Info("removed subject from list", zap.String("rkey", rkey), zap.Stringer("scheme", scheme))
			return nil
		}

		rkey, found, err := m.findItem(ctx, listURI, subject)
		if err != nil {
			return err
		}
		if !found {
			outcome = OutcomeNotMember
			log.Warn("list item not found, subject may not be a member")
			return nil
		}
		if err := m.deleteItem(ctx, rkey); err != nil && !errors.Is(err, atproto.ErrNotFound) {
			return err
		}
		outcome = OutcomeRemoved
		log.Info("removed subject from list", zap.String("rkey", rkey), zap.String("scheme", "legacy"))
		return nil
	})
	if err != nil {
		log.Error("failed to remove subject from list", zap.Error(err))
		m.metrics.MutationFinished("remove", OutcomeFailed.String())
		return OutcomeFailed, err
	}
	m.metrics.MutationFinished("remove", outcome.String())
	return outcome, nil
}

func (m *Mutator) resolve(label string) (lists.List, bool) {
	list, ok := m.registry.Lookup(label)
	if !ok {
		m.logger.Warn("no list configured for label", zap.String("label", label))
		m.metrics.MutationFinished("lookup", OutcomeUnknownList.String())
	}
	return list, ok
}

// hasItem reports whether rkey holds the list item for (subject, listURI).
func (m *Mutator) hasItem(ctx context.Context, rkey, listURI, subject string) (bool, error) {
	record, err := m.repo.GetRecord(ctx, atproto.GetRecordInput{
		Repo:       m.owner,
		Collection: lists.ListItemCollection,
		RKey:       rkey,
	})
	if errors.Is(err, atproto.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get list item %s: %w", rkey, err)
	}
	var item ListItem
	if err := record.Decode(&item); err != nil {
		return false, nil
	}
	return item.Subject == subject && item.List == listURI, nil
}

func (m *Mutator) deleteItem(ctx context.Context, rkey string) error {
	return m.repo.DeleteRecord(ctx, atproto.DeleteRecordInput{
		Repo:       m.owner,
		Collection: lists.ListItemCollection,
		RKey:       rkey,
	})
}

// findItem pages through every list item in the owner's repository looking for the
// record whose value matches (subject, listURI).
func (m *Mutator) findItem(ctx context.Context, listURI, subject string) (string, bool, error) {
	cursor := ""
	for page := 0; page < maxScanPages; page++ {
		out, err := m.repo.ListRecords(ctx, atproto.ListRecordsInput{
			Repo:       m.owner,
			Collection: lists.ListItemCollection,
			Limit:      scanPageSize,
			Cursor:     cursor,
		})
		if err != nil {
			return "", false, fmt.Errorf("scan list items: %w", err)
		}
		for _, record := range out.Records {
			var item ListItem
			if err := record.Decode(&item); err != nil {
				m.logger.Debug("skipping undecodable list item", zap.String("uri", record.URI), zap.Error(err))
				continue
			}
			if item.Subject == subject && item.List == listURI {
				return atproto.RecordKeyFromURI(record.URI), true, nil
			}
		}
		if out.Cursor == "" || out.Cursor == cursor || len(out.Records) == 0 {
			return "", false, nil
		}
		cursor = out.Cursor
	}
	return "", false, nil
}
