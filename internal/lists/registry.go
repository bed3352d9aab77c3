package lists

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	ListCollection     = "app.bsky.graph.list"
	ListItemCollection = "app.bsky.graph.listitem"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateLabel = errors.New("duplicate label")
)

// List maps one labeler tag onto a moderation list owned by the service account.
type List struct {
	Label     string `json:"label" yaml:"label"`
	RecordKey string `json:"rkey" yaml:"rkey"`
}

// URI returns the at:// address of the list record in owner's repository.
func (l List) URI(owner string) string {
	return ListURI(owner, l.RecordKey)
}

type Registry struct {
	byLabel map[string]List
	ordered []List
}

func NewRegistry(defs []List) (*Registry, error) {
	r := &Registry{
		byLabel: make(map[string]List, len(defs)),
		ordered: make([]List, 0, len(defs)),
	}
	for i, def := range defs {
		def.Label = strings.TrimSpace(def.Label)
		def.RecordKey = strings.TrimSpace(def.RecordKey)
		if def.Label == "" {
			return nil, fmt.Errorf("%w: list %d has an empty label", ErrInvalidInput, i)
		}
		if def.RecordKey == "" {
			return nil, fmt.Errorf("%w: list %q has an empty record key", ErrInvalidInput, def.Label)
		}
		if _, exists := r.byLabel[def.Label]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLabel, def.Label)
		}
		r.byLabel[def.Label] = def
		r.ordered = append(r.ordered, def)
	}
	return r, nil
}

func (r *Registry) Lookup(label string) (List, bool) {
	if r == nil {
		return List{}, false
	}
	def, ok := r.byLabel[label]
	return def, ok
}

// Labels returns the configured labels in lexical order.
func (r *Registry) Labels() []string {
	if r == nil {
		return nil
	}
	labels := make([]string, 0, len(r.ordered))
	for _, def := range r.ordered {
		labels = append(labels, def.Label)
	}
	sort.Strings(labels)
	return labels
}

func (r *Registry) All() []List {
	if r == nil {
		return nil
	}
	return append([]List(nil), r.ordered...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

func ListURI(owner, recordKey string) string {
	return fmt.Sprintf("at://%s/%s/%s", owner, ListCollection, recordKey)
}
