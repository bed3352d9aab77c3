package lists

import "strings"

const didPrefix = "did:"

// KeyScheme derives a list item record key from a list record key and a subject.
// Records written before deterministic keys existed carry server-assigned keys and
// can only be found by enumeration.
type KeyScheme int

const (
	// SchemeAlphanumeric is the current scheme: list key followed by the subject, minus
	// its "did:" prefix, with every non [A-Za-z0-9] byte removed.
	SchemeAlphanumeric KeyScheme = iota
	// SchemeSeparator is the previous scheme: "{listKey}-{subject}" with ':' mapped to '_'.
	SchemeSeparator
)

// RemovalSchemes is the order in which deterministic keys are tried on delete.
var RemovalSchemes = []KeyScheme{SchemeAlphanumeric, SchemeSeparator}

func (s KeyScheme) String() string {
	switch s {
	case SchemeAlphanumeric:
		return "alphanumeric"
	case SchemeSeparator:
		return "separator"
	default:
		return "unknown"
	}
}

func (s KeyScheme) RecordKey(listKey, subject string) string {
	switch s {
	case SchemeSeparator:
		return listKey + "-" + strings.ReplaceAll(subject, ":", "_")
	default:
		return listKey + stripNonAlphanumeric(strings.TrimPrefix(subject, didPrefix))
	}
}

// ItemRecordKey returns the key new list items are created under.
func ItemRecordKey(listKey, subject string) string {
	return SchemeAlphanumeric.RecordKey(listKey, subject)
}

func stripNonAlphanumeric(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}
