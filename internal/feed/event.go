package feed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates row-level change kinds.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Event describes one committed row change.
type Event struct {
	ID                string          `json:"id"`
	Kind              Kind            `json:"kind"`
	Table             string          `json:"table"`
	New               json.RawMessage `json:"new,omitempty"`
	Old               json.RawMessage `json:"old,omitempty"`
	CommittedAtMillis int64           `json:"committed_at_ms"`
}

// NewEvent encodes the row images and stamps the event with a UUIDv7 identifier.
func NewEvent(kind Kind, table string, newRow, oldRow any, committedAt time.Time) (Event, error) {
	event := Event{
		Kind:              kind,
		Table:             table,
		CommittedAtMillis: committedAt.UTC().UnixMilli(),
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, err
	}
	event.ID = id.String()
	if newRow != nil {
		encoded, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, err
		}
		event.New = encoded
	}
	if oldRow != nil {
		encoded, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, err
		}
		event.Old = encoded
	}
	return event, nil
}

// Filter selects events by table and kind. Empty fields match everything.
type Filter struct {
	Table string
	Kinds []Kind
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event Event) bool {
	if f.Table != "" && f.Table != event.Table {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, kind := range f.Kinds {
		if kind == event.Kind {
			return true
		}
	}
	return false
}

// ParseKinds converts a comma separated list ("insert,update") into kinds.
func ParseKinds(raw string) ([]Kind, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "*" {
		return nil, true
	}
	parts := strings.Split(trimmed, ",")
	kinds := make([]Kind, 0, len(parts))
	for _, part := range parts {
		switch Kind(strings.ToUpper(strings.TrimSpace(part))) {
		case KindInsert:
			kinds = append(kinds, KindInsert)
		case KindUpdate:
			kinds = append(kinds, KindUpdate)
		case KindDelete:
			kinds = append(kinds, KindDelete)
		default:
			return nil, false
		}
	}
	return kinds, true
}

// Publisher accepts committed change events.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) {
	f(event)
}
