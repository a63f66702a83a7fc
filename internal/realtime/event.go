// Package realtime carries row change events from Postgres to live views.
//
// Events enter through a Publisher (the Postgres LISTEN bridge in production)
// and leave through a Feed, which delivers them to handlers subscribed on a
// single table scoped by one equality filter.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
)

// Event is one row change. New holds the row after the change, Old the row
// before it for updates.
type Event struct {
	Table     string          `json:"table"`
	Type      EventType       `json:"type"`
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Filter selects events for one table whose Column equals Value. An empty
// Events list accepts every event type.
type Filter struct {
	Table  string
	Column string
	Value  string
	Events []EventType
}

func (f Filter) Accepts(t EventType) bool {
	if len(f.Events) == 0 {
		return true
	}
	for _, want := range f.Events {
		if want == t {
			return true
		}
	}
	return false
}

type Handler func(Event)

type Subscription interface {
	Unsubscribe()
}

type Feed interface {
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

var (
	ErrUnroutable   = errors.New("realtime: event has no routable scope")
	ErrUnknownScope = errors.New("realtime: table is not scoped on column")
)

// scopeColumns lists, per table, the columns subscribers may filter on.
var scopeColumns = map[string][]string{
	"issues":        {"id"},
	"comments":      {"issue_id"},
	"updates":       {"issue_id"},
	"solutions":     {"issue_id", "id"},
	"notifications": {"user_id"},
}

func validateFilter(f Filter) error {
	for _, column := range scopeColumns[f.Table] {
		if column == f.Column {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownScope, f.Table, f.Column)
}

// Channel names the topic carrying events for table rows whose column equals value.
func Channel(table, column, value string) string {
	return "realtime:" + table + ":" + column + "=" + value
}

func (f Filter) channel() string {
	return Channel(f.Table, f.Column, f.Value)
}

// Channels returns every topic an event must be published on.
func Channels(e Event) ([]string, error) {
	columns, ok := scopeColumns[e.Table]
	if !ok {
		return nil, fmt.Errorf("%w: unknown table %q", ErrUnroutable, e.Table)
	}
	var row map[string]any
	if err := json.Unmarshal(e.New, &row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	out := make([]string, 0, len(columns))
	for _, column := range columns {
		value, ok := scalarString(row[column])
		if !ok {
			continue
		}
		out = append(out, Channel(e.Table, column, value))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s row has no scope value", ErrUnroutable, e.Table)
	}
	return out, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

type Kind int

const (
	Inserted Kind = iota + 1
	Updated
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Change is the typed form of an Event.
type Change[T any] struct {
	Kind Kind
	New  T
	Old  *T
}

// Decode converts an event into a typed change over row type T.
func Decode[T any](e Event) (Change[T], error) {
	var out Change[T]
	switch e.Type {
	case Insert:
		out.Kind = Inserted
	case Update:
		out.Kind = Updated
	default:
		return out, fmt.Errorf("decode %s event: unsupported type %q", e.Table, e.Type)
	}
	if err := json.Unmarshal(e.New, &out.New); err != nil {
		return out, fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	if len(e.Old) > 0 && string(e.Old) != "null" {
		var old T
		if err := json.Unmarshal(e.Old, &old); err != nil {
			return out, fmt.Errorf("decode previous %s row: %w", e.Table, err)
		}
		out.Old = &old
	}
	return out, nil
}
