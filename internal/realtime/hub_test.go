package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversOnlyInScope(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	var got []Event
	sub, err := hub.Subscribe(ctx, Filter{Table: "comments", Column: "issue_id", Value: "i1"}, func(e Event) {
		got = append(got, e)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, hub.Publish(ctx, Event{Table: "comments", Type: Insert, New: json.RawMessage(`{"id":"c1","issue_id":"i1"}`)}))
	require.NoError(t, hub.Publish(ctx, Event{Table: "comments", Type: Insert, New: json.RawMessage(`{"id":"c2","issue_id":"i2"}`)}))

	require.Len(t, got, 1)
	assert.JSONEq(t, `{"id":"c1","issue_id":"i1"}`, string(got[0].New))
}

func TestHubHonoursEventTypes(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	count := 0
	sub, err := hub.Subscribe(ctx, Filter{Table: "issues", Column: "id", Value: "i1", Events: []EventType{Update}}, func(Event) { count++ })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, hub.Publish(ctx, Event{Table: "issues", Type: Insert, New: json.RawMessage(`{"id":"i1"}`)}))
	require.NoError(t, hub.Publish(ctx, Event{Table: "issues", Type: Update, New: json.RawMessage(`{"id":"i1"}`)}))
	assert.Equal(t, 1, count)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	filter := Filter{Table: "notifications", Column: "user_id", Value: "u1"}

	count := 0
	sub, err := hub.Subscribe(ctx, filter, func(Event) { count++ })
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(Channel("notifications", "user_id", "u1")))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, hub.Subscribers(Channel("notifications", "user_id", "u1")))

	require.NoError(t, hub.Publish(ctx, Event{Table: "notifications", Type: Insert, New: json.RawMessage(`{"id":"n1","user_id":"u1"}`)}))
	assert.Zero(t, count)
}

func TestHubRejectsUnscopedFilter(t *testing.T) {
	hub := NewHub(nil)
	_, err := hub.Subscribe(context.Background(), Filter{Table: "comments", Column: "author_id", Value: "u1"}, func(Event) {})
	require.ErrorIs(t, err, ErrUnknownScope)
}
