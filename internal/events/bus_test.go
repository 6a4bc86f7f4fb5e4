package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/store"
)

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsEvent(t *testing.T) {
	docs := store.NewMemory[events.Event]()
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     events.DocumentStore{Docs: docs},
		Notifiers: []events.Notifier{notifier},
	}

	payload := map[string]any{"orderId": "123"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicOrderCreated, "order-1", payload)
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	stored, err := docs.Get(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderCreated, stored.Topic)
	require.Equal(t, "order-1", stored.AggregateID)
	require.JSONEq(t, `{"orderId":"123"}`, string(stored.Payload))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "123", decoded["orderId"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: events.DocumentStore{Docs: store.NewMemory[events.Event]()}}
	ctx := context.Background()

	_, err := bus.Emit(ctx, " ", "a", nil)
	require.Error(t, err)
	_, err = bus.Emit(ctx, events.TopicOrderPaid, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(ctx, events.TopicOrderPaid, "a", "not json")
	require.Error(t, err)

	var nilBus *events.Bus
	_, err = nilBus.Emit(ctx, events.TopicOrderPaid, "a", nil)
	require.Error(t, err)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	docs := store.NewMemory[events.Event]()
	failing := &captureNotifier{err: errors.New("smtp down")}
	ok := &captureNotifier{}
	bus := events.Bus{Store: events.DocumentStore{Docs: docs}, Notifiers: []events.Notifier{failing, nil, ok}}

	ev, err := bus.Emit(context.Background(), events.TopicVoucherUsed, "v-1", json.RawMessage(`{"amount":"5"}`))
	require.Error(t, err)
	require.NotEmpty(t, ev.ID)
	require.Len(t, ok.events, 1)
	require.Equal(t, 1, docs.Len())
}
