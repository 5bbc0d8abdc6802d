package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()

	b.Publish(&Event{Type: EventContainerCreated, Metadata: map[string]string{"container_id": "abc"}})

	for _, sub := range []Subscriber{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, EventContainerCreated, event.Type)
			assert.Equal(t, "abc", event.Metadata["container_id"])
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event was not delivered")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub
	require.False(t, ok)
}

func TestBrokerStopDrainsQueue(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventCallStarted})
	b.Publish(&Event{Type: EventCallFinished})
	b.Start()
	b.Stop()

	require.Len(t, sub, 2)
	assert.Equal(t, EventCallStarted, (<-sub).Type)
	assert.Equal(t, EventCallFinished, (<-sub).Type)
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() {
		b.Publish(&Event{Type: EventContainerDeleted})
	})
}
