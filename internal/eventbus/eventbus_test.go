package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lmfacade/internal/eventbus"
)

func TestMemoryPublisherRecordsInOrder(t *testing.T) {
	p := eventbus.NewMemory()
	p.Publish(eventbus.Event{Name: eventbus.SessionCreated, SessionID: 1})
	p.Publish(eventbus.Event{Name: eventbus.SessionEvicted, SessionID: 1})

	events := p.Events()
	require.Len(t, events, 2)
	require.Equal(t, eventbus.SessionCreated, events[0].Name)
	require.Equal(t, eventbus.SessionEvicted, events[1].Name)
}

func TestNoopPublisherDropsEvents(t *testing.T) {
	var p eventbus.Publisher = eventbus.Noop{}
	require.NotPanics(t, func() {
		p.Publish(eventbus.Event{Name: eventbus.SessionCreated, SessionID: 1})
	})
}
