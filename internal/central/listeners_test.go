package central

import (
	"testing"
	"time"

	"github.com/srg/gattq/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerFanOut(t *testing.T) {
	reg := NewListenerRegistry(8, nil)
	defer reg.Close()

	a := reg.Subscribe("a")
	b := reg.Subscribe("b")
	assert.Equal(t, 2, reg.Len())

	id := gatt.NewPeripheralID("AA:BB:CC:DD:EE:FF")
	reg.publish(Event{Kind: EventStateChanged, ID: id, State: StateReady})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, EventStateChanged, ev.Kind)
			assert.Equal(t, StateReady, ev.State)
		case <-time.After(time.Second):
			t.Fatalf("listener %s MUST receive the event", sub.Name())
		}
	}
}

func TestSlowListenerLosesOldest(t *testing.T) {
	reg := NewListenerRegistry(2, nil)
	defer reg.Close()

	sub := reg.Subscribe("slow")
	id := gatt.NewPeripheralID("AA:BB:CC:DD:EE:FF")

	// Never consumed: publishing past the buffer displaces the oldest
	// events instead of blocking.
	for i := 0; i < 5; i++ {
		reg.publish(Event{Kind: EventUnsolicited, ID: id, Value: i})
	}

	assert.Equal(t, int64(3), sub.Dropped(), "overflow MUST be counted")

	ev := <-sub.C()
	assert.Equal(t, 3, ev.Value, "oldest events MUST be the ones displaced")
}

func TestUnsubscribe(t *testing.T) {
	reg := NewListenerRegistry(8, nil)
	defer reg.Close()

	sub := reg.Subscribe("gone")
	sub.Close()
	assert.Equal(t, 0, reg.Len())

	_, open := <-sub.C()
	assert.False(t, open, "closing a subscription MUST close its channel")

	// Publishing after unregistration must not panic.
	reg.publish(Event{Kind: EventStateChanged})
}

func TestSubscribeAfterClose(t *testing.T) {
	reg := NewListenerRegistry(8, nil)
	reg.Close()

	sub := reg.Subscribe("late")
	require.NotNil(t, sub)
	_, open := <-sub.C()
	assert.False(t, open, "subscription on a closed registry MUST come back closed")
}
