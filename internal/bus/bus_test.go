package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllHandlers(t *testing.T) {
	b := New()
	defer b.Close()

	var got []Type
	b.Subscribe(HandlerFunc(func(e *Event) { got = append(got, e.Type) }))
	b.Subscribe(HandlerFunc(func(e *Event) { got = append(got, e.Type) }))

	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})
	assert.Equal(t, []Type{TypeEntry, TypeEntry}, got)
}

func TestPublishAssignsEventID(t *testing.T) {
	b := New()
	defer b.Close()

	var ids []string
	b.Subscribe(HandlerFunc(func(e *Event) { ids = append(ids, e.ID) }))

	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})
	b.Publish(&Event{Type: TypeExit, CameraID: "main"})
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])

	b.Publish(&Event{ID: "fixed", Type: TypeEntry, CameraID: "main"})
	assert.Equal(t, "fixed", ids[2])
}

func TestCameraFilter(t *testing.T) {
	b := New()
	defer b.Close()

	var main, side int
	b.SubscribeCamera("main", HandlerFunc(func(e *Event) { main++ }))
	b.SubscribeCamera("side", HandlerFunc(func(e *Event) { side++ }))

	b.Publish(&Event{Type: TypeExit, CameraID: "main"})
	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})
	b.Publish(&Event{Type: TypeEntry, CameraID: "side"})

	assert.Equal(t, 2, main)
	assert.Equal(t, 1, side)
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	var n int
	unsub := b.Subscribe(HandlerFunc(func(e *Event) { n++ }))

	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})
	unsub()
	unsub()
	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestChannelSubscriberDropsWhenFull(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.SubscribeChannel(2)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: TypePresence, CameraID: "main"})
	}

	// Only the buffer volume was kept; the publisher never blocked.
	assert.Len(t, ch, 2)
}

func TestCameraChannelReceivesOnlyItsCamera(t *testing.T) {
	b := New()

	ch, unsub := b.SubscribeCameraChannel("side", 4)

	b.Publish(&Event{Type: TypeEntry, CameraID: "main"})
	b.Publish(&Event{Type: TypeExit, CameraID: "side"})

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, TypeExit, e.Type)
	assert.Equal(t, "side", e.CameraID)

	// Unsubscribing closes the channel exactly once; Close tolerates the
	// subscription being gone already.
	unsub()
	_, open := <-ch
	assert.False(t, open)
	b.Close()
}
