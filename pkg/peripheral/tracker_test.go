package peripheral

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

const powerHandle AttrHandle = 0x0010

func TestTrackerInitialState(t *testing.T) {
	tr := NewTracker(powerHandle)

	assert.False(t, tr.MayNotify())
	assert.Equal(t, TrackerStatus{Conn: NoConnection}, tr.Snapshot())
}

func TestTrackerConnectSubscribeDisconnect(t *testing.T) {
	tr := NewTracker(powerHandle)

	tr.OnConnected(7)
	assert.False(t, tr.MayNotify(), "not subscribed yet")

	assert.True(t, tr.OnSubscribeEvent(powerHandle, true))
	conn, ok := tr.Target()
	assert.True(t, ok)
	assert.Equal(t, ConnHandle(7), conn)

	tr.OnDisconnected()
	assert.False(t, tr.MayNotify())
	assert.Equal(t, TrackerStatus{Conn: NoConnection, Subscribed: false}, tr.Snapshot())
}

func TestTrackerIgnoresOtherCharacteristics(t *testing.T) {
	tr := NewTracker(powerHandle)
	tr.OnConnected(1)

	assert.False(t, tr.OnSubscribeEvent(powerHandle+3, true))
	assert.False(t, tr.MayNotify())
}

func TestTrackerIgnoresSubscribeWithoutConnection(t *testing.T) {
	tr := NewTracker(powerHandle)

	assert.False(t, tr.OnSubscribeEvent(powerHandle, true))

	tr.OnConnected(3)
	assert.False(t, tr.MayNotify(), "subscription must not leak into a new connection")
}

func TestTrackerNewConnectionWins(t *testing.T) {
	tr := NewTracker(powerHandle)
	tr.OnConnected(1)
	tr.OnSubscribeEvent(powerHandle, true)

	replaced := tr.OnConnected(2)

	assert.Equal(t, ConnHandle(1), replaced)
	assert.Equal(t, TrackerStatus{Conn: 2, Subscribed: false}, tr.Snapshot())
}

func TestTrackerSubscribeIdempotent(t *testing.T) {
	tr := NewTracker(powerHandle)
	tr.OnConnected(4)

	tr.OnSubscribeEvent(powerHandle, true)
	first := tr.Snapshot()
	tr.OnSubscribeEvent(powerHandle, true)

	assert.Equal(t, first, tr.Snapshot())

	tr.OnSubscribeEvent(powerHandle, false)
	tr.OnSubscribeEvent(powerHandle, false)
	assert.Equal(t, TrackerStatus{Conn: 4, Subscribed: false}, tr.Snapshot())
}

func TestTrackerRandomSequences(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tr := NewTracker(powerHandle)

	for i := 0; i < 5000; i++ {
		switch r.Intn(4) {
		case 0:
			tr.OnConnected(ConnHandle(r.Intn(16)))
		case 1:
			tr.OnDisconnected()
			assert.False(t, tr.Snapshot().Subscribed, "subscription cleared on disconnect")
			assert.False(t, tr.MayNotify())
		case 2:
			tr.OnSubscribeEvent(powerHandle, r.Intn(2) == 0)
		case 3:
			tr.OnSubscribeEvent(AttrHandle(r.Intn(32)), true)
		}
		s := tr.Snapshot()
		if s.Conn == NoConnection {
			assert.False(t, s.Subscribed)
		}
		assert.Equal(t, s.Conn != NoConnection && s.Subscribed, tr.MayNotify())
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tr := NewTracker(powerHandle)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.OnConnected(ConnHandle(i % 8))
			tr.OnSubscribeEvent(powerHandle, true)
			tr.OnDisconnected()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if conn, ok := tr.Target(); ok {
				assert.NotEqual(t, NoConnection, conn)
			}
		}
	}()
	wg.Wait()

	assert.False(t, tr.MayNotify())
}
