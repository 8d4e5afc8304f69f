package peripheral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Advertising:  testAdv,
		UpdatePeriod: 2 * time.Millisecond,
		Supervisor:   SupervisorOptions{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func TestPeripheralRunsEventsAndNotifies(t *testing.T) {
	transport := &mockTransport{}
	var seen []Transition
	p := New(transport, powerHandle, NewConstantSource(250), testConfig(), nil, func(tr Transition) {
		seen = append(seen, tr)
	})

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, events) }()

	events <- ConnectEstablished{Conn: 12}
	events <- SubscriptionChanged{Attr: powerHandle, Notify: true}

	assert.Eventually(t, func() bool { return transport.sentCount() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, ConnHandle(12), transport.lastSent().conn)

	events <- Disconnected{Conn: 12, Reason: 0x13}
	assert.Eventually(t, func() bool { return p.Status().State == Advertising }, time.Second, time.Millisecond)

	// Let a tick that passed the gate before the disconnect finish.
	time.Sleep(5 * time.Millisecond)
	sent := transport.sentCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, transport.sentCount(), "no notifications after disconnect")

	cancel()
	require.NoError(t, <-done)

	status := p.Status()
	assert.Equal(t, NoConnection, status.Conn)
	assert.False(t, status.Subscribed)
	assert.Equal(t, uint64(sent), status.Notifier.Sent)
	assert.NotEmpty(t, seen)
}

func TestPeripheralInitialAdvertisingFailureIsFatal(t *testing.T) {
	transport := &mockTransport{}
	transport.failAdvertising(-1)
	p := New(transport, powerHandle, NewConstantSource(0), testConfig(), nil)

	err := p.Run(context.Background(), make(chan Event))

	assert.ErrorIs(t, err, ErrAdvertisingStart)
}

func TestPeripheralSupervisorRecoversAdvertising(t *testing.T) {
	// GOAL: a failed re-arm after disconnect is retried until the peripheral is discoverable again

	transport := &mockTransport{}
	p := New(transport, powerHandle, NewConstantSource(0), testConfig(), nil)

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, events)

	assert.Eventually(t, func() bool { return p.Status().State == Advertising }, time.Second, time.Millisecond)
	events <- ConnectEstablished{Conn: 1}
	assert.Eventually(t, func() bool { return p.Status().State == Connected }, time.Second, time.Millisecond)

	transport.failAdvertising(2)
	events <- Disconnected{Conn: 1}

	assert.Eventually(t, func() bool { return p.Status().State == Advertising }, time.Second, time.Millisecond)
}

func TestPeripheralStopsWhenEventsClosed(t *testing.T) {
	p := New(&mockTransport{}, powerHandle, NewConstantSource(0), testConfig(), nil)
	events := make(chan Event)
	close(events)

	assert.NoError(t, p.Run(context.Background(), events))
}
