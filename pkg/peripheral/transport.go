// Package peripheral implements the connection, advertising and
// subscription state machine of a single-connection Cycling Power Sensor,
// and the periodic notifier gated by it.
//
// The link layer is reached through Transport. Link events come back as
// Event values fed to Machine.Dispatch, one at a time.
package peripheral

import (
	"fmt"
	"time"
)

// ConnHandle identifies a connection. NoConnection means none is live.
type ConnHandle uint16

// NoConnection is the sentinel connection handle.
const NoConnection ConnHandle = 0xFFFF

func (c ConnHandle) String() string {
	if c == NoConnection {
		return "none"
	}
	return fmt.Sprintf("%d", uint16(c))
}

// AttrHandle is a GATT attribute handle.
type AttrHandle uint16

// AdvertisingParams describe the advertisement requested from the transport.
type AdvertisingParams struct {
	DeviceName  string
	ServiceUUID uint16
	Appearance  uint16
	IntervalMin time.Duration
	IntervalMax time.Duration
}

// Transport is the link layer seen by the state machine and the notifier.
type Transport interface {
	// StartAdvertising starts connectable undirected advertising. A new call
	// supersedes any advertisement already running.
	StartAdvertising(params AdvertisingParams) error
	// SendNotification queues payload for delivery to conn. It must not
	// block on radio I/O.
	SendNotification(conn ConnHandle, attr AttrHandle, payload []byte) error
}

// Event is a link-layer event consumed by Machine.Dispatch.
type Event interface {
	event()
}

// ConnectEstablished reports the outcome of a connection attempt.
// Status 0 means success.
type ConnectEstablished struct {
	Conn   ConnHandle
	Status uint8
}

// Success reports whether the connection was established.
func (e ConnectEstablished) Success() bool { return e.Status == 0 }

// Disconnected reports the loss of a connection.
type Disconnected struct {
	Conn   ConnHandle
	Reason uint8
}

// SubscriptionChanged reports a client characteristic configuration write.
type SubscriptionChanged struct {
	Attr   AttrHandle
	Notify bool
}

// AdvertisingComplete reports that advertising stopped without a connection.
type AdvertisingComplete struct {
	Reason uint8
}

// ConnParamsUpdated reports a connection parameter update.
type ConnParamsUpdated struct {
	Conn   ConnHandle
	Status uint8
}

// MTUUpdated reports an ATT MTU exchange.
type MTUUpdated struct {
	Conn ConnHandle
	MTU  uint16
}

// NotifyTxFailed reports an asynchronous notification delivery failure.
type NotifyTxFailed struct {
	Conn ConnHandle
	Attr AttrHandle
	Err  error
}

func (ConnectEstablished) event()  {}
func (Disconnected) event()        {}
func (SubscriptionChanged) event() {}
func (AdvertisingComplete) event() {}
func (ConnParamsUpdated) event()   {}
func (MTUUpdated) event()          {}
func (NotifyTxFailed) event()      {}

// EventName returns a short name for logs and journals.
func EventName(ev Event) string {
	switch ev.(type) {
	case ConnectEstablished:
		return "connect"
	case Disconnected:
		return "disconnect"
	case SubscriptionChanged:
		return "subscribe"
	case AdvertisingComplete:
		return "adv_complete"
	case ConnParamsUpdated:
		return "conn_update"
	case MTUUpdated:
		return "mtu"
	case NotifyTxFailed:
		return "notify_tx"
	case nil:
		return "start"
	default:
		return fmt.Sprintf("%T", ev)
	}
}
