package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"argus-powermeter/pkg/config"
	"argus-powermeter/pkg/cps"
	"argus-powermeter/pkg/peripheral"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"
	"github.com/sirupsen/logrus"
)

// ReasonAdvTimeout is the AdvertisingComplete reason for an expired
// advertising timeout.
const ReasonAdvTimeout = 0x3C

const eventBuffer = 64

// advertiser is the part of *hci.HCI used to control advertising. Every
// call blocks until the controller answers.
type advertiser interface {
	SetAdvParams(cmd.LESetAdvertisingParameters) error
	SetAdvertisement(ad, sr []byte) error
	Advertise() error
	StopAdvertising() error
}

// Server is the peripheral.Transport backed by a go-ble Linux device.
// HCI and GATT callbacks are turned into peripheral events delivered on
// Events; nothing here calls into the state machine.
//
// HCI commands are issued under advMu only. mu guards the fields the HCI
// callbacks touch and is never held across a command, since the callbacks
// run on the goroutine that delivers command responses. Lock order is
// advMu then mu.
type Server struct {
	cfg    *config.AppConfig
	log    logrus.FieldLogger
	dev    *linux.Device
	adv    advertiser
	events chan peripheral.Event

	measurement peripheral.AttrHandle

	advMu sync.Mutex

	mu        sync.Mutex
	conn      peripheral.ConnHandle
	sub       *subscription
	advGen    uint64
	advCancel context.CancelFunc
}

// NewServer opens the HCI adapter cfg.ServerAdapterID.
func NewServer(cfg *config.AppConfig, log logrus.FieldLogger) (*Server, error) {
	s := newServer(cfg, log)

	d, err := linux.NewDevice(
		ble.OptDeviceID(cfg.ServerAdapterID),
		ble.OptAdvParams(advParams(cfg.Advertising.IntervalMin, cfg.Advertising.IntervalMax)),
		ble.OptConnectHandler(s.handleConnect),
		ble.OptDisconnectHandler(s.handleDisconnect),
	)
	if err != nil {
		return nil, fmt.Errorf("select adapter hci%d: %w", cfg.ServerAdapterID, err)
	}
	s.dev = d
	s.adv = d.HCI
	return s, nil
}

func newServer(cfg *config.AppConfig, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.WithField("component", "power_svc"),
		events: make(chan peripheral.Event, eventBuffer),
		conn:   peripheral.NoConnection,
	}
}

// Events returns the stream of link events.
func (s *Server) Events() <-chan peripheral.Event {
	return s.events
}

// Register adds the Cycling Power and Device Information services and
// returns the measurement characteristic value handle.
func (s *Server) Register() (peripheral.AttrHandle, error) {
	powerSvc := ble.NewService(PowerSvcUUID)
	measurementChar := powerSvc.NewCharacteristic(PowerCharUUID)
	featureChar := powerSvc.NewCharacteristic(PowerFeatureUUID)
	locationChar := powerSvc.NewCharacteristic(SensorLocationUUID)

	deviceInfoSvc := ble.NewService(DeviceInfoSvcUUID)
	manufacturerNameChar := deviceInfoSvc.NewCharacteristic(ManufacturerNameCharUUID)
	modelNumberChar := deviceInfoSvc.NewCharacteristic(ModelNumberCharUUID)

	measurementChar.HandleNotify(ble.NotifyHandlerFunc(s.serveMeasurement))
	featureChar.HandleRead(s.staticRead("power feature", cps.FeatureValue()))
	locationChar.HandleRead(s.staticRead("sensor location", cps.SensorLocationValue()))
	manufacturerNameChar.HandleRead(s.staticRead("manufacturer", []byte(s.cfg.Manufacturer)))
	modelNumberChar.HandleRead(s.staticRead("model", []byte(s.cfg.Model)))

	if err := s.dev.AddService(powerSvc); err != nil {
		return 0, fmt.Errorf("add cycling power service: %w", err)
	}
	if err := s.dev.AddService(deviceInfoSvc); err != nil {
		return 0, fmt.Errorf("add device information service: %w", err)
	}

	s.mu.Lock()
	s.measurement = peripheral.AttrHandle(measurementChar.ValueHandle)
	s.mu.Unlock()

	s.log.WithField("val_handle", measurementChar.ValueHandle).Info("Cycling Power Service initialized")
	return peripheral.AttrHandle(measurementChar.ValueHandle), nil
}

func (s *Server) staticRead(what string, value []byte) ble.ReadHandler {
	return ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		log := s.log.WithField("peer", req.Conn().RemoteAddr())
		log.Debugf("%s read", what)
		if _, err := rsp.Write(value); err != nil {
			log.WithError(err).Warnf("%s read failed", what)
		}
	})
}

// StartAdvertising (re)starts connectable advertising, replacing any
// advertisement in progress.
func (s *Server) StartAdvertising(params peripheral.AdvertisingParams) error {
	ad, sr, err := AdvertisingData(params.DeviceName, params.ServiceUUID, params.Appearance)
	if err != nil {
		return err
	}

	s.advMu.Lock()
	defer s.advMu.Unlock()

	s.mu.Lock()
	s.cancelExpiryLocked()
	s.advGen++
	gen := s.advGen
	s.mu.Unlock()

	// Controllers reject new advertising data while advertising.
	_ = s.adv.StopAdvertising()

	if err := s.adv.SetAdvParams(advParams(params.IntervalMin, params.IntervalMax)); err != nil {
		return fmt.Errorf("set advertising parameters: %w", err)
	}
	if err := s.adv.SetAdvertisement(ad, sr); err != nil {
		return fmt.Errorf("set advertising data: %w", err)
	}
	if err := s.adv.Advertise(); err != nil {
		return fmt.Errorf("enable advertising: %w", err)
	}

	if timeout := s.cfg.Advertising.Timeout; timeout > 0 {
		s.mu.Lock()
		// A central may have connected while the commands ran.
		if gen == s.advGen && s.conn == peripheral.NoConnection {
			ctx, cancel := context.WithCancel(context.Background())
			s.advCancel = cancel
			go s.expireAdvertising(ctx, gen, timeout)
		}
		s.mu.Unlock()
	}
	return nil
}

// cancelExpiryLocked stops the pending advertising timeout. Caller holds mu.
func (s *Server) cancelExpiryLocked() {
	if s.advCancel != nil {
		s.advCancel()
		s.advCancel = nil
	}
}

func (s *Server) expireAdvertising(ctx context.Context, gen uint64, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.advMu.Lock()
	defer s.advMu.Unlock()

	s.mu.Lock()
	if gen != s.advGen || s.conn != peripheral.NoConnection {
		s.mu.Unlock()
		return
	}
	s.advCancel = nil
	s.mu.Unlock()

	if err := s.adv.StopAdvertising(); err != nil {
		s.log.WithError(err).Warn("Failed to stop advertising")
	}
	s.emit(peripheral.AdvertisingComplete{Reason: ReasonAdvTimeout})
}

// SendNotification queues payload on the active subscription. It never
// waits for the radio.
func (s *Server) SendNotification(conn peripheral.ConnHandle, attr peripheral.AttrHandle, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case conn == peripheral.NoConnection || conn != s.conn:
		return fmt.Errorf("%w: %s", ErrStaleConnection, conn)
	case attr != s.measurement:
		return fmt.Errorf("%w: 0x%04x", ErrUnknownAttribute, uint16(attr))
	case s.sub == nil:
		return ErrNotSubscribed
	case !s.sub.offer(payload):
		return ErrQueueFull
	}
	return nil
}

// Close stops advertising and releases the adapter.
func (s *Server) Close() error {
	s.advMu.Lock()
	defer s.advMu.Unlock()

	s.mu.Lock()
	s.cancelExpiryLocked()
	s.advGen++
	s.mu.Unlock()

	_ = s.adv.StopAdvertising()
	return s.dev.Stop()
}

func (s *Server) handleConnect(e evt.LEConnectionComplete) {
	s.connected(peripheral.ConnHandle(e.ConnectionHandle()), e.Status())
}

func (s *Server) handleDisconnect(e evt.DisconnectionComplete) {
	s.disconnected(peripheral.ConnHandle(e.ConnectionHandle()), e.Reason())
}

func (s *Server) connected(conn peripheral.ConnHandle, status uint8) {
	if status == 0 {
		s.mu.Lock()
		s.conn = conn
		// The controller stops advertising once connected.
		s.cancelExpiryLocked()
		s.mu.Unlock()
	}
	s.emit(peripheral.ConnectEstablished{Conn: conn, Status: status})
}

func (s *Server) disconnected(conn peripheral.ConnHandle, reason uint8) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = peripheral.NoConnection
	}
	if s.sub != nil && s.sub.conn == conn {
		s.sub = nil
	}
	s.mu.Unlock()
	s.emit(peripheral.Disconnected{Conn: conn, Reason: reason})
}

// serveMeasurement runs for as long as a client keeps notifications on
// the measurement characteristic enabled. Only the current subscription
// reports changes: a handler outlived by a newer subscription, or started
// after its link went away, stays silent so it cannot clear the state of
// the live central.
func (s *Server) serveMeasurement(req ble.Request, ntf ble.Notifier) {
	log := s.log.WithField("peer", req.Conn().RemoteAddr())
	s.mu.Lock()
	conn, attr := s.conn, s.measurement
	sub := newSubscription(conn, ntf, s.cfg.NotifyQueueSize)
	live := conn != peripheral.NoConnection
	if live {
		s.sub = sub
		s.emit(peripheral.SubscriptionChanged{Attr: attr, Notify: true})
	}
	s.mu.Unlock()

	if !live {
		log.Warn("Subscription without a live connection, ignoring")
		<-ntf.Context().Done()
		return
	}
	log.Info("Power measurement subscribed")

	sub.serve(func(err error) {
		s.emit(peripheral.NotifyTxFailed{Conn: conn, Attr: attr, Err: err})
	})

	s.mu.Lock()
	current := s.sub == sub
	if current {
		s.sub = nil
		s.emit(peripheral.SubscriptionChanged{Attr: attr, Notify: false})
	}
	s.mu.Unlock()

	if current {
		log.Info("Power measurement unsubscribed")
	} else {
		log.Debug("Superseded subscription ended")
	}
}

// emit queues ev without blocking; HCI callbacks call it.
func (s *Server) emit(ev peripheral.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("event", peripheral.EventName(ev)).Warn("Event buffer full, dropping event")
	}
}

// subscription is one enabled notification stream with a bounded queue.
type subscription struct {
	conn  peripheral.ConnHandle
	ntf   ble.Notifier
	queue chan []byte
}

func newSubscription(conn peripheral.ConnHandle, ntf ble.Notifier, size int) *subscription {
	return &subscription{conn: conn, ntf: ntf, queue: make(chan []byte, size)}
}

func (s *subscription) offer(payload []byte) bool {
	select {
	case s.queue <- payload:
		return true
	default:
		return false
	}
}

// serve writes queued payloads until the client unsubscribes or the link
// drops. Write errors are reported and do not end the subscription.
func (s *subscription) serve(onErr func(error)) {
	done := s.ntf.Context().Done()
	for {
		select {
		case <-done:
			return
		case p := <-s.queue:
			if _, err := s.ntf.Write(p); err != nil {
				onErr(err)
			}
		}
	}
}
