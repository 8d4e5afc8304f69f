package ble

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"argus-powermeter/pkg/cps"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"
)

const trainerRetryDelay = 5 * time.Second

// TrainerSource mirrors the instantaneous power of a real trainer or
// power meter. It implements peripheral.Source.
type TrainerSource struct {
	mac       string
	adapterID int
	log       logrus.FieldLogger

	power     atomic.Int32
	connected atomic.Bool
}

func NewTrainerSource(mac string, adapterID int, log logrus.FieldLogger) *TrainerSource {
	return &TrainerSource{
		mac:       strings.ToUpper(mac),
		adapterID: adapterID,
		log:       log.WithFields(logrus.Fields{"component": "trainer", "mac": mac}),
	}
}

// Power returns the last power read from the trainer, or 0 while it is
// not connected.
func (t *TrainerSource) Power() int16 {
	if !t.connected.Load() {
		return 0
	}
	return int16(t.power.Load())
}

func (t *TrainerSource) Connected() bool {
	return t.connected.Load()
}

// Run keeps a subscription to the trainer's power measurement alive until
// ctx is done, reconnecting after every loss.
func (t *TrainerSource) Run(ctx context.Context) error {
	d, err := linux.NewDevice(ble.OptDeviceID(t.adapterID))
	if err != nil {
		return fmt.Errorf("select adapter hci%d: %w", t.adapterID, err)
	}
	defer d.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		t.log.Infof("Looking for trainer via hci%d", t.adapterID)

		if err := t.session(ctx, d); err != nil {
			t.log.WithError(err).Warn("Trainer session ended")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(trainerRetryDelay):
		}
	}
}

// session runs one connection to the trainer.
func (t *TrainerSource) session(ctx context.Context, d ble.Device) error {
	client, err := d.Dial(ctx, ble.NewAddr(t.mac))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.CancelConnection()

	disconnected := client.Disconnected()

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discover profile: %w", err)
	}
	powerChar := FindCharacteristic(profile, PowerCharUUID)
	if powerChar == nil {
		return fmt.Errorf("power measurement characteristic %s not found", PowerCharUUID)
	}
	if err := client.Subscribe(powerChar, false, t.handleMeasurement); err != nil {
		return fmt.Errorf("subscribe to power: %w", err)
	}

	t.connected.Store(true)
	defer t.connected.Store(false)
	t.log.Info("Connected to trainer, reading power")

	select {
	case <-disconnected:
		t.log.Info("Trainer disconnected")
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (t *TrainerSource) handleMeasurement(data []byte) {
	power, err := cps.ParseInstantaneousPower(data)
	if err != nil {
		t.log.WithError(err).Debug("Dropping trainer notification")
		return
	}
	t.power.Store(int32(power))
}
