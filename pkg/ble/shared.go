// Package ble connects the peripheral state machine to a Linux HCI
// adapter through go-ble, and reads power from real trainers.
package ble

import (
	"errors"

	"argus-powermeter/pkg/cps"

	"github.com/go-ble/ble"
)

// Service and characteristic UUIDs exposed by the power meter.
var (
	PowerSvcUUID       = ble.UUID16(cps.ServiceUUID16)
	PowerCharUUID      = ble.UUID16(cps.MeasurementUUID16)
	PowerFeatureUUID   = ble.UUID16(cps.FeatureUUID16)
	SensorLocationUUID = ble.UUID16(cps.SensorLocationUUID16)

	DeviceInfoSvcUUID        = ble.UUID16(0x180A)
	ManufacturerNameCharUUID = ble.UUID16(0x2A29)
	ModelNumberCharUUID      = ble.UUID16(0x2A24)
)

var (
	// ErrNotSubscribed is returned when no client has enabled notifications.
	ErrNotSubscribed = errors.New("ble: measurement not subscribed")
	// ErrStaleConnection is returned for a connection that is no longer live.
	ErrStaleConnection = errors.New("ble: stale connection")
	// ErrQueueFull is returned when the notification queue has no room.
	ErrQueueFull = errors.New("ble: notification queue full")
	// ErrUnknownAttribute is returned for a handle this server does not notify.
	ErrUnknownAttribute = errors.New("ble: unknown attribute")
	// ErrAdvertisingData is returned when the advertisement cannot be assembled.
	ErrAdvertisingData = errors.New("ble: advertising data")
)

// FindCharacteristic returns the first characteristic with the given UUID
// in the profile, or nil.
func FindCharacteristic(p *ble.Profile, u ble.UUID) *ble.Characteristic {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if c.UUID.Equal(u) {
				return c
			}
		}
	}
	return nil
}
