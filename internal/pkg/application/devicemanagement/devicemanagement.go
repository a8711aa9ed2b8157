// Package devicemanagement owns the device lifecycle: registration upserts
// and the admin-facing device and reading queries.
package devicemanagement

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/clock"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/cursor"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/idgen"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/pkg/types"
	"github.com/fieldsense/sensor-ingress/pkg/validation"
)

var tracer = otel.Tracer("sensor-ingress/device")

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoReadings     = errors.New("device has no readings")
)

// Reading queries tolerate device clock skew of up to a year into the
// future when bounding the requested range.
const queryClockSkewGrace = 365 * 24 * time.Hour

const operationTimeout = 25 * time.Second

//go:generate moq -rm -out devicestorage_mock.go . DeviceStorage
type DeviceStorage interface {
	GetDevice(ctx context.Context, hardwareID string) (types.Device, error)
	PutDevice(ctx context.Context, device types.Device) error
	UpdateDeviceSeen(ctx context.Context, hardwareID, bootID, seenAt string) error
	ListDevices(ctx context.Context, limit int32, startKey *cursor.DeviceKey) ([]types.Device, *cursor.DeviceKey, error)
	QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int32, startKey *cursor.ReadingKey) ([]types.Reading, *cursor.ReadingKey, error)
	LatestReading(ctx context.Context, hardwareID string) (types.Reading, error)
}

// RegisterRequest is the device-supplied payload of a registration call.
type RegisterRequest struct {
	HardwareID      string             `json:"hardware_id"`
	BootID          string             `json:"boot_id"`
	FirmwareVersion string             `json:"firmware_version"`
	FriendlyName    *string            `json:"friendly_name,omitempty"`
	Capabilities    types.Capabilities `json:"capabilities"`
}

type DeviceManagement interface {
	Register(ctx context.Context, req RegisterRequest) (types.Device, error)
	GetDevice(ctx context.Context, hardwareID string) (types.Device, error)
	ListDevices(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error)
	QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int, pageToken string) (types.Page[types.Reading], error)
	LatestReading(ctx context.Context, hardwareID string) (types.Reading, error)
}

type service struct {
	storage DeviceStorage
	clock   clock.Clock
	idgen   idgen.Generator
}

func New(storage DeviceStorage, clk clock.Clock, ids idgen.Generator) DeviceManagement {
	return &service{storage: storage, clock: clk, idgen: ids}
}

// Register upserts a device keyed by its MAC address. First contact mints a
// confirmation id and stamps first_registered_at; every later registration
// only moves the activity markers, so the confirmation id is stable across
// reboots and firmware updates. The reported status is "registered" either
// way.
func (s *service) Register(ctx context.Context, req RegisterRequest) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "register-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err = validateRegistration(req); err != nil {
		return types.Device{}, err
	}

	now := s.clock.NowRFC3339()

	device, err := s.storage.GetDevice(ctx, req.HardwareID)
	if err == nil {
		if err = s.storage.UpdateDeviceSeen(ctx, req.HardwareID, req.BootID, now); err != nil {
			return types.Device{}, err
		}

		device.LastSeenAt = now
		device.LastBootID = req.BootID
		return device, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return types.Device{}, err
	}

	device = types.Device{
		HardwareID:        req.HardwareID,
		ConfirmationID:    s.idgen.UUIDv4(),
		FriendlyName:      req.FriendlyName,
		FirmwareVersion:   req.FirmwareVersion,
		Capabilities:      req.Capabilities,
		FirstRegisteredAt: now,
		LastSeenAt:        now,
		LastBootID:        req.BootID,
	}

	if err = s.storage.PutDevice(ctx, device); err != nil {
		return types.Device{}, err
	}

	return device, nil
}

func validateRegistration(req RegisterRequest) error {
	if err := validation.Required("hardware_id", req.HardwareID); err != nil {
		return err
	}
	if err := validation.MACAddress(req.HardwareID); err != nil {
		return err
	}
	if err := validation.Required("boot_id", req.BootID); err != nil {
		return err
	}
	if err := validation.UUIDv4("boot_id", req.BootID); err != nil {
		return err
	}
	if err := validation.Required("firmware_version", req.FirmwareVersion); err != nil {
		return err
	}
	if req.FriendlyName != nil {
		if err := validation.FriendlyName(*req.FriendlyName); err != nil {
			return err
		}
	}
	return nil
}

// GetDevice looks up the full device record, capabilities included.
func (s *service) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	device, err := s.storage.GetDevice(ctx, hardwareID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrDeviceNotFound
		}
		return types.Device{}, err
	}

	return device, nil
}

// ListDevices pages through the fleet most recently seen first. The limit
// is clamped to [1, 100] with a default of 50.
func (s *service) ListDevices(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error) {
	var err error
	ctx, span := tracer.Start(ctx, "list-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var startKey *cursor.DeviceKey
	if pageToken != "" {
		key, derr := cursor.Decode[cursor.DeviceKey](pageToken)
		if derr != nil {
			err = derr
			return types.Page[types.Device]{}, err
		}
		startKey = &key
	}

	devices, nextKey, err := s.storage.ListDevices(ctx, clampLimit(limit, 50, 100), startKey)
	if err != nil {
		return types.Page[types.Device]{}, err
	}

	page := types.Page[types.Device]{Items: devices}
	if nextKey != nil {
		page.NextCursor, err = cursor.Encode(*nextKey)
		if err != nil {
			return types.Page[types.Device]{}, err
		}
	}

	return page, nil
}

// QueryReadings returns one device's readings inside [fromMS, toMS], newest
// first. A missing device is a distinct failure from a device with no
// readings in range.
func (s *service) QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int, pageToken string) (types.Page[types.Reading], error) {
	var err error
	ctx, span := tracer.Start(ctx, "query-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err = s.validateRange(fromMS, toMS); err != nil {
		return types.Page[types.Reading]{}, err
	}

	var startKey *cursor.ReadingKey
	if pageToken != "" {
		key, derr := cursor.Decode[cursor.ReadingKey](pageToken)
		if derr != nil {
			err = derr
			return types.Page[types.Reading]{}, err
		}
		startKey = &key
	}

	if _, err = s.storage.GetDevice(ctx, hardwareID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrDeviceNotFound
		}
		return types.Page[types.Reading]{}, err
	}

	readings, nextKey, err := s.storage.QueryReadings(ctx, hardwareID, fromMS, toMS, clampLimit(limit, 50, 1000), startKey)
	if err != nil {
		return types.Page[types.Reading]{}, err
	}

	page := types.Page[types.Reading]{Items: readings}
	if nextKey != nil {
		page.NextCursor, err = cursor.Encode(*nextKey)
		if err != nil {
			return types.Page[types.Reading]{}, err
		}
	}

	return page, nil
}

func (s *service) validateRange(fromMS, toMS int64) error {
	if fromMS < 0 {
		return &validation.Error{Field: "from", Code: validation.CodeInvalidTimestamp, Message: "from cannot be negative"}
	}
	if toMS < fromMS {
		return &validation.Error{Field: "to", Code: validation.CodeInvalidTimestamp, Message: "to must not precede from"}
	}
	if max := s.clock.Now().Add(queryClockSkewGrace).UnixMilli(); toMS > max {
		return &validation.Error{Field: "to", Code: validation.CodeInvalidTimestamp, Message: "to is more than a year in the future"}
	}
	return nil
}

// LatestReading returns the newest stored reading for a device.
func (s *service) LatestReading(ctx context.Context, hardwareID string) (types.Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "latest-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if _, err = s.storage.GetDevice(ctx, hardwareID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrDeviceNotFound
		}
		return types.Reading{}, err
	}

	reading, err := s.storage.LatestReading(ctx, hardwareID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrNoReadings
		}
		return types.Reading{}, err
	}

	return reading, nil
}

func clampLimit(limit, def, max int) int32 {
	if limit == 0 {
		return int32(def)
	}
	if limit < 1 {
		return 1
	}
	if limit > max {
		return int32(max)
	}
	return int32(limit)
}
