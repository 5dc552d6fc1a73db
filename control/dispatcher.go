package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/types"
)

// EventReader drains buffered events, oldest first
type EventReader interface {
	Read(max int) []types.Event
}

// DriverEnumerator produces bounded driver listings
type DriverEnumerator interface {
	Installed(limit int) (*types.Bounded[types.DriverRecord], error)
	Loaded(limit int) (*types.Bounded[types.DriverRecord], error)
}

// DeviceEnumerator produces bounded device listings
type DeviceEnumerator interface {
	Enumerate(limit int) (*types.Bounded[types.DeviceRecord], error)
}

// Handler serves one request into out and returns the bytes written
type Handler interface {
	Handle(code Code, out []byte) (int, error)
}

// Dispatcher routes requests to the event buffer or an enumerator. It keeps
// no state between calls; truncation is reported through the counts, never
// as an error.
type Dispatcher struct {
	events  EventReader
	drivers DriverEnumerator
	devices DeviceEnumerator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. logger and m may be nil.
func NewDispatcher(events EventReader, drivers DriverEnumerator, devices DeviceEnumerator,
	logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		events:  events,
		drivers: drivers,
		devices: devices,
		logger:  logger,
		metrics: m,
	}
}

// Handle serves code into out. On error nothing is written.
func (d *Dispatcher) Handle(code Code, out []byte) (int, error) {
	n, err := d.handle(code, out)
	d.metrics.ObserveRequest(code.String(), resultLabel(err))
	if err != nil {
		d.logger.Debug("Request rejected",
			zap.Stringer("code", code), zap.Int("size", len(out)), zap.Error(err))
	}
	return n, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBuffer):
		return "insufficient_buffer"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "failure"
	}
}

func (d *Dispatcher) handle(code Code, out []byte) (int, error) {
	limit, err := MaxRecords(code, len(out))
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return 0, ErrInsufficientBuffer
	}

	switch code {
	case GetEvents:
		return d.getEvents(out, limit), nil
	case GetInstalledDrivers:
		res, err := d.drivers.Installed(limit)
		if err != nil {
			return 0, fmt.Errorf("installed drivers: %w", err)
		}
		return writeEnum(out, res, types.DriverRecordSize), nil
	case GetLoadedDrivers:
		res, err := d.drivers.Loaded(limit)
		if err != nil {
			return 0, fmt.Errorf("loaded drivers: %w", err)
		}
		return writeEnum(out, res, types.DriverRecordSize), nil
	case GetDevices:
		res, err := d.devices.Enumerate(limit)
		if err != nil {
			return 0, fmt.Errorf("devices: %w", err)
		}
		return writeEnum(out, res, types.DeviceRecordSize), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, code)
}

// getEvents drains at most limit events. A zero limit drains nothing.
func (d *Dispatcher) getEvents(out []byte, limit int) int {
	var events []types.Event
	if limit > 0 {
		events = d.events.Read(limit)
	}

	binary.LittleEndian.PutUint32(out, uint32(len(events)))
	off := EventsHeaderSize
	for i := range events {
		events[i].MarshalTo(out[off:])
		off += types.EventSize
	}
	return off
}

type marshaler interface {
	MarshalTo(dst []byte)
}

func writeEnum[T any, P interface {
	*T
	marshaler
}](out []byte, res *types.Bounded[T], size int) int {
	items := res.Items()
	binary.LittleEndian.PutUint32(out[0:], uint32(res.Total()))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(items)))

	off := EnumHeaderSize
	for i := range items {
		P(&items[i]).MarshalTo(out[off:])
		off += size
	}
	return off
}
