package control

import (
	"encoding/binary"
	"fmt"

	"github.com/jnesss/procmon/types"
)

// DriversResponse is a decoded driver listing
type DriversResponse struct {
	Total   int
	Drivers []types.DriverRecord
}

// DevicesResponse is a decoded device listing
type DevicesResponse struct {
	Total   int
	Devices []types.DeviceRecord
}

// DecodeEvents parses a GetEvents response
func DecodeEvents(buf []byte) ([]types.Event, error) {
	if len(buf) < EventsHeaderSize {
		return nil, fmt.Errorf("events response too short: %d bytes", len(buf))
	}
	n := int(binary.LittleEndian.Uint32(buf))
	if need := EventsHeaderSize + n*types.EventSize; len(buf) < need {
		return nil, fmt.Errorf("events response truncated: %d records need %d bytes, have %d", n, need, len(buf))
	}

	events := make([]types.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := types.UnmarshalEvent(buf[EventsHeaderSize+i*types.EventSize:])
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func enumHeader(buf []byte, recordSize int) (total, returned int, err error) {
	if len(buf) < EnumHeaderSize {
		return 0, 0, fmt.Errorf("enumeration response too short: %d bytes", len(buf))
	}
	total = int(binary.LittleEndian.Uint32(buf[0:]))
	returned = int(binary.LittleEndian.Uint32(buf[4:]))
	if returned > total {
		return 0, 0, fmt.Errorf("enumeration response returned %d of %d", returned, total)
	}
	if need := EnumHeaderSize + returned*recordSize; len(buf) < need {
		return 0, 0, fmt.Errorf("enumeration response truncated: %d records need %d bytes, have %d",
			returned, need, len(buf))
	}
	return total, returned, nil
}

// DecodeDrivers parses a GetInstalledDrivers or GetLoadedDrivers response
func DecodeDrivers(buf []byte) (*DriversResponse, error) {
	total, n, err := enumHeader(buf, types.DriverRecordSize)
	if err != nil {
		return nil, err
	}

	resp := &DriversResponse{Total: total, Drivers: make([]types.DriverRecord, 0, n)}
	for i := 0; i < n; i++ {
		r, err := types.UnmarshalDriverRecord(buf[EnumHeaderSize+i*types.DriverRecordSize:])
		if err != nil {
			return nil, err
		}
		resp.Drivers = append(resp.Drivers, r)
	}
	return resp, nil
}

// DecodeDevices parses a GetDevices response
func DecodeDevices(buf []byte) (*DevicesResponse, error) {
	total, n, err := enumHeader(buf, types.DeviceRecordSize)
	if err != nil {
		return nil, err
	}

	resp := &DevicesResponse{Total: total, Devices: make([]types.DeviceRecord, 0, n)}
	for i := 0; i < n; i++ {
		r, err := types.UnmarshalDeviceRecord(buf[EnumHeaderSize+i*types.DeviceRecordSize:])
		if err != nil {
			return nil, err
		}
		resp.Devices = append(resp.Devices, r)
	}
	return resp, nil
}
