// Package control serves engine queries under caller-supplied buffer limits.
package control

import (
	"errors"
	"fmt"

	"github.com/jnesss/procmon/types"
)

// Code identifies a control request. Values follow the device-control code
// layout (device 0x22, function 0x800+n, buffered, read access).
type Code uint32

// Request codes
const (
	GetEvents           Code = 0x226000
	GetInstalledDrivers Code = 0x226004
	GetLoadedDrivers    Code = 0x226008
	GetDevices          Code = 0x22600C
)

func (c Code) String() string {
	switch c {
	case GetEvents:
		return "GetEvents"
	case GetInstalledDrivers:
		return "GetInstalledDrivers"
	case GetLoadedDrivers:
		return "GetLoadedDrivers"
	case GetDevices:
		return "GetDevices"
	default:
		return fmt.Sprintf("Code(0x%x)", uint32(c))
	}
}

// Response header sizes
const (
	// EventsHeaderSize holds returnedCount
	EventsHeaderSize = 4
	// EnumHeaderSize holds totalCount and returnedCount
	EnumHeaderSize = 8
)

var (
	// ErrInsufficientBuffer means the output buffer cannot hold the response header
	ErrInsufficientBuffer = errors.New("buffer too small for response header")
	// ErrInvalidRequest means the request code is not recognized
	ErrInvalidRequest = errors.New("invalid request")
)

// layout returns the header and record size of a request's response
func layout(code Code) (header, record int, err error) {
	switch code {
	case GetEvents:
		return EventsHeaderSize, types.EventSize, nil
	case GetInstalledDrivers, GetLoadedDrivers:
		return EnumHeaderSize, types.DriverRecordSize, nil
	case GetDevices:
		return EnumHeaderSize, types.DeviceRecordSize, nil
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, code)
}

// BufferSize returns the output size needed for up to records entries
func BufferSize(code Code, records int) (int, error) {
	header, record, err := layout(code)
	if err != nil {
		return 0, err
	}
	return header + max(records, 0)*record, nil
}

// MaxRecords returns how many records fit in a buffer of size bytes, or -1
// when not even the header fits
func MaxRecords(code Code, size int) (int, error) {
	header, record, err := layout(code)
	if err != nil {
		return 0, err
	}
	if size < header {
		return -1, nil
	}
	return (size - header) / record, nil
}
