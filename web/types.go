package web

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jnesss/procmon/sigma"
	"github.com/jnesss/procmon/types"
)

// EventRow represents a process event for the web API
type EventRow struct {
	Timestamp string   `json:"timestamp"`
	Kind      string   `json:"kind"`
	PID       uint32   `json:"pid"`
	PPID      uint32   `json:"ppid"`
	Image     string   `json:"image"`
	MD5       string   `json:"md5,omitempty"`
	Matches   []string `json:"matches,omitempty"`
}

// DriverRow represents one driver record for the web API
type DriverRow struct {
	Name        string `json:"name"`
	ImagePath   string `json:"imagePath"`
	BaseAddress string `json:"baseAddress,omitempty"`
	ImageSize   uint32 `json:"imageSize,omitempty"`
	StartPolicy uint32 `json:"startPolicy"`
	MD5         string `json:"md5,omitempty"`
}

// DeviceRow represents one device record for the web API
type DeviceRow struct {
	DisplayName  string `json:"displayName"`
	InstanceID   string `json:"instanceId"`
	HardwareID   string `json:"hardwareId"`
	SerialNumber string `json:"serialNumber"`
	Service      string `json:"service"`
}

// ListResponse wraps an enumeration with its untruncated count
type ListResponse[T any] struct {
	Total    int `json:"total"`
	Returned int `json:"returned"`
	Items    []T `json:"items"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func hashString(sum [types.HashSize]byte, valid bool) string {
	if !valid {
		return ""
	}
	return hex.EncodeToString(sum[:])
}

func eventRow(e types.Event, matches []sigma.Match) EventRow {
	row := EventRow{
		Timestamp: formatTime(e.Timestamp),
		Kind:      e.Kind.String(),
		PID:       e.ProcessID,
		PPID:      e.ParentProcessID,
		Image:     e.ImageName,
		MD5:       hashString(e.Hash, e.HashValid),
	}
	for _, m := range matches {
		row.Matches = append(row.Matches, m.Title)
	}
	return row
}

func driverRow(r types.DriverRecord) DriverRow {
	row := DriverRow{
		Name:        r.Name,
		ImagePath:   r.ImagePath,
		ImageSize:   r.ImageSize,
		StartPolicy: r.StartPolicy,
		MD5:         hashString(r.Hash, r.HashValid),
	}
	if r.BaseAddress != 0 {
		row.BaseAddress = fmt.Sprintf("0x%016x", r.BaseAddress)
	}
	return row
}

func deviceRow(r types.DeviceRecord) DeviceRow {
	return DeviceRow{
		DisplayName:  r.DisplayName,
		InstanceID:   r.InstanceID,
		HardwareID:   r.HardwareID,
		SerialNumber: r.SerialNumber,
		Service:      r.ServiceName,
	}
}
