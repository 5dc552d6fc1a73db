package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxDriverPath is the size of the driver image path field
	MaxDriverPath = 520
	// MaxHardwareID is the size of the hardware id field
	MaxHardwareID = 260
	// MaxSerial is the size of the serial number field
	MaxSerial = 128

	// DriverRecordSize is the wire size of one DriverRecord
	DriverRecordSize = 824
	// DeviceRecordSize is the wire size of one DeviceRecord
	DeviceRecordSize = 1168
)

// DriverRecord describes one installed or loaded kernel driver
type DriverRecord struct {
	Name        string
	ImagePath   string
	BaseAddress uint64 // 0 if not resident
	ImageSize   uint32 // 0 if not resident
	StartPolicy uint32 // 0-4, configured drivers only
	Hash        [HashSize]byte
	HashValid   bool
}

// MarshalTo writes the wire form of r into dst (at least DriverRecordSize bytes)
func (r *DriverRecord) MarshalTo(dst []byte) {
	_ = dst[DriverRecordSize-1]
	clear(dst[:DriverRecordSize])

	binary.LittleEndian.PutUint64(dst[0:], r.BaseAddress)
	binary.LittleEndian.PutUint32(dst[8:], r.ImageSize)
	binary.LittleEndian.PutUint32(dst[12:], r.StartPolicy)
	copy(dst[16:32], r.Hash[:])
	dst[32] = boolByte(r.HashValid)
	putText(dst[40:40+MaxImageName], r.Name)
	putText(dst[300:300+MaxDriverPath], r.ImagePath)
}

// UnmarshalDriverRecord decodes one wire record
func UnmarshalDriverRecord(src []byte) (DriverRecord, error) {
	if len(src) < DriverRecordSize {
		return DriverRecord{}, fmt.Errorf("short driver record: %d bytes", len(src))
	}
	r := DriverRecord{
		BaseAddress: binary.LittleEndian.Uint64(src[0:]),
		ImageSize:   binary.LittleEndian.Uint32(src[8:]),
		StartPolicy: binary.LittleEndian.Uint32(src[12:]),
		HashValid:   src[32] != 0,
		Name:        getText(src[40 : 40+MaxImageName]),
		ImagePath:   getText(src[300 : 300+MaxDriverPath]),
	}
	copy(r.Hash[:], src[16:32])
	return r, nil
}

// DeviceRecord describes one active device instance
type DeviceRecord struct {
	DisplayName  string
	InstanceID   string
	HardwareID   string
	SerialNumber string
	ServiceName  string
}

// MarshalTo writes the wire form of r into dst (at least DeviceRecordSize bytes)
func (r *DeviceRecord) MarshalTo(dst []byte) {
	_ = dst[DeviceRecordSize-1]
	clear(dst[:DeviceRecordSize])

	putText(dst[0:260], r.DisplayName)
	putText(dst[260:520], r.InstanceID)
	putText(dst[520:520+MaxHardwareID], r.HardwareID)
	putText(dst[780:780+MaxSerial], r.SerialNumber)
	putText(dst[908:1168], r.ServiceName)
}

// UnmarshalDeviceRecord decodes one wire record
func UnmarshalDeviceRecord(src []byte) (DeviceRecord, error) {
	if len(src) < DeviceRecordSize {
		return DeviceRecord{}, fmt.Errorf("short device record: %d bytes", len(src))
	}
	return DeviceRecord{
		DisplayName:  getText(src[0:260]),
		InstanceID:   getText(src[260:520]),
		HardwareID:   getText(src[520 : 520+MaxHardwareID]),
		SerialNumber: getText(src[780 : 780+MaxSerial]),
		ServiceName:  getText(src[908:1168]),
	}, nil
}
