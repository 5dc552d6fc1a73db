package enum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/procmon/platform"
)

func devicesStore() *platform.MemStore {
	s := platform.NewMemStore()
	dev := func(parts ...string) string {
		return platform.JoinPath(append([]string{EnumPath}, parts...)...)
	}

	nic := dev("PCI", "VEN_1234&DEV_5678", "3&abc123&0")
	s.SetString(nic, "Service", "e1dexpress")
	s.SetString(nic, "FriendlyName", "Intel(R) Ethernet Connection")
	s.SetString(nic, "DeviceDesc", "@net1ic64.inf,%e1d%;Ethernet")
	s.SetStrings(nic, "HardwareID", []string{`PCI\VEN_1234&DEV_5678&SUBSYS_00011234`, `PCI\VEN_1234&DEV_5678`})

	// no service binding: inactive
	s.SetString(dev("PCI", "VEN_1234&DEV_9999", "3&def&0"), "DeviceDesc", "Unbound Device")

	hub := dev("USB", "ROOT_HUB30", "4&2f5bb2a8&0&0")
	s.SetString(hub, "Service", "USBHUB3")
	s.SetString(hub, "DeviceDesc", "USB Root Hub (USB 3.0)")

	s.SetUnreadable(dev("USB", "VID_046D&PID_C52B"), true)
	s.SetString(dev("USB", "VID_046D&PID_C52B", "6&1"), "Service", "HidUsb")

	disk := dev("SCSI", "Disk&Ven_NVMe", "5&1a2b3c&0&000000")
	s.SetString(disk, "Service", "disk")
	return s
}

func TestEnumerateDevices(t *testing.T) {
	d := NewDevices(Config{Store: devicesStore()})

	out, err := d.Enumerate(10)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total())
	require.Equal(t, 3, out.Returned())

	recs := out.Items()
	nic := recs[0]
	assert.Equal(t, "Intel(R) Ethernet Connection", nic.DisplayName)
	assert.Equal(t, `PCI\VEN_1234&DEV_5678\3&abc123&0`, nic.InstanceID)
	assert.Equal(t, "3&abc123&0", nic.SerialNumber)
	assert.Equal(t, `PCI\VEN_1234&DEV_5678&SUBSYS_00011234`, nic.HardwareID)
	assert.Equal(t, "e1dexpress", nic.ServiceName)

	disk := recs[1]
	assert.Equal(t, `SCSI\Disk&Ven_NVMe\5&1a2b3c&0&000000`, disk.InstanceID)
	assert.Empty(t, disk.DisplayName)
	assert.Empty(t, disk.HardwareID)

	hub := recs[2]
	assert.Equal(t, "USB Root Hub (USB 3.0)", hub.DisplayName, "falls back to the description")
	assert.Equal(t, "USBHUB3", hub.ServiceName)
}

func TestEnumerateDevicesTruncation(t *testing.T) {
	d := NewDevices(Config{Store: devicesStore()})

	for limit := 0; limit <= 4; limit++ {
		out, err := d.Enumerate(limit)
		require.NoError(t, err)
		assert.Equal(t, 3, out.Total())
		assert.Equal(t, min(limit, 3), out.Returned())
	}
}

func TestEnumerateDevicesRootFailure(t *testing.T) {
	s := platform.NewMemStore()
	s.SetUnreadable(EnumPath, true)

	_, err := NewDevices(Config{Store: s}).Enumerate(10)
	assert.True(t, errors.Is(err, platform.ErrAccessDenied))
}
