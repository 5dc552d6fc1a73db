package enum

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

// EnumPath is the configuration store key holding device instances
const EnumPath = `SYSTEM\CurrentControlSet\Enum`

// Devices enumerates device instances bound to a service
type Devices struct {
	cfg Config
}

// NewDevices creates a device enumerator
func NewDevices(cfg Config) *Devices {
	return &Devices{cfg: cfg.withDefaults()}
}

// Enumerate reports every device instance with a service binding. Instances
// without one are treated as inactive and not counted.
func (d *Devices) Enumerate(limit int) (*types.Bounded[types.DeviceRecord], error) {
	instances, err := Instances(d.cfg.Store, EnumPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device enumeration root: %w", err)
	}

	out := types.NewBounded[types.DeviceRecord](limit)
	for inst := range instances {
		key, err := d.cfg.Store.Open(platform.JoinPath(EnumPath, inst.ID()))
		if err != nil {
			d.cfg.Logger.Debug("Skipping unreadable device", zap.String("instance", inst.ID()), zap.Error(err))
			continue
		}

		service, err := key.StringValue("Service")
		if err != nil || service == "" {
			key.Close()
			continue
		}

		out.Offer(func() types.DeviceRecord {
			return deviceRecord(inst, service, key)
		})
		key.Close()
	}
	return out, nil
}

func deviceRecord(inst InstancePath, service string, key platform.ConfigKey) types.DeviceRecord {
	rec := types.DeviceRecord{
		InstanceID:   types.TruncateText(inst.ID(), types.MaxImageName),
		SerialNumber: types.TruncateText(inst.Serial(), types.MaxSerial),
		ServiceName:  types.TruncateText(service, types.MaxImageName),
	}

	name, err := key.StringValue("FriendlyName")
	if err != nil || name == "" {
		name, _ = key.StringValue("DeviceDesc")
	}
	rec.DisplayName = types.TruncateText(name, types.MaxImageName)

	if hw, err := key.StringValue("HardwareID"); err == nil {
		rec.HardwareID = types.TruncateText(hw, types.MaxHardwareID)
	}
	return rec
}
