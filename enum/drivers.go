package enum

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

// ServicesPath is the configuration store key holding service definitions
const ServicesPath = `SYSTEM\CurrentControlSet\Services`

// Service types that mark a kernel-mode driver
const (
	serviceKernelDriver     = 1
	serviceFileSystemDriver = 2
)

// Drivers enumerates configured and resident kernel drivers. It holds no
// state between calls and is safe for concurrent use.
type Drivers struct {
	cfg Config
}

// NewDrivers creates a driver enumerator
func NewDrivers(cfg Config) *Drivers {
	return &Drivers{cfg: cfg.withDefaults()}
}

// Installed walks the service definitions and reports every kernel or
// filesystem driver. At most limit records are built; Total counts them all.
func (d *Drivers) Installed(limit int) (*types.Bounded[types.DriverRecord], error) {
	root, err := d.cfg.Store.Open(ServicesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open services: %w", err)
	}
	defer root.Close()

	names, err := root.SubKeyNames()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate services: %w", err)
	}

	out := types.NewBounded[types.DriverRecord](limit)
	for _, name := range names {
		key, err := d.cfg.Store.Open(platform.JoinPath(ServicesPath, name))
		if err != nil {
			d.cfg.Logger.Debug("Skipping unreadable service", zap.String("service", name), zap.Error(err))
			continue
		}

		typ, err := key.IntegerValue("Type")
		if err != nil || (typ != serviceKernelDriver && typ != serviceFileSystemDriver) {
			key.Close()
			continue
		}

		out.Offer(func() types.DriverRecord {
			return d.installedRecord(name, key)
		})
		key.Close()
	}
	return out, nil
}

func (d *Drivers) installedRecord(name string, key platform.ConfigKey) types.DriverRecord {
	rec := types.DriverRecord{Name: name}

	// indirect resource strings (@file.sys,-100) are not resolvable here
	if display, err := key.StringValue("DisplayName"); err == nil && display != "" && display[0] != '@' {
		rec.Name = display
	}
	rec.Name = types.TruncateText(rec.Name, types.MaxImageName)

	path, _ := key.StringValue("ImagePath")
	rec.ImagePath = types.TruncateText(path, types.MaxDriverPath)
	if start, err := key.IntegerValue("Start"); err == nil {
		rec.StartPolicy = uint32(start)
	}

	if path != "" {
		rec.Hash, rec.HashValid = d.cfg.hashPath(NormalizePath(path, d.cfg.SystemRoot))
	}
	return rec
}

// Loaded reports the resident kernel modules. Loaded drivers have no start
// policy.
func (d *Drivers) Loaded(limit int) (*types.Bounded[types.DriverRecord], error) {
	if d.cfg.Modules == nil {
		return nil, fmt.Errorf("failed to query loaded modules: %w", platform.ErrNotSupported)
	}
	mods, err := d.cfg.Modules.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to query loaded modules: %w", err)
	}

	out := types.NewBounded[types.DriverRecord](limit)
	for _, m := range mods {
		out.Offer(func() types.DriverRecord {
			rec := types.DriverRecord{
				Name:        types.TruncateText(m.FileName(), types.MaxImageName),
				ImagePath:   types.TruncateText(m.Path, types.MaxDriverPath),
				BaseAddress: m.Base,
				ImageSize:   m.Size,
			}
			rec.Hash, rec.HashValid = d.cfg.hashPath(NormalizePath(m.Path, d.cfg.SystemRoot))
			return rec
		})
	}
	return out, nil
}
