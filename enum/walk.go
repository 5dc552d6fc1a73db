package enum

import (
	"iter"
	"strings"

	"github.com/jnesss/procmon/platform"
)

// InstancePath names one device instance by its three configuration levels
type InstancePath struct {
	Category   string
	DeviceType string
	Instance   string
}

// ID joins the three segments into the composite instance identifier
func (p InstancePath) ID() string {
	return platform.JoinPath(p.Category, p.DeviceType, p.Instance)
}

// Serial is the final backslash-delimited segment of the instance identifier
func (p InstancePath) Serial() string {
	id := p.ID()
	return id[strings.LastIndexByte(id, '\\')+1:]
}

// Children lazily yields the subkey names of path. A key that cannot be
// opened or listed yields nothing.
func Children(store platform.ConfigStore, path string) iter.Seq[string] {
	return func(yield func(string) bool) {
		names, err := subKeys(store, path)
		if err != nil {
			return
		}
		for _, name := range names {
			if !yield(name) {
				return
			}
		}
	}
}

func subKeys(store platform.ConfigStore, path string) ([]string, error) {
	k, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer k.Close()
	return k.SubKeyNames()
}

// Instances returns the lazy category / device type / instance traversal
// below root. Only a failure to read root itself is an error; unreadable
// keys deeper down are skipped. Every level, root included, is re-read each
// time the sequence is ranged over. A root that has become unreadable since
// yields nothing.
func Instances(store platform.ConfigStore, root string) (iter.Seq[InstancePath], error) {
	if _, err := subKeys(store, root); err != nil {
		return nil, err
	}

	return func(yield func(InstancePath) bool) {
		for category := range Children(store, root) {
			for deviceType := range Children(store, platform.JoinPath(root, category)) {
				for instance := range Children(store, platform.JoinPath(root, category, deviceType)) {
					if !yield(InstancePath{Category: category, DeviceType: deviceType, Instance: instance}) {
						return
					}
				}
			}
		}
	}, nil
}
