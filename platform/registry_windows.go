//go:build windows

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// Registry reads the local machine hive
type Registry struct{}

// NewRegistry returns a ConfigStore over HKEY_LOCAL_MACHINE
func NewRegistry() *Registry {
	return &Registry{}
}

// Open opens path below HKEY_LOCAL_MACHINE for reading
func (Registry) Open(path string) (ConfigKey, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path,
		registry.QUERY_VALUE|registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, mapRegistryErr(err))
	}
	return &registryKey{key: k, path: path}, nil
}

type registryKey struct {
	key  registry.Key
	path string
}

func mapRegistryErr(err error) error {
	switch {
	case errors.Is(err, registry.ErrNotExist):
		return ErrNotExist
	case errors.Is(err, registry.ErrUnexpectedType):
		return ErrUnexpectedType
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return ErrAccessDenied
	}
	return err
}

func (k *registryKey) SubKeyNames() ([]string, error) {
	names, err := k.key.ReadSubKeyNames(0)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", k.path, mapRegistryErr(err))
	}
	return names, nil
}

func (k *registryKey) ValueNames() ([]string, error) {
	names, err := k.key.ReadValueNames(0)
	if err != nil {
		return nil, fmt.Errorf("enumerate values of %s: %w", k.path, mapRegistryErr(err))
	}
	return names, nil
}

func (k *registryKey) StringValue(name string) (string, error) {
	s, _, err := k.key.GetStringValue(name)
	if errors.Is(err, registry.ErrUnexpectedType) {
		strs, err := k.StringsValue(name)
		if err != nil {
			return "", err
		}
		if len(strs) == 0 {
			return "", nil
		}
		return strs[0], nil
	}
	if err != nil {
		return "", fmt.Errorf("%s\\%s: %w", k.path, name, mapRegistryErr(err))
	}
	return s, nil
}

func (k *registryKey) StringsValue(name string) ([]string, error) {
	strs, _, err := k.key.GetStringsValue(name)
	if errors.Is(err, registry.ErrUnexpectedType) {
		s, _, serr := k.key.GetStringValue(name)
		if serr == nil {
			return []string{s}, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s\\%s: %w", k.path, name, mapRegistryErr(err))
	}
	return strs, nil
}

func (k *registryKey) IntegerValue(name string) (uint64, error) {
	v, _, err := k.key.GetIntegerValue(name)
	if err != nil {
		return 0, fmt.Errorf("%s\\%s: %w", k.path, name, mapRegistryErr(err))
	}
	return v, nil
}

func (k *registryKey) Close() error {
	return k.key.Close()
}
