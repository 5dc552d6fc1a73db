//go:build !windows

package platform

// Registry is only available on Windows
type Registry struct{}

// NewRegistry returns a store whose every Open fails with ErrNotSupported
func NewRegistry() *Registry {
	return &Registry{}
}

// Open always fails on this platform
func (Registry) Open(path string) (ConfigKey, error) {
	return nil, ErrNotSupported
}
