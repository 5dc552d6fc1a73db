//go:build !linux && !windows

package platform

type unsupportedModules struct{}

func (unsupportedModules) Modules() ([]Module, error) {
	return nil, ErrNotSupported
}

// NewModuleLister returns a lister that always fails on this platform
func NewModuleLister() ModuleLister {
	return unsupportedModules{}
}
