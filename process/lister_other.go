//go:build !linux && !windows

package process

import "github.com/jnesss/procmon/platform"

type unsupportedLister struct{}

func (unsupportedLister) List() ([]ProcessInfo, error) {
	return nil, platform.ErrNotSupported
}

// NewLister returns a lister that always fails on this platform
func NewLister() Lister {
	return unsupportedLister{}
}
