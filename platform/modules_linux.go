//go:build linux

package platform

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// NewModuleLister returns the lister for the running kernel
func NewModuleLister() ModuleLister {
	var uts unix.Utsname
	release := ""
	if err := unix.Uname(&uts); err == nil {
		release = unix.ByteSliceToString(uts.Release[:])
	}
	return &ProcModules{Fs: afero.NewOsFs(), Release: release}
}
