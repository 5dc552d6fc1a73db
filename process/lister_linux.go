//go:build linux

package process

import (
	"os"

	"github.com/spf13/afero"
)

// NewLister returns the process table reader for this platform
func NewLister() Lister {
	return &ProcLister{Fs: afero.NewOsFs(), Readlink: os.Readlink}
}
