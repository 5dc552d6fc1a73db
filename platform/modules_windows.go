//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	systemModuleInformation   = 11
	statusInfoLengthMismatch  = 0xC0000004
	initialModuleBufferLength = 64 * 1024
	maxModuleQueryAttempts    = 8
)

var (
	modntdll                     = windows.NewLazyDLL("ntdll.dll")
	procNtQuerySystemInformation = modntdll.NewProc("NtQuerySystemInformation")
)

type ntModules struct{}

// NewModuleLister returns the lister for the running kernel
func NewModuleLister() ModuleLister {
	return ntModules{}
}

// Modules queries SystemModuleInformation, growing the buffer while the
// kernel reports a length mismatch
func (ntModules) Modules() ([]Module, error) {
	if err := modntdll.Load(); err != nil {
		return nil, fmt.Errorf("failed to load ntdll: %w", err)
	}

	size := uint32(initialModuleBufferLength)
	for attempt := 0; attempt < maxModuleQueryAttempts; attempt++ {
		buf := make([]byte, size)
		var returnlen uint32
		r, _, _ := procNtQuerySystemInformation.Call(uintptr(systemModuleInformation),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(size),
			uintptr(unsafe.Pointer(&returnlen)))

		switch r {
		case 0:
			return parseModuleInformation(buf[:returnlen])
		case statusInfoLengthMismatch:
			// the list can grow between calls
			size = max(returnlen, size) + 4096
		default:
			return nil, fmt.Errorf("NtQuerySystemInformation failed: status 0x%x", r)
		}
	}
	return nil, fmt.Errorf("module list kept growing after %d attempts", maxModuleQueryAttempts)
}
