//go:build windows

package process

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type toolhelpLister struct{}

// NewLister returns the process table reader for this platform
func NewLister() Lister {
	return toolhelpLister{}
}

// List walks a Toolhelp32 process snapshot
func (toolhelpLister) List() ([]ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot processes: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("failed to read process snapshot: %w", err)
	}

	var procs []ProcessInfo
	for {
		info := ProcessInfo{PID: entry.ProcessID, PPID: entry.ParentProcessID}
		// the idle and system processes have no image
		if entry.ProcessID > 4 {
			info.ExePath, info.StartTime, info.ExeErr = queryProcess(entry.ProcessID)
		}
		procs = append(procs, info)

		err := windows.Process32Next(snap, &entry)
		if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read process snapshot: %w", err)
		}
	}
	return procs, nil
}

// queryProcess returns the image path and creation time of pid. The
// creation time is zero when it cannot be read.
func queryProcess(pid uint32) (string, uint64, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", 0, err
	}
	defer windows.CloseHandle(h)

	var created uint64
	var creation, exit, kernel, user windows.Filetime
	if windows.GetProcessTimes(h, &creation, &exit, &kernel, &user) == nil {
		created = uint64(creation.HighDateTime)<<32 | uint64(creation.LowDateTime)
	}

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", created, err
	}
	return windows.UTF16ToString(buf[:size]), created, nil
}
