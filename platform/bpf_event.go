package platform

import (
	"bytes"
	binenc "encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Event type constants written by the execve tracing program
const (
	EVENT_PROCESS_EXEC = 1
	EVENT_PROCESS_EXIT = 2
)

// ProcessEvent is one record from the tracing program's ring buffer
type ProcessEvent struct {
	EventType  uint32
	Pid        uint32
	Timestamp  uint64
	Comm       [16]byte
	PPID       uint32
	UID        uint32
	GID        uint32
	ExitCode   uint32
	ParentComm [16]byte
	ExePath    [64]byte
	Flags      uint32
}

var errTruncatedPath = errors.New("kernel path truncated")

// parseProcessEvent decodes a raw ring buffer sample
func parseProcessEvent(raw []byte) (ProcessEvent, error) {
	var ev ProcessEvent
	if err := binenc.Read(bytes.NewReader(raw), binenc.LittleEndian, &ev); err != nil {
		return ev, fmt.Errorf("failed to parse process event: %w", err)
	}
	return ev, nil
}

// toNotification converts a kernel record. readlink resolves the image
// through /proc when the kernel copy is relative or was cut short.
func (ev *ProcessEvent) toNotification(readlink func(string) (string, error)) (ProcessNotification, bool) {
	switch ev.EventType {
	case EVENT_PROCESS_EXIT:
		return ProcessNotification{PID: ev.Pid, PPID: ev.PPID}, true
	case EVENT_PROCESS_EXEC:
	default:
		return ProcessNotification{}, false
	}

	n := ProcessNotification{PID: ev.Pid, PPID: ev.PPID, Create: true}

	end := bytes.IndexByte(ev.ExePath[:], 0)
	truncated := end < 0
	if truncated {
		end = len(ev.ExePath)
	}
	path := string(ev.ExePath[:end])
	if path == "" {
		return n, true
	}

	if truncated || !strings.HasPrefix(path, "/") {
		resolved, err := readlink(fmt.Sprintf("/proc/%d/exe", ev.Pid))
		switch {
		case err == nil:
			path = resolved
		case truncated:
			n.ImageErr = errTruncatedPath
			return n, true
		}
	}
	n.ImagePath = path
	return n, true
}
