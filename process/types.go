package process

// ProcessInfo is one row of the process table
type ProcessInfo struct {
	PID  uint32
	PPID uint32

	// ExePath is empty for processes without a backing image
	ExePath string
	// ExeErr is set when the process has an image that could not be resolved
	ExeErr error

	// StartTime is an opaque, platform-specific start stamp: clock ticks
	// since boot on Linux, a FILETIME on Windows. Zero when unknown.
	StartTime uint64
}

// Lister captures the current process table
type Lister interface {
	List() ([]ProcessInfo, error)
}
