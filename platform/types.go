// Package platform defines the operating-system services the engine consumes
// and their per-platform implementations.
package platform

import (
	"errors"
	"strings"
)

var (
	// ErrNotExist is returned when a configuration key or value is missing
	ErrNotExist = errors.New("not found")
	// ErrUnexpectedType is returned when a value has a different type than requested
	ErrUnexpectedType = errors.New("unexpected value type")
	// ErrAccessDenied is returned when a key exists but cannot be opened
	ErrAccessDenied = errors.New("access denied")
	// ErrNotSupported is returned by services unavailable on this platform
	ErrNotSupported = errors.New("not supported on this platform")
)

// ProcessNotification is one lifecycle callback delivered by a source
type ProcessNotification struct {
	PID    uint32
	PPID   uint32
	Create bool

	// ImagePath is the full path of the new image, empty if the OS supplied none
	ImagePath string
	// ImageErr is set when an image was supplied but could not be resolved
	ImageErr error
}

// NotifyHandler receives lifecycle callbacks. Implementations must return
// promptly and must not block on request handling.
type NotifyHandler interface {
	OnProcessNotify(n ProcessNotification)
}

// LifecycleSource delivers process create and exit notifications to a single
// registered handler
type LifecycleSource interface {
	Register(h NotifyHandler) error
	// Unregister returns only once no further callback can run
	Unregister() error
}

// Module is one resident kernel module
type Module struct {
	// Path is the module's recorded file path
	Path string
	// NameOffset is where the file-name component starts within Path
	NameOffset int
	Base       uint64
	Size       uint32
}

// FileName returns the file-name component of the module path
func (m Module) FileName() string {
	if m.NameOffset > 0 && m.NameOffset < len(m.Path) {
		return m.Path[m.NameOffset:]
	}
	for i := len(m.Path) - 1; i >= 0; i-- {
		if m.Path[i] == '\\' || m.Path[i] == '/' {
			return m.Path[i+1:]
		}
	}
	return m.Path
}

// ModuleLister reports the currently resident kernel modules
type ModuleLister interface {
	Modules() ([]Module, error)
}

// ConfigStore is a read-only hierarchical configuration store addressed by
// backslash-separated paths
type ConfigStore interface {
	Open(path string) (ConfigKey, error)
}

// ConfigKey is an open node of a ConfigStore
type ConfigKey interface {
	SubKeyNames() ([]string, error)
	ValueNames() ([]string, error)
	// StringValue returns a text value. Multi-string values yield their
	// first element.
	StringValue(name string) (string, error)
	StringsValue(name string) ([]string, error)
	IntegerValue(name string) (uint64, error)
	Close() error
}

// JoinPath joins configuration path segments with backslashes, skipping
// empty segments
func JoinPath(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, `\`)
}
