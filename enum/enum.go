// Package enum walks the configuration store and the resident module list to
// describe the drivers and devices present on a machine.
package enum

import (
	"strings"

	"go.uber.org/zap"

	"github.com/jnesss/procmon/binary"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

// DefaultSystemRoot is the Windows directory assumed when none is configured
const DefaultSystemRoot = `C:\Windows`

// Config carries the collaborators shared by the enumerators
type Config struct {
	Store   platform.ConfigStore
	Modules platform.ModuleLister
	Hasher  binary.Hasher

	// SystemRoot replaces \SystemRoot\ in configured driver paths
	SystemRoot string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.SystemRoot == "" {
		c.SystemRoot = DefaultSystemRoot
	}
	c.SystemRoot = strings.TrimRight(c.SystemRoot, `\`)
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// hashPath fingerprints a resolved file path. A path that is not absolute
// or any file error leaves the hash invalid.
func (c Config) hashPath(path string) ([types.HashSize]byte, bool) {
	if !isAbsPath(path) || c.Hasher == nil {
		return [types.HashSize]byte{}, false
	}
	sum, err := c.Hasher.HashFile(path)
	if err != nil {
		c.Metrics.ObserveHashFailure()
		c.Logger.Debug("Driver hash unavailable", zap.String("path", path), zap.Error(err))
		return [types.HashSize]byte{}, false
	}
	return sum, true
}

// isAbsPath accepts rooted paths in either separator convention and
// drive-letter paths. Bare module names and relative paths would resolve
// against the working directory.
func isAbsPath(path string) bool {
	switch {
	case path == "":
		return false
	case path[0] == '/' || path[0] == '\\':
		return true
	case len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/'):
		return true
	}
	return false
}

// NormalizePath maps the path conventions found in driver configuration to
// one absolute filesystem form:
//
//	\SystemRoot\X  ->  <root>\X
//	\??\X          ->  X
//	system32\X     ->  <root>\system32\X
//
// Prefixes match case-insensitively. Anything else is returned unchanged.
func NormalizePath(path, systemRoot string) string {
	if systemRoot == "" {
		systemRoot = DefaultSystemRoot
	}
	systemRoot = strings.TrimRight(systemRoot, `\`)

	switch {
	case hasPrefixFold(path, `\SystemRoot\`):
		return systemRoot + `\` + path[len(`\SystemRoot\`):]
	case strings.HasPrefix(path, `\??\`):
		return path[len(`\??\`):]
	case hasPrefixFold(path, `system32\`):
		return systemRoot + `\` + path
	}
	return path
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
