//go:build !linux

package platform

import "go.uber.org/zap"

// BPFSource is only available on Linux
type BPFSource struct{}

// NewBPFSource returns a source whose Register fails with ErrNotSupported
func NewBPFSource(objectPath string, logger *zap.Logger) *BPFSource {
	return &BPFSource{}
}

// Register always fails on this platform
func (s *BPFSource) Register(h NotifyHandler) error {
	return ErrNotSupported
}

// Unregister is a no-op on this platform
func (s *BPFSource) Unregister() error {
	return nil
}
