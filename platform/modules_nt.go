package platform

import (
	"encoding/binary"
	"fmt"
)

// Layout of RTL_PROCESS_MODULES as returned for SystemModuleInformation on
// 64-bit Windows. The module array is 8-byte aligned after the count.
const (
	ntModulesHeader    = 8
	ntModuleEntrySize  = 296
	ntModuleImageBase  = 16
	ntModuleImageSize  = 24
	ntModuleNameOffset = 38
	ntModuleFullPath   = 40
	ntModulePathSize   = 256
)

// parseModuleInformation decodes a SystemModuleInformation buffer
func parseModuleInformation(buf []byte) ([]Module, error) {
	if len(buf) < ntModulesHeader {
		return nil, fmt.Errorf("module information too short: %d bytes", len(buf))
	}

	count := int(binary.LittleEndian.Uint32(buf))
	if need := ntModulesHeader + count*ntModuleEntrySize; need > len(buf) {
		return nil, fmt.Errorf("module information truncated: %d modules need %d bytes, have %d",
			count, need, len(buf))
	}

	mods := make([]Module, 0, count)
	for i := 0; i < count; i++ {
		e := buf[ntModulesHeader+i*ntModuleEntrySize:][:ntModuleEntrySize]

		raw := e[ntModuleFullPath : ntModuleFullPath+ntModulePathSize]
		n := 0
		for n < len(raw) && raw[n] != 0 {
			n++
		}

		off := int(binary.LittleEndian.Uint16(e[ntModuleNameOffset:]))
		if off > n {
			off = 0
		}

		mods = append(mods, Module{
			Path:       string(raw[:n]),
			NameOffset: off,
			Base:       binary.LittleEndian.Uint64(e[ntModuleImageBase:]),
			Size:       binary.LittleEndian.Uint32(e[ntModuleImageSize:]),
		})
	}
	return mods, nil
}
