package types

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"
)

// EventKind distinguishes process creation from process exit
type EventKind uint8

// Event kind constants, matching the wire byte
const (
	EventExit   EventKind = 0 // Process exit
	EventCreate EventKind = 1 // Process creation
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "CREATE"
	case EventExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Placeholder image names used when no real name is available
const (
	ImageNoName  = "<no name>"
	ImageUnknown = "<unknown>"
	ImageExiting = "<exiting>"
)

const (
	// MaxImageName is the size of the image name field including the NUL
	MaxImageName = 260
	// HashSize is the size of a content digest
	HashSize = 16
	// EventSize is the wire size of one Event record
	EventSize = 296
)

// Event is one process lifecycle record
type Event struct {
	ProcessID       uint32
	ParentProcessID uint32
	Kind            EventKind
	Timestamp       time.Time
	ImageName       string
	Hash            [HashSize]byte
	HashValid       bool
}

// MarshalTo writes the fixed-size wire form of e into dst, which must be at
// least EventSize bytes long
func (e *Event) MarshalTo(dst []byte) {
	_ = dst[EventSize-1]
	clear(dst[:EventSize])

	binary.LittleEndian.PutUint32(dst[0:], e.ProcessID)
	binary.LittleEndian.PutUint32(dst[4:], e.ParentProcessID)
	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixNano()
	}
	binary.LittleEndian.PutUint64(dst[8:], uint64(ts))
	dst[16] = byte(e.Kind)
	dst[17] = boolByte(e.HashValid)
	copy(dst[20:36], e.Hash[:])
	putText(dst[36:36+MaxImageName], e.ImageName)
}

// UnmarshalEvent decodes one wire record
func UnmarshalEvent(src []byte) (Event, error) {
	if len(src) < EventSize {
		return Event{}, fmt.Errorf("short event record: %d bytes", len(src))
	}

	e := Event{
		ProcessID:       binary.LittleEndian.Uint32(src[0:]),
		ParentProcessID: binary.LittleEndian.Uint32(src[4:]),
		Kind:            EventKind(src[16]),
		HashValid:       src[17] != 0,
		ImageName:       getText(src[36 : 36+MaxImageName]),
	}
	if ts := int64(binary.LittleEndian.Uint64(src[8:])); ts != 0 {
		e.Timestamp = time.Unix(0, ts)
	}
	copy(e.Hash[:], src[20:36])
	return e, nil
}

// putText copies s into a NUL-terminated fixed field, truncating on a rune
// boundary
func putText(field []byte, s string) {
	max := len(field) - 1
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	n := copy(field, s)
	field[n] = 0
}

func getText(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// TruncateText bounds s to what a field of the given size can hold
func TruncateText(s string, fieldSize int) string {
	buf := make([]byte, fieldSize)
	putText(buf, s)
	return getText(buf)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
