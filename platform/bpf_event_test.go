package platform

import (
	"bytes"
	binenc "encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEvent(t *testing.T, ev ProcessEvent) []byte {
	var buf bytes.Buffer
	require.NoError(t, binenc.Write(&buf, binenc.LittleEndian, &ev))
	return buf.Bytes()
}

func noLink(string) (string, error) { return "", errors.New("gone") }

func TestBPFEventExec(t *testing.T) {
	ev := ProcessEvent{EventType: EVENT_PROCESS_EXEC, Pid: 42, PPID: 1}
	copy(ev.ExePath[:], "/usr/bin/curl")

	parsed, err := parseProcessEvent(rawEvent(t, ev))
	require.NoError(t, err)

	n, ok := parsed.toNotification(noLink)
	require.True(t, ok)
	assert.True(t, n.Create)
	assert.Equal(t, uint32(42), n.PID)
	assert.Equal(t, uint32(1), n.PPID)
	assert.Equal(t, "/usr/bin/curl", n.ImagePath)
	assert.NoError(t, n.ImageErr)
}

func TestBPFEventRelativePathResolved(t *testing.T) {
	ev := ProcessEvent{EventType: EVENT_PROCESS_EXEC, Pid: 7}
	copy(ev.ExePath[:], "./run.sh")

	n, ok := ev.toNotification(func(p string) (string, error) {
		assert.Equal(t, "/proc/7/exe", p)
		return "/usr/bin/bash", nil
	})
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/bash", n.ImagePath)
}

func TestBPFEventTruncatedUnresolvable(t *testing.T) {
	ev := ProcessEvent{EventType: EVENT_PROCESS_EXEC, Pid: 7}
	copy(ev.ExePath[:], "/"+strings.Repeat("x", len(ev.ExePath)))

	n, ok := ev.toNotification(noLink)
	require.True(t, ok)
	assert.Empty(t, n.ImagePath)
	assert.Error(t, n.ImageErr)
}

func TestBPFEventNoImage(t *testing.T) {
	ev := ProcessEvent{EventType: EVENT_PROCESS_EXEC, Pid: 9}
	n, ok := ev.toNotification(noLink)
	require.True(t, ok)
	assert.Empty(t, n.ImagePath)
	assert.NoError(t, n.ImageErr)
}

func TestBPFEventExitAndUnknown(t *testing.T) {
	ev := ProcessEvent{EventType: EVENT_PROCESS_EXIT, Pid: 9, PPID: 3}
	n, ok := ev.toNotification(noLink)
	require.True(t, ok)
	assert.False(t, n.Create)
	assert.Equal(t, uint32(9), n.PID)

	ev.EventType = 5
	_, ok = ev.toNotification(noLink)
	assert.False(t, ok)
}

func TestBPFEventShortSample(t *testing.T) {
	_, err := parseProcessEvent([]byte{1, 2, 3})
	assert.Error(t, err)
}
