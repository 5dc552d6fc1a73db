package control

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/procmon/types"
)

func startServer(t *testing.T, h Handler, maxRequest uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procmon.sock")

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(h, maxRequest, nil)
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, path) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return path
}

// queuedListener hands out queued connections. Close does not interrupt a
// pending Accept, so a connection can arrive after the server was closed.
type queuedListener struct {
	conns chan net.Conn
	once  sync.Once
}

func (l *queuedListener) Accept() (net.Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *queuedListener) Close() error { return nil }
func (l *queuedListener) Addr() net.Addr { return &net.UnixAddr{Name: "queued", Net: "unix"} }

func (l *queuedListener) finish() { l.once.Do(func() { close(l.conns) }) }

func TestServerClosesConnAcceptedAfterClose(t *testing.T) {
	d, _ := fixture(1)
	srv := NewServer(d, 0, nil)
	l := &queuedListener{conns: make(chan net.Conn, 1)}
	defer l.finish()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), l) }()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.listener != nil
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, srv.Close())

	client, server := net.Pipe()
	defer client.Close()
	l.conns <- server
	l.finish()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept a connection accepted after close")
	}

	_, err := client.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestServerRoundTrip(t *testing.T) {
	d, ring := fixture(20)
	path := startServer(t, d, 0)

	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()

	events, err := c.Events(5)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, uint32(1), events[0].ProcessID)
	assert.Equal(t, types.EventCreate, events[0].Kind)
	assert.Equal(t, 15, ring.Len())

	// header-only request on the same connection
	events, err = c.Events(0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 15, ring.Len())

	drivers, err := c.InstalledDrivers(3)
	require.NoError(t, err)
	assert.Equal(t, 5, drivers.Total)
	assert.Len(t, drivers.Drivers, 3)

	loaded, err := c.LoadedDrivers(100)
	require.NoError(t, err)
	assert.Len(t, loaded.Drivers, 5)

	devices, err := c.Devices(1)
	require.NoError(t, err)
	assert.Equal(t, 3, devices.Total)
	assert.Len(t, devices.Devices, 1)
}

func TestServerStatuses(t *testing.T) {
	boom := errors.New("registry exploded")
	d, _ := fixture(1)
	d.drivers = &fakeDrivers{err: boom}
	path := startServer(t, d, 1<<20)

	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(GetEvents, 3)
	assert.True(t, errors.Is(err, ErrInsufficientBuffer))

	_, err = c.Call(Code(0xdead), 64)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = c.Call(GetEvents, 2<<20)
	assert.True(t, errors.Is(err, ErrInvalidRequest), "oversized request")

	_, err = c.Call(GetInstalledDrivers, 4096)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "registry exploded")

	// the connection survives every rejection
	events, err := c.Events(1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDecodeRejectsShortPayloads(t *testing.T) {
	_, err := DecodeEvents([]byte{1, 0})
	assert.Error(t, err)
	_, err = DecodeEvents([]byte{1, 0, 0, 0})
	assert.Error(t, err)
	_, err = DecodeDrivers([]byte{1, 0, 0, 0, 1, 0, 0, 0})
	assert.Error(t, err)
	_, err = DecodeDevices([]byte{0, 0, 0, 0, 1, 0, 0, 0})
	assert.Error(t, err, "returned above total")
}
