package control

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jnesss/procmon/types"
)

// Client issues requests over one control connection
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the control socket at path
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Call sends one request with an output buffer of outSize bytes and returns
// the bytes the engine wrote
func (c *Client) Call(code Code, outSize int) ([]byte, error) {
	if outSize < 0 || uint64(outSize) > 1<<32-1 {
		return nil, fmt.Errorf("output size %d out of range", outSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeRequest(c.conn, code, uint32(outSize)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// failure messages may exceed tiny buffers
	status, payload, err := readResponse(c.conn, uint32(max(outSize, 64<<10)))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := errorOf(status, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Events drains up to maxRecords buffered events
func (c *Client) Events(maxRecords int) ([]types.Event, error) {
	size, _ := BufferSize(GetEvents, maxRecords)
	buf, err := c.Call(GetEvents, size)
	if err != nil {
		return nil, err
	}
	return DecodeEvents(buf)
}

// InstalledDrivers lists configured drivers, returning at most maxRecords
func (c *Client) InstalledDrivers(maxRecords int) (*DriversResponse, error) {
	return c.drivers(GetInstalledDrivers, maxRecords)
}

// LoadedDrivers lists resident drivers, returning at most maxRecords
func (c *Client) LoadedDrivers(maxRecords int) (*DriversResponse, error) {
	return c.drivers(GetLoadedDrivers, maxRecords)
}

func (c *Client) drivers(code Code, maxRecords int) (*DriversResponse, error) {
	size, _ := BufferSize(code, maxRecords)
	buf, err := c.Call(code, size)
	if err != nil {
		return nil, err
	}
	return DecodeDrivers(buf)
}

// Devices lists bound devices, returning at most maxRecords
func (c *Client) Devices(maxRecords int) (*DevicesResponse, error) {
	size, _ := BufferSize(GetDevices, maxRecords)
	buf, err := c.Call(GetDevices, size)
	if err != nil {
		return nil, err
	}
	return DecodeDevices(buf)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
