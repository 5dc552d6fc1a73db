package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/procmon/buffer"
	"github.com/jnesss/procmon/control"
	"github.com/jnesss/procmon/database"
	"github.com/jnesss/procmon/engine"
	"github.com/jnesss/procmon/enum"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

type staticDrivers struct{}

func (staticDrivers) Installed(limit int) (*types.Bounded[types.DriverRecord], error) {
	out := types.NewBounded[types.DriverRecord](limit)
	for _, name := range []string{"disk", "ntfs", "tcpip"} {
		out.Offer(func() types.DriverRecord {
			r := types.DriverRecord{Name: name, ImagePath: `System32\drivers\` + name + ".sys", HashValid: true}
			r.Hash[15] = 0x01
			return r
		})
	}
	return out, nil
}

func (staticDrivers) Loaded(limit int) (*types.Bounded[types.DriverRecord], error) {
	return nil, platform.ErrNotSupported
}

type staticDevices struct{}

func (staticDevices) Enumerate(limit int) (*types.Bounded[types.DeviceRecord], error) {
	out := types.NewBounded[types.DeviceRecord](limit)
	out.Offer(func() types.DeviceRecord {
		return types.DeviceRecord{DisplayName: "Disk", InstanceID: `SCSI\Disk\1`, SerialNumber: "1", ServiceName: "disk"}
	})
	return out, nil
}

func newTestServer(t *testing.T, db *database.DB) (*Server, *buffer.Ring, *metrics.Metrics) {
	t.Helper()
	ring := buffer.NewRing()
	m := metrics.New()
	d := control.NewDispatcher(ring, staticDrivers{}, staticDevices{}, nil, m)
	return NewServer(Config{Handler: d, Metrics: m, DB: db, DefaultLimit: 2}), ring, m
}

func get(t *testing.T, s *Server, url string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	s.Router().ServeHTTP(w, req)
	return w
}

func TestEventsEndpoint(t *testing.T) {
	s, ring, _ := newTestServer(t, nil)

	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	for pid := uint32(1); pid <= 3; pid++ {
		ring.Push(types.Event{ProcessID: pid, ParentProcessID: 1, Kind: types.EventCreate, ImageName: "/bin/sh", Timestamp: ts})
	}

	w := get(t, s, "/api/events")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []EventRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2, "default limit applies")
	assert.Equal(t, uint32(1), rows[0].PID)
	assert.Equal(t, "CREATE", rows[0].Kind)
	assert.Empty(t, rows[0].MD5)
	parsed, err := time.Parse(time.RFC3339, rows[0].Timestamp)
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	w = get(t, s, "/api/events?limit=10")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(3), rows[0].PID)

	w = get(t, s, "/api/events?limit=0")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = get(t, s, "/api/events?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDriverEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := get(t, s, "/api/drivers/installed")
	require.Equal(t, http.StatusOK, w.Code)
	var res ListResponse[DriverRow]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Returned)
	assert.Equal(t, "disk", res.Items[0].Name)
	assert.Equal(t, "00000000000000000000000000000001", res.Items[0].MD5)
	assert.Empty(t, res.Items[0].BaseAddress)

	w = get(t, s, "/api/drivers/loaded")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestDevicesEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := get(t, s, "/api/devices?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	var res ListResponse[DeviceRow]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, `SCSI\Disk\1`, res.Items[0].InstanceID)
}

func TestHistoryRecordsDrainedEvents(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "procmon.db"))
	require.NoError(t, err)
	defer db.Close()

	s, ring, _ := newTestServer(t, db)
	ring.Push(types.Event{ProcessID: 9, Kind: types.EventCreate, ImageName: "/bin/true", Timestamp: time.Now()})

	require.Equal(t, http.StatusOK, get(t, s, "/api/events").Code)

	w := get(t, s, "/api/history")
	require.Equal(t, http.StatusOK, w.Code)
	var records []database.EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "/bin/true", records[0].Image)
}

func TestStoppedEngineIsUnavailable(t *testing.T) {
	store := platform.NewMemStore()
	store.SetInteger(platform.JoinPath(enum.ServicesPath, "beep"), "Type", 1)
	e := engine.New(engine.Config{Store: store})
	s := NewServer(Config{Handler: e})

	w := get(t, s, "/api/events")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, e.Start())
	defer e.Stop()
	w = get(t, s, "/api/drivers/installed")
	require.Equal(t, http.StatusOK, w.Code)
	var res ListResponse[DriverRow]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, "beep", res.Items[0].Name)
}

func TestMetricsEndpoint(t *testing.T) {
	s, ring, _ := newTestServer(t, nil)
	ring.Push(types.Event{ProcessID: 1})
	get(t, s, "/api/events")

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "procmon_requests_total"))
	assert.True(t, strings.Contains(body, `path="/api/events"`))
}
