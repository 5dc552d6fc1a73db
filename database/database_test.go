package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/procmon/enum"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "procmon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const fixtureYAML = `
keys:
  - path: SYSTEM\CurrentControlSet\Services\disk
    values:
      Type: 1
      Start: 0
      DisplayName: Disk Driver
      ImagePath: System32\drivers\disk.sys
  - path: SYSTEM\CurrentControlSet\Services\Tcpip
    values:
      Type: 1
      DisplayName: "@%SystemRoot%\\system32\\tcpipcfg.dll,-50001"
  - path: SYSTEM\CurrentControlSet\Services\Spooler
    values:
      Type: 16
  - path: SYSTEM\CurrentControlSet\Enum\PCI\VEN_8086&DEV_1234\3&11583659&0&10
    values:
      Service: storahci
      DeviceDesc: Standard SATA AHCI Controller
      HardwareID: [PCI\VEN_8086&DEV_1234, PCI\CC_0106]
  - path: SYSTEM\CurrentControlSet\Enum\USB\VID_1234\Locked
    unreadable: true
`

func fixtureStore(t *testing.T) *platform.MemStore {
	t.Helper()
	store, err := platform.LoadYAML(strings.NewReader(fixtureYAML))
	require.NoError(t, err)
	return store
}

func TestImportReproducesStore(t *testing.T) {
	db := openTestDB(t)
	store := fixtureStore(t)

	stats, err := db.Import(store, `SYSTEM\CurrentControlSet`)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unreadable)
	assert.Greater(t, stats.Keys, 5)

	snap := NewSnapshot(db)

	k, err := snap.Open(`system\currentcontrolset\services\DISK`)
	require.NoError(t, err)
	defer k.Close()

	typ, err := k.IntegerValue("type")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), typ)
	name, err := k.StringValue("DisplayName")
	require.NoError(t, err)
	assert.Equal(t, "Disk Driver", name)
	_, err = k.StringValue("Type")
	assert.True(t, errors.Is(err, platform.ErrUnexpectedType))
	_, err = k.StringValue("Missing")
	assert.True(t, errors.Is(err, platform.ErrNotExist))

	_, err = snap.Open(`SYSTEM\CurrentControlSet\Enum\USB\VID_1234\Locked`)
	assert.True(t, errors.Is(err, platform.ErrAccessDenied))
	_, err = snap.Open(`SYSTEM\Nope`)
	assert.True(t, errors.Is(err, platform.ErrNotExist))

	top, err := snap.Open("")
	require.NoError(t, err)
	names, err := top.SubKeyNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"SYSTEM"}, names)
}

func TestSnapshotMatchesEnumerators(t *testing.T) {
	db := openTestDB(t)
	store := fixtureStore(t)
	_, err := db.Import(store, "")
	require.NoError(t, err)
	snap := NewSnapshot(db)

	live := enum.NewDrivers(enum.Config{Store: store})
	saved := enum.NewDrivers(enum.Config{Store: snap})
	want, err := live.Installed(10)
	require.NoError(t, err)
	got, err := saved.Installed(10)
	require.NoError(t, err)
	assert.Equal(t, want.Items(), got.Items())
	assert.Equal(t, 2, got.Total())

	wantDev, err := enum.NewDevices(enum.Config{Store: store}).Enumerate(10)
	require.NoError(t, err)
	gotDev, err := enum.NewDevices(enum.Config{Store: snap}).Enumerate(10)
	require.NoError(t, err)
	assert.Equal(t, wantDev.Items(), gotDev.Items())
	require.Len(t, gotDev.Items(), 1)
	assert.Equal(t, `PCI\VEN_8086&DEV_1234`, gotDev.Items()[0].HardwareID)
}

func TestImportReplacesSubtree(t *testing.T) {
	db := openTestDB(t)
	store := fixtureStore(t)
	_, err := db.Import(store, "")
	require.NoError(t, err)

	updated := platform.NewMemStore()
	updated.SetInteger(`SYSTEM\CurrentControlSet\Services\beep`, "Type", 1)
	_, err = db.Import(updated, `SYSTEM\CurrentControlSet\Services`)
	require.NoError(t, err)

	snap := NewSnapshot(db)
	k, err := snap.Open(`SYSTEM\CurrentControlSet\Services`)
	require.NoError(t, err)
	names, err := k.SubKeyNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"beep"}, names)

	// siblings outside the imported root are untouched
	_, err = snap.Open(`SYSTEM\CurrentControlSet\Enum\PCI`)
	assert.NoError(t, err)
}

// binaryStore adds a value readable neither as text nor as integer to every
// key of the wrapped store
type binaryStore struct {
	platform.ConfigStore
}

func (s binaryStore) Open(path string) (platform.ConfigKey, error) {
	k, err := s.ConfigStore.Open(path)
	if err != nil {
		return nil, err
	}
	return binaryKey{k}, nil
}

type binaryKey struct {
	platform.ConfigKey
}

const binaryValue = "FailureActions"

func (k binaryKey) ValueNames() ([]string, error) {
	names, err := k.ConfigKey.ValueNames()
	return append(names, binaryValue), err
}

func (k binaryKey) IntegerValue(name string) (uint64, error) {
	if name == binaryValue {
		return 0, platform.ErrUnexpectedType
	}
	return k.ConfigKey.IntegerValue(name)
}

func (k binaryKey) StringsValue(name string) ([]string, error) {
	if name == binaryValue {
		return nil, platform.ErrUnexpectedType
	}
	return k.ConfigKey.StringsValue(name)
}

func TestImportSkipsUntypedValues(t *testing.T) {
	db := openTestDB(t)
	store := binaryStore{fixtureStore(t)}

	stats, err := db.Import(store, enum.ServicesPath)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Keys)
	assert.Equal(t, 4, stats.Skipped)
	assert.Equal(t, 7, stats.Values)

	k, err := NewSnapshot(db).Open(enum.ServicesPath + `\disk`)
	require.NoError(t, err)
	defer k.Close()

	typ, err := k.IntegerValue("Type")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), typ)
	_, err = k.StringValue(binaryValue)
	assert.True(t, errors.Is(err, platform.ErrNotExist))
}

func TestImportMissingRoot(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Import(platform.NewMemStore(), `SYSTEM\Missing`)
	assert.True(t, errors.Is(err, platform.ErrNotExist))
}

func TestEventsAndMatches(t *testing.T) {
	db := openTestDB(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := types.Event{
		ProcessID:       42,
		ParentProcessID: 1,
		Kind:            types.EventCreate,
		Timestamp:       ts,
		ImageName:       "/usr/bin/curl",
		HashValid:       true,
	}
	e.Hash[0] = 0xab

	id, err := db.InsertEvent(e)
	require.NoError(t, err)
	_, err = db.InsertEvent(types.Event{ProcessID: 42, Kind: types.EventExit, ImageName: types.ImageExiting, Timestamp: ts})
	require.NoError(t, err)

	events, err := db.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "EXIT", events[0].Kind)
	assert.Empty(t, events[0].MD5)
	assert.Equal(t, "/usr/bin/curl", events[1].Image)
	assert.Equal(t, "ab000000000000000000000000000000", events[1].MD5)

	require.NoError(t, db.InsertMatch(MatchRecord{EventID: id, RuleID: "r1", RuleName: "curl", Severity: "low", Timestamp: ts}))
	matches, err := db.MatchesForRule("r1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].EventID)
	assert.True(t, ts.Equal(matches[0].Timestamp))
}
