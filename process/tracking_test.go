package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMapReconcile(t *testing.T) {
	pm := NewProcessMap()

	started, exited := pm.Reconcile([]ProcessInfo{
		{PID: 1, ExePath: "/sbin/init"},
		{PID: 20, PPID: 1, ExePath: "/bin/bash"},
	})
	assert.Len(t, started, 2)
	assert.Empty(t, exited)

	started, exited = pm.Reconcile([]ProcessInfo{
		{PID: 1, ExePath: "/sbin/init"},
		{PID: 30, PPID: 20, ExePath: "/usr/bin/ls"},
	})
	require.Len(t, started, 1)
	assert.Equal(t, uint32(30), started[0].PID)
	require.Len(t, exited, 1)
	assert.Equal(t, uint32(20), exited[0].PID)
	assert.Equal(t, 2, pm.Len())

	// pid reuse with a different image
	started, exited = pm.Reconcile([]ProcessInfo{
		{PID: 1, ExePath: "/sbin/init"},
		{PID: 30, PPID: 1, ExePath: "/usr/bin/top"},
	})
	require.Len(t, started, 1)
	require.Len(t, exited, 1)
	assert.Equal(t, "/usr/bin/ls", exited[0].ExePath)
	assert.Equal(t, "/usr/bin/top", started[0].ExePath)

	info, ok := pm.Get(30)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/top", info.ExePath)
}

func TestProcessMapImageLossIsNotReuse(t *testing.T) {
	pm := NewProcessMap()
	pm.Reconcile([]ProcessInfo{{PID: 42, PPID: 1, ExePath: "/bin/sleep"}})

	// an exiting process loses its image before it leaves the table
	started, exited := pm.Reconcile([]ProcessInfo{{PID: 42, PPID: 1}})
	assert.Empty(t, started)
	assert.Empty(t, exited)

	started, exited = pm.Reconcile(nil)
	assert.Empty(t, started)
	require.Len(t, exited, 1)
	assert.Equal(t, uint32(42), exited[0].PID)
}

func TestProcessMapStartTimeDecidesReuse(t *testing.T) {
	pm := NewProcessMap()
	pm.Reconcile([]ProcessInfo{{PID: 42, PPID: 7, ExePath: "/bin/sleep", StartTime: 100}})

	// reparented after its parent exited
	started, exited := pm.Reconcile([]ProcessInfo{{PID: 42, PPID: 1, ExePath: "/bin/sleep", StartTime: 100}})
	assert.Empty(t, started)
	assert.Empty(t, exited)

	started, exited = pm.Reconcile([]ProcessInfo{{PID: 42, PPID: 1, ExePath: "/bin/sleep", StartTime: 250}})
	require.Len(t, started, 1)
	require.Len(t, exited, 1)
	assert.Equal(t, uint64(250), started[0].StartTime)
	assert.Equal(t, uint64(100), exited[0].StartTime)
}

func procStatLine(pid, ppid uint32, comm, state string, start uint64) []byte {
	return []byte(fmt.Sprintf("%d (%s) %s %d %d %d 0 -1 4194304 100 0 0 0 0 0 0 0 20 0 1 0 %d 1000 200",
		pid, comm, state, ppid, pid, pid, start))
}

func TestPollSourceIgnoresUnreapedProcess(t *testing.T) {
	mfs := afero.NewMemMapFs()
	require.NoError(t, mfs.MkdirAll("/proc/1", 0755))
	require.NoError(t, afero.WriteFile(mfs, "/proc/1/stat", procStatLine(1, 0, "init", "S", 1), 0444))

	links := map[string]string{"/proc/1/exe": "/sbin/init"}
	lister := &ProcLister{Fs: mfs, Readlink: func(name string) (string, error) {
		if target, ok := links[name]; ok {
			return target, nil
		}
		return "", fs.ErrNotExist
	}}

	src := NewPollSource(lister, 0, nil)
	current, err := lister.List()
	require.NoError(t, err)
	src.processMap.Reconcile(current)

	h := &collectingHandler{}
	ctx := context.Background()

	require.NoError(t, mfs.MkdirAll("/proc/42", 0755))
	require.NoError(t, afero.WriteFile(mfs, "/proc/42/stat", procStatLine(42, 1, "sleep", "S", 900), 0444))
	links["/proc/42/exe"] = "/bin/sleep"
	require.NoError(t, src.poll(ctx, h))

	// exited but not yet reaped: stat remains, the exe link is gone
	delete(links, "/proc/42/exe")
	require.NoError(t, afero.WriteFile(mfs, "/proc/42/stat", procStatLine(42, 1, "sleep", "Z", 900), 0444))
	require.NoError(t, src.poll(ctx, h))

	require.NoError(t, mfs.RemoveAll("/proc/42"))
	require.NoError(t, src.poll(ctx, h))

	notes := h.snapshot()
	require.Len(t, notes, 2)
	assert.True(t, notes[0].Create)
	assert.Equal(t, "/bin/sleep", notes[0].ImagePath)
	assert.False(t, notes[1].Create)
	assert.Equal(t, uint32(42), notes[1].PID)
}

func TestProcessMapBasics(t *testing.T) {
	pm := NewProcessMap()
	pm.Add(3, &ProcessInfo{PID: 3})
	pm.Add(1, &ProcessInfo{PID: 1})

	list := pm.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint32(1), list[0].PID)

	pm.Remove(1)
	_, ok := pm.Get(1)
	assert.False(t, ok)
}

func TestProcLister(t *testing.T) {
	mfs := afero.NewMemMapFs()
	require.NoError(t, mfs.MkdirAll("/proc/1", 0755))
	require.NoError(t, mfs.MkdirAll("/proc/2", 0755))
	require.NoError(t, mfs.MkdirAll("/proc/77", 0755))
	require.NoError(t, mfs.MkdirAll("/proc/sys", 0755))
	require.NoError(t, afero.WriteFile(mfs, "/proc/1/stat", []byte("1 (systemd) S 0 1 1 0"), 0444))
	require.NoError(t, afero.WriteFile(mfs, "/proc/2/stat", []byte("2 (kthreadd) S 0 0 0 0"), 0444))
	require.NoError(t, afero.WriteFile(mfs, "/proc/77/stat", []byte("77 (my (odd) name) R 1 77 77 0"), 0444))
	require.NoError(t, afero.WriteFile(mfs, "/proc/uptime", []byte("1.0 1.0"), 0444))

	links := map[string]string{
		"/proc/1/exe":  "/usr/lib/systemd/systemd",
		"/proc/77/exe": "/tmp/odd (deleted)",
	}
	l := &ProcLister{Fs: mfs, Readlink: func(name string) (string, error) {
		if target, ok := links[name]; ok {
			return target, nil
		}
		if name == "/proc/2/exe" {
			return "", fs.ErrNotExist
		}
		return "", errors.New("permission denied")
	}}

	procs, err := l.List()
	require.NoError(t, err)
	require.Len(t, procs, 3)

	byPID := map[uint32]ProcessInfo{}
	for _, p := range procs {
		byPID[p.PID] = p
	}

	assert.Equal(t, "/usr/lib/systemd/systemd", byPID[1].ExePath)
	assert.Empty(t, byPID[2].ExePath)
	assert.NoError(t, byPID[2].ExeErr)
	assert.Equal(t, uint32(1), byPID[77].PPID)
	assert.Equal(t, "/tmp/odd", byPID[77].ExePath)
}

func TestProcListerStat(t *testing.T) {
	mfs := afero.NewMemMapFs()
	for _, pid := range []uint32{10, 11, 12} {
		require.NoError(t, mfs.MkdirAll(fmt.Sprintf("/proc/%d", pid), 0755))
	}
	require.NoError(t, afero.WriteFile(mfs, "/proc/10/stat", procStatLine(10, 1, "a b", "R", 4242), 0444))
	require.NoError(t, afero.WriteFile(mfs, "/proc/11/stat", procStatLine(11, 1, "gone", "Z", 10), 0444))
	require.NoError(t, afero.WriteFile(mfs, "/proc/12/stat", procStatLine(12, 1, "dead", "X", 10), 0444))

	l := &ProcLister{Fs: mfs, Readlink: func(string) (string, error) { return "/bin/x", nil }}
	procs, err := l.List()
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, uint32(10), procs[0].PID)
	assert.Equal(t, uint32(1), procs[0].PPID)
	assert.Equal(t, uint64(4242), procs[0].StartTime)
}
