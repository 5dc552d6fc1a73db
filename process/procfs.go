package process

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ProcLister reads the process table from a /proc filesystem
type ProcLister struct {
	Fs       afero.Fs
	Readlink func(name string) (string, error)
}

// List returns every numeric /proc entry that could be read. Processes that
// exit while being read are skipped, as are exited processes not yet reaped.
func (p *ProcLister) List() ([]ProcessInfo, error) {
	entries, err := afero.ReadDir(p.Fs, "/proc")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc: %w", err)
	}

	procs := make([]ProcessInfo, 0, len(entries))
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || !entry.IsDir() {
			continue
		}

		st, err := p.readStat(uint32(pid))
		if err != nil {
			continue // Process already gone
		}
		if st.state == "Z" || st.state == "X" {
			continue
		}

		info := ProcessInfo{PID: uint32(pid), PPID: st.ppid, StartTime: st.startTime}
		info.ExePath, info.ExeErr = p.readExe(info.PID)
		procs = append(procs, info)
	}
	return procs, nil
}

type procStat struct {
	state     string
	ppid      uint32
	startTime uint64
}

// readStat parses /proc/<pid>/stat. The command name field may contain
// spaces and parentheses, so fields are counted from the last closing
// parenthesis. The start time is optional.
func (p *ProcLister) readStat(pid uint32) (procStat, error) {
	data, err := afero.ReadFile(p.Fs, fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}

	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return procStat{}, fmt.Errorf("invalid stat format")
	}
	// fields[0] is stat field 3
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 {
		return procStat{}, fmt.Errorf("invalid stat format")
	}

	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return procStat{}, err
	}
	st := procStat{state: fields[0], ppid: uint32(ppid)}
	if len(fields) > 19 {
		st.startTime, _ = strconv.ParseUint(fields[19], 10, 64)
	}
	return st, nil
}

// readExe resolves the executable link. Kernel threads have no link and
// yield an empty path with no error.
func (p *ProcLister) readExe(pid uint32) (string, error) {
	target, err := p.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(target, " (deleted)"), nil
}
