package process

import (
	"sort"
	"sync"
)

// ProcessMap is a thread-safe map of process information
type ProcessMap struct {
	processes map[uint32]*ProcessInfo
	mu        sync.RWMutex
}

// NewProcessMap creates a new process map
func NewProcessMap() *ProcessMap {
	return &ProcessMap{
		processes: make(map[uint32]*ProcessInfo),
	}
}

// Add adds or updates a process in the map
func (pm *ProcessMap) Add(pid uint32, info *ProcessInfo) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processes[pid] = info
}

// Get retrieves process info from the map
func (pm *ProcessMap) Get(pid uint32) (*ProcessInfo, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, exists := pm.processes[pid]
	return info, exists
}

// Remove removes a process from the map
func (pm *ProcessMap) Remove(pid uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.processes, pid)
}

// List returns all processes in the map ordered by pid
func (pm *ProcessMap) List() []*ProcessInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	processes := make([]*ProcessInfo, 0, len(pm.processes))
	for _, p := range pm.processes {
		processes = append(processes, p)
	}
	sort.Slice(processes, func(i, j int) bool { return processes[i].PID < processes[j].PID })
	return processes
}

// Len returns the number of tracked processes
func (pm *ProcessMap) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.processes)
}

// reused reports whether cur is a different process than prev under the same
// pid. Start stamps decide when both are known. Otherwise a changed parent or
// a change between two resolved images counts; an image that stops resolving
// does not, since exiting processes lose their image before they vanish.
func reused(prev, cur *ProcessInfo) bool {
	if prev.StartTime != 0 && cur.StartTime != 0 {
		return prev.StartTime != cur.StartTime
	}
	if prev.PPID != cur.PPID {
		return true
	}
	return prev.ExePath != "" && cur.ExePath != "" && prev.ExePath != cur.ExePath
}

// Reconcile replaces the tracked set with current and reports which
// processes appeared and which disappeared, each ordered by pid. A reused
// pid is reported as both. Reconcile must not run concurrently with itself.
func (pm *ProcessMap) Reconcile(current []ProcessInfo) (started, exited []ProcessInfo) {
	seen := make(map[uint32]struct{}, len(current))
	for i := range current {
		cur := current[i]
		seen[cur.PID] = struct{}{}

		prev, ok := pm.Get(cur.PID)
		if ok && !reused(prev, &cur) {
			continue
		}
		if ok {
			exited = append(exited, *prev)
		}
		started = append(started, cur)
		pm.Add(cur.PID, &cur)
	}

	for _, prev := range pm.List() {
		if _, ok := seen[prev.PID]; !ok {
			exited = append(exited, *prev)
			pm.Remove(prev.PID)
		}
	}

	sort.Slice(started, func(i, j int) bool { return started[i].PID < started[j].PID })
	sort.Slice(exited, func(i, j int) bool { return exited[i].PID < exited[j].PID })
	return started, exited
}
