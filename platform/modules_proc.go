package platform

import (
	"bufio"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ProcModules lists loaded Linux kernel modules from /proc/modules, resolving
// each module's file through modules.dep of the running kernel release
type ProcModules struct {
	Fs      afero.Fs
	Release string
}

// Modules returns the resident module list. Modules missing from modules.dep
// (built from out-of-tree sources, or a missing dep file) get their bare name
// as the path, which is not hashed.
func (p *ProcModules) Modules() ([]Module, error) {
	f, err := p.Fs.Open("/proc/modules")
	if err != nil {
		return nil, fmt.Errorf("failed to open module list: %w", err)
	}
	defer f.Close()

	files := p.moduleFiles()

	var mods []Module
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}

		name := fields[0]
		size, _ := strconv.ParseUint(fields[1], 10, 32)
		base, _ := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)

		m := Module{Path: name, Base: base, Size: uint32(size)}
		if file, ok := files[name]; ok {
			m.Path = file
			m.NameOffset = strings.LastIndexByte(file, '/') + 1
		}
		mods = append(mods, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read module list: %w", err)
	}
	return mods, nil
}

// moduleFiles maps normalized module names to absolute .ko paths
func (p *ProcModules) moduleFiles() map[string]string {
	files := make(map[string]string)
	if p.Release == "" {
		return files
	}

	dir := path.Join("/lib/modules", p.Release)
	f, err := p.Fs.Open(path.Join(dir, "modules.dep"))
	if err != nil {
		return files
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rel, _, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		files[moduleName(rel)] = path.Join(dir, rel)
	}
	return files
}

// moduleName turns kernel/fs/ext4/ext4.ko.zst into ext4
func moduleName(file string) string {
	base := path.Base(file)
	if i := strings.Index(base, ".ko"); i >= 0 {
		base = base[:i]
	}
	return strings.ReplaceAll(base, "-", "_")
}
