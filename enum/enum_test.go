package enum

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jnesss/procmon/binary"
	"github.com/jnesss/procmon/platform"
)

// mapHasher hashes path names found in files and fails for everything else
type mapHasher struct {
	files map[string]string
	calls []string
}

func (h *mapHasher) HashFile(path string) ([binary.Size]byte, error) {
	h.calls = append(h.calls, path)
	content, ok := h.files[path]
	if !ok {
		return [binary.Size]byte{}, fmt.Errorf("%w: %s", binary.ErrHashUnavailable, path)
	}
	return binary.Sum([]byte(content)), nil
}

type staticModules struct {
	mods []platform.Module
	err  error
}

func (s staticModules) Modules() ([]platform.Module, error) { return s.mods, s.err }

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`\SystemRoot\System32\drivers\disk.sys`, `C:\Windows\System32\drivers\disk.sys`},
		{`\systemroot\system32\ntoskrnl.exe`, `C:\Windows\system32\ntoskrnl.exe`},
		{`\??\C:\Program Files\Vendor\filter.sys`, `C:\Program Files\Vendor\filter.sys`},
		{`System32\drivers\acpi.sys`, `C:\Windows\System32\drivers\acpi.sys`},
		{`system32\DRIVERS\usbhub.sys`, `C:\Windows\system32\DRIVERS\usbhub.sys`},
		{`C:\Drivers\custom.sys`, `C:\Drivers\custom.sys`},
		{`/lib/modules/6.1.0/kernel/fs/ext4/ext4.ko`, `/lib/modules/6.1.0/kernel/fs/ext4/ext4.ko`},
		{``, ``},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in, ""), "input %q", tt.in)
	}

	assert.Equal(t, `D:\WINNT\System32\x.sys`, NormalizePath(`\SystemRoot\System32\x.sys`, `D:\WINNT\`))
}

func TestInstancePath(t *testing.T) {
	p := InstancePath{Category: "PCI", DeviceType: "VEN_1234&DEV_5678", Instance: "3&abc123&0"}
	assert.Equal(t, `PCI\VEN_1234&DEV_5678\3&abc123&0`, p.ID())
	assert.Equal(t, "3&abc123&0", p.Serial())
}

func TestChildrenSkipsUnreadable(t *testing.T) {
	s := platform.NewMemStore()
	s.CreateKey(`Root\A\x`)
	s.CreateKey(`Root\B`)
	s.SetUnreadable(`Root\B`, true)

	var got []string
	for name := range Children(s, "Root") {
		got = append(got, name)
	}
	assert.Equal(t, []string{"A", "B"}, got)

	got = nil
	for name := range Children(s, `Root\B`) {
		got = append(got, name)
	}
	assert.Empty(t, got)

	for range Children(s, `Root\Missing`) {
		t.Fatal("missing key yielded a child")
	}
}

func TestInstancesTraversal(t *testing.T) {
	s := platform.NewMemStore()
	s.CreateKey(`Enum\PCI\VEN_1\inst1`)
	s.CreateKey(`Enum\PCI\VEN_1\inst2`)
	s.CreateKey(`Enum\PCI\VEN_2\inst3`)
	s.CreateKey(`Enum\USB\ROOT_HUB30\4&1`)
	s.CreateKey(`Enum\Empty`)

	seq, err := Instances(s, "Enum")
	assert.NoError(t, err)

	var ids []string
	for p := range seq {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{
		`PCI\VEN_1\inst1`, `PCI\VEN_1\inst2`, `PCI\VEN_2\inst3`, `USB\ROOT_HUB30\4&1`,
	}, ids)

	// restartable, and stops early when asked
	var first []string
	for p := range seq {
		first = append(first, p.ID())
		break
	}
	assert.Equal(t, []string{`PCI\VEN_1\inst1`}, first)

	_, err = Instances(s, "NoSuchRoot")
	assert.True(t, errors.Is(err, platform.ErrNotExist))
}

func TestInstancesRereadsEveryLevel(t *testing.T) {
	s := platform.NewMemStore()
	s.CreateKey(`Enum\PCI\VEN_1\inst1`)

	seq, err := Instances(s, "Enum")
	assert.NoError(t, err)

	s.CreateKey(`Enum\ACPI\PNP0A08\0`)
	s.CreateKey(`Enum\PCI\VEN_1\inst2`)

	var ids []string
	for p := range seq {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{`ACPI\PNP0A08\0`, `PCI\VEN_1\inst1`, `PCI\VEN_1\inst2`}, ids)

	s.SetUnreadable("Enum", true)
	var after []string
	for p := range seq {
		after = append(after, p.ID())
	}
	assert.Empty(t, after)
}
