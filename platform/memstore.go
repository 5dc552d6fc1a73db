package platform

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type memValue struct {
	strs    []string
	num     uint64
	integer bool
}

type memNode struct {
	name       string
	children   map[string]*memNode // keyed by lower-cased name
	values     map[string]memValue // keyed by lower-cased name
	valueNames map[string]string
	unreadable bool
}

func newMemNode(name string) *memNode {
	return &memNode{
		name:       name,
		children:   make(map[string]*memNode),
		values:     make(map[string]memValue),
		valueNames: make(map[string]string),
	}
}

// MemStore is an in-memory ConfigStore. Key and value names are
// case-insensitive, subkeys enumerate in sorted order.
type MemStore struct {
	mu   sync.RWMutex
	root *memNode
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{root: newMemNode("")}
}

func splitPath(path string) []string {
	parts := strings.Split(path, `\`)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// must be called with mu held for writing
func (s *MemStore) ensure(path string) *memNode {
	n := s.root
	for _, part := range splitPath(path) {
		k := strings.ToLower(part)
		child, ok := n.children[k]
		if !ok {
			child = newMemNode(part)
			n.children[k] = child
		}
		n = child
	}
	return n
}

func (s *MemStore) set(path, name string, v memValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ensure(path)
	k := strings.ToLower(name)
	n.values[k] = v
	n.valueNames[k] = name
}

// CreateKey creates path and any missing parents
func (s *MemStore) CreateKey(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(path)
}

// SetString stores a text value, creating the key if needed
func (s *MemStore) SetString(path, name, value string) {
	s.set(path, name, memValue{strs: []string{value}})
}

// SetStrings stores a multi-string value
func (s *MemStore) SetStrings(path, name string, values []string) {
	s.set(path, name, memValue{strs: append([]string(nil), values...)})
}

// SetInteger stores an integer value
func (s *MemStore) SetInteger(path, name string, value uint64) {
	s.set(path, name, memValue{num: value, integer: true})
}

// SetUnreadable makes Open fail for path with ErrAccessDenied
func (s *MemStore) SetUnreadable(path string, unreadable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(path).unreadable = unreadable
}

// Open returns a snapshot view of the key at path
func (s *MemStore) Open(path string) (ConfigKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.root
	for _, part := range splitPath(path) {
		child, ok := n.children[strings.ToLower(part)]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, ErrNotExist)
		}
		n = child
	}
	if n.unreadable {
		return nil, fmt.Errorf("open %s: %w", path, ErrAccessDenied)
	}

	k := &memKey{
		path:   path,
		values: make(map[string]memValue, len(n.values)),
	}
	for _, c := range n.children {
		k.subkeys = append(k.subkeys, c.name)
	}
	sort.Slice(k.subkeys, func(i, j int) bool {
		return strings.ToLower(k.subkeys[i]) < strings.ToLower(k.subkeys[j])
	})
	for lk, v := range n.values {
		k.values[lk] = v
		k.valueNames = append(k.valueNames, n.valueNames[lk])
	}
	sort.Strings(k.valueNames)
	return k, nil
}

type memKey struct {
	path       string
	subkeys    []string
	valueNames []string
	values     map[string]memValue
}

func (k *memKey) SubKeyNames() ([]string, error) {
	return append([]string(nil), k.subkeys...), nil
}

func (k *memKey) ValueNames() ([]string, error) {
	return append([]string(nil), k.valueNames...), nil
}

func (k *memKey) lookup(name string) (memValue, error) {
	v, ok := k.values[strings.ToLower(name)]
	if !ok {
		return memValue{}, fmt.Errorf("%s\\%s: %w", k.path, name, ErrNotExist)
	}
	return v, nil
}

func (k *memKey) StringValue(name string) (string, error) {
	strs, err := k.StringsValue(name)
	if err != nil {
		return "", err
	}
	if len(strs) == 0 {
		return "", nil
	}
	return strs[0], nil
}

func (k *memKey) StringsValue(name string) ([]string, error) {
	v, err := k.lookup(name)
	if err != nil {
		return nil, err
	}
	if v.integer {
		return nil, fmt.Errorf("%s\\%s: %w", k.path, name, ErrUnexpectedType)
	}
	return append([]string(nil), v.strs...), nil
}

func (k *memKey) IntegerValue(name string) (uint64, error) {
	v, err := k.lookup(name)
	if err != nil {
		return 0, err
	}
	if !v.integer {
		return 0, fmt.Errorf("%s\\%s: %w", k.path, name, ErrUnexpectedType)
	}
	return v.num, nil
}

func (k *memKey) Close() error { return nil }

// fixture is the YAML layout accepted by LoadYAML
type fixture struct {
	Keys []struct {
		Path       string                 `yaml:"path"`
		Values     map[string]interface{} `yaml:"values"`
		Unreadable bool                   `yaml:"unreadable"`
	} `yaml:"keys"`
}

// LoadYAML builds a MemStore from a YAML document of the form
//
//	keys:
//	  - path: SYSTEM\CurrentControlSet\Services\disk
//	    values:
//	      Type: 1
//	      ImagePath: System32\drivers\disk.sys
//	      HardwareID: [PCI\VEN_8086, PCI\CC_0106]
func LoadYAML(r io.Reader) (*MemStore, error) {
	var f fixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode store fixture: %w", err)
	}

	s := NewMemStore()
	for _, k := range f.Keys {
		s.CreateKey(k.Path)
		for name, raw := range k.Values {
			switch v := raw.(type) {
			case int:
				if v < 0 {
					return nil, fmt.Errorf("%s\\%s: negative integer %d", k.Path, name, v)
				}
				s.SetInteger(k.Path, name, uint64(v))
			case uint64:
				s.SetInteger(k.Path, name, v)
			case string:
				s.SetString(k.Path, name, v)
			case []interface{}:
				strs := make([]string, 0, len(v))
				for _, item := range v {
					strs = append(strs, fmt.Sprint(item))
				}
				s.SetStrings(k.Path, name, strs)
			case nil:
				s.SetString(k.Path, name, "")
			default:
				s.SetString(k.Path, name, fmt.Sprint(v))
			}
		}
		if k.Unreadable {
			s.SetUnreadable(k.Path, true)
		}
	}
	return s, nil
}

// LoadYAMLFile reads a fixture store from disk
func LoadYAMLFile(path string) (*MemStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store fixture: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}
