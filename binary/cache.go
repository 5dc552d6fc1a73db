package binary

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"
)

type cacheEntry struct {
	size    int64
	modTime time.Time
	sum     [Size]byte
}

// CachedHasher remembers digests by path with LRU eviction. An entry is only
// reused while the file's size and modification time are unchanged.
type CachedHasher struct {
	cache *lru.Cache
	fs    afero.Fs
}

// NewCachedHasher creates a size-constrained digest cache over fs
func NewCachedHasher(size int, fs afero.Fs) (*CachedHasher, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &CachedHasher{
		cache: cache,
		fs:    fs,
	}, nil
}

// HashFile returns the cached digest for path or computes and stores it
func (c *CachedHasher) HashFile(path string) ([Size]byte, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return [Size]byte{}, fmt.Errorf("%w: stat %s: %v", ErrHashUnavailable, path, err)
	}

	if v, found := c.cache.Get(path); found {
		e := v.(cacheEntry)
		if e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
			return e.sum, nil
		}
	}

	sum, err := HashFile(c.fs, path)
	if err != nil {
		c.cache.Remove(path)
		return sum, err
	}

	c.cache.Add(path, cacheEntry{
		size:    info.Size(),
		modTime: info.ModTime(),
		sum:     sum,
	})
	return sum, nil
}

// Len returns the number of cached digests
func (c *CachedHasher) Len() int {
	return c.cache.Len()
}
