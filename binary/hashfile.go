package binary

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

const (
	// ReadBlockSize is the size of each read while hashing a file
	ReadBlockSize = 4 * 1024
	// MaxHashBytes bounds how much of a file is hashed
	MaxHashBytes = 4 * 1024 * 1024
)

// ErrHashUnavailable is returned when a file could not be opened or read
var ErrHashUnavailable = errors.New("hash unavailable")

// Hasher produces content fingerprints for files
type Hasher interface {
	HashFile(path string) ([Size]byte, error)
}

// FileHasher hashes files from a filesystem
type FileHasher struct {
	fs afero.Fs
}

// NewFileHasher creates a hasher reading from fs
func NewFileHasher(fs afero.Fs) *FileHasher {
	return &FileHasher{fs: fs}
}

// HashFile hashes path on the hasher's filesystem
func (h *FileHasher) HashFile(path string) ([Size]byte, error) {
	return HashFile(h.fs, path)
}

// HashFile digests at most MaxHashBytes of the file at path. Bytes past the
// cap are ignored without error.
func HashFile(fs afero.Fs, path string) ([Size]byte, error) {
	var sum [Size]byte
	if path == "" {
		return sum, fmt.Errorf("%w: empty path", ErrHashUnavailable)
	}

	f, err := fs.Open(path)
	if err != nil {
		return sum, fmt.Errorf("%w: open %s: %v", ErrHashUnavailable, path, err)
	}
	defer f.Close()

	d := New()
	buf := make([]byte, ReadBlockSize)
	var read int64
	for read < MaxHashBytes {
		want := int64(len(buf))
		if left := MaxHashBytes - read; left < want {
			want = left
		}

		n, err := f.Read(buf[:want])
		if n > 0 {
			d.Write(buf[:n])
			read += int64(n)
		}
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("%w: read %s: %v", ErrHashUnavailable, path, err)
		}
	}

	return d.Sum16(), nil
}
