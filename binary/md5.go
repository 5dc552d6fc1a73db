// Package binary fingerprints executable content.
//
// The digest is a self-contained MD5 (RFC 1321) so that the engine carries no
// dependency on a platform crypto provider. It is used for identity
// fingerprints only, never for security decisions.
package binary

import (
	"encoding/binary"
	"math/bits"
)

// Size of an MD5 digest in bytes
const Size = 16

const blockSize = 64

var initState = [4]uint32{0x67452301, 0xefcdab89, 0x98badcfe, 0x10325476}

var sines = [64]uint32{
	0xd76aa478, 0xe8c7b756, 0x242070db, 0xc1bdceee,
	0xf57c0faf, 0x4787c62a, 0xa8304613, 0xfd469501,
	0x698098d8, 0x8b44f7af, 0xffff5bb1, 0x895cd7be,
	0x6b901122, 0xfd987193, 0xa679438e, 0x49b40821,
	0xf61e2562, 0xc040b340, 0x265e5a51, 0xe9b6c7aa,
	0xd62f105d, 0x02441453, 0xd8a1e681, 0xe7d3fbc8,
	0x21e1cde6, 0xc33707d6, 0xf4d50d87, 0x455a14ed,
	0xa9e3e905, 0xfcefa3f8, 0x676f02d9, 0x8d2a4c8a,
	0xfffa3942, 0x8771f681, 0x6d9d6122, 0xfde5380c,
	0xa4beea44, 0x4bdecfa9, 0xf6bb4b60, 0xbebfbc70,
	0x289b7ec6, 0xeaa127fa, 0xd4ef3085, 0x04881d05,
	0xd9d4d039, 0xe6db99e5, 0x1fa27cf8, 0xc4ac5665,
	0xf4292244, 0x432aff97, 0xab9423a7, 0xfc93a039,
	0x655b59c3, 0x8f0ccc92, 0xffeff47d, 0x85845dd1,
	0x6fa87e4f, 0xfe2ce6e0, 0xa3014314, 0x4e0811a1,
	0xf7537e82, 0xbd3af235, 0x2ad7d2bb, 0xeb86d391,
}

var shifts = [4][4]int{
	{7, 12, 17, 22},
	{5, 9, 14, 20},
	{4, 11, 16, 23},
	{6, 10, 15, 21},
}

// Digest is a streaming MD5 state. The zero value is not usable; call New
// or Reset first.
type Digest struct {
	state [4]uint32
	carry [blockSize]byte
	nc    int
	total uint64
}

// New returns a Digest in its initial state
func New() *Digest {
	d := &Digest{}
	d.Reset()
	return d
}

// Reset restores the algorithm constants and drops any absorbed input
func (d *Digest) Reset() {
	d.state = initState
	d.carry = [blockSize]byte{}
	d.nc = 0
	d.total = 0
}

// Write absorbs p. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	n := len(p)
	d.total += uint64(n)

	if d.nc > 0 {
		c := copy(d.carry[d.nc:], p)
		d.nc += c
		p = p[c:]
		if d.nc < blockSize {
			return n, nil
		}
		d.block(d.carry[:])
		d.nc = 0
	}
	for len(p) >= blockSize {
		d.block(p[:blockSize])
		p = p[blockSize:]
	}
	if len(p) > 0 {
		d.nc = copy(d.carry[:], p)
	}
	return n, nil
}

// Sum16 applies the length padding, returns the digest and clears the state
func (d *Digest) Sum16() [Size]byte {
	bitLen := d.total << 3

	var pad [blockSize + 8]byte
	pad[0] = 0x80
	rem := d.total % blockSize
	padLen := 56 - rem
	if rem >= 56 {
		padLen = blockSize + 56 - rem
	}
	d.Write(pad[:padLen])

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], bitLen)
	d.Write(lenBuf[:])

	var out [Size]byte
	for i, s := range d.state {
		binary.LittleEndian.PutUint32(out[i*4:], s)
	}
	d.Reset()
	return out
}

// Sum returns the digest of data in one call
func Sum(data []byte) [Size]byte {
	d := New()
	d.Write(data)
	return d.Sum16()
}

func (d *Digest) block(p []byte) {
	var m [16]uint32
	for i := range m {
		m[i] = binary.LittleEndian.Uint32(p[i*4:])
	}

	a, b, c, dd := d.state[0], d.state[1], d.state[2], d.state[3]
	for i := 0; i < 64; i++ {
		var f uint32
		var g int
		switch i / 16 {
		case 0:
			f = (b & c) | (^b & dd)
			g = i
		case 1:
			f = (dd & b) | (^dd & c)
			g = (5*i + 1) % 16
		case 2:
			f = b ^ c ^ dd
			g = (3*i + 5) % 16
		default:
			f = c ^ (b | ^dd)
			g = (7 * i) % 16
		}
		f += a + sines[i] + m[g]
		a, dd, c = dd, c, b
		b += bits.RotateLeft32(f, shifts[i/16][i%4])
	}

	d.state[0] += a
	d.state[1] += b
	d.state[2] += c
	d.state[3] += dd
}
