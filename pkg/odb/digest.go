package odb

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

const (
	// DigestSize is the size of a raw object digest in bytes.
	DigestSize = 20
	// HexDigestLen is the length of a fully spelled-out hex digest.
	HexDigestLen = DigestSize * 2
)

// Digest is the binary content address of one object. Two objects are the
// same object iff their digests are equal.
type Digest [DigestSize]byte

// ZeroDigest is the absent digest. No stored object ever hashes to it.
var ZeroDigest Digest

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns an abbreviated hex form for log output.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}

func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// ParseDigest parses a full-length hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != HexDigestLen {
		return d, fmt.Errorf("digest %q: want %d hex characters, have %d", s, HexDigestLen, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(s))); err != nil {
		return d, fmt.Errorf("digest %q: %w", s, err)
	}
	return d, nil
}

// HashObject computes the digest for an object of the given type and
// content: the hash of "<type> <size>\x00" followed by the content bytes.
func HashObject(t Type, data []byte) Digest {
	h := NewHasher(t, int64(len(data)))
	h.Write(data)
	return h.Sum()
}

// Hasher computes an object digest incrementally while the content streams
// through it. The envelope header is hashed at construction, so Size must
// be the final content length.
type Hasher struct {
	h hash.Hash
}

func NewHasher(t Type, size int64) *Hasher {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", t, size)
	return &Hasher{h: h}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// Prefix is a partial digest: a hex prefix of one to HexDigestLen
// characters. The hex form is kept as given so that an odd number of
// characters keeps its trailing nibble, which a binary representation
// would lose.
type Prefix struct {
	hex string
}

// ParsePrefix validates and normalizes a hex prefix.
func ParsePrefix(s string) (Prefix, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Prefix{}, fmt.Errorf("empty digest prefix")
	}
	if len(s) > HexDigestLen {
		return Prefix{}, fmt.Errorf("digest prefix %q longer than %d characters", s, HexDigestLen)
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return Prefix{}, fmt.Errorf("digest prefix %q: invalid character %q", s, s[i])
		}
	}
	return Prefix{hex: s}, nil
}

// PrefixOf returns the prefix covering the first n hex characters of d.
func PrefixOf(d Digest, n int) (Prefix, error) {
	if n < 1 || n > HexDigestLen {
		return Prefix{}, fmt.Errorf("prefix length %d out of range", n)
	}
	return Prefix{hex: d.String()[:n]}, nil
}

func (p Prefix) Hex() string    { return p.hex }
func (p Prefix) Len() int       { return len(p.hex) }
func (p Prefix) String() string { return p.hex }

// Match reports whether d begins with this prefix.
func (p Prefix) Match(d Digest) bool {
	return strings.HasPrefix(d.String(), p.hex)
}

// Complete returns the digest when the prefix spells all of it.
func (p Prefix) Complete() (Digest, bool) {
	if len(p.hex) != HexDigestLen {
		return ZeroDigest, false
	}
	d, err := ParseDigest(p.hex)
	if err != nil {
		return ZeroDigest, false
	}
	return d, true
}

// FirstByte returns the value of the leading full byte when the prefix is
// at least two characters long. Backends keyed by the first byte use it to
// narrow a scan.
func (p Prefix) FirstByte() (byte, bool) {
	if len(p.hex) < 2 {
		return 0, false
	}
	b, err := hex.DecodeString(p.hex[:2])
	if err != nil {
		return 0, false
	}
	return b[0], true
}

// Bounds returns the smallest and largest digests carrying this prefix.
// Every candidate lies in the closed range [lo, hi], which suits sorted
// index scans.
func (p Prefix) Bounds() (lo, hi Digest) {
	pad := HexDigestLen - len(p.hex)
	lo, _ = ParseDigest(p.hex + strings.Repeat("0", pad))
	hi, _ = ParseDigest(p.hex + strings.Repeat("f", pad))
	return lo, hi
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
