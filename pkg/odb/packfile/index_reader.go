package packfile

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/siltvcs/silt/pkg/odb"
)

// Index is an in-memory pack index. Entries are held in digest order, so
// lookups are fanout-bounded binary searches and prefix scans are range
// walks.
type Index struct {
	fanout        [256]uint32
	entries       []IndexEntry
	PackChecksum  odb.Digest
	IndexChecksum odb.Digest
}

// Count returns the number of objects the index covers.
func (ix *Index) Count() int {
	return len(ix.entries)
}

// Each calls fn for every entry in digest order.
func (ix *Index) Each(fn func(IndexEntry)) {
	for _, entry := range ix.entries {
		fn(entry)
	}
}

// Find performs a fanout-bounded binary search for a digest.
func (ix *Index) Find(d odb.Digest) (IndexEntry, bool) {
	bucket := int(d[0])
	start := uint32(0)
	if bucket > 0 {
		start = ix.fanout[bucket-1]
	}
	end := ix.fanout[bucket]
	if end <= start {
		return IndexEntry{}, false
	}

	lo := int(start)
	hi := int(end)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(ix.entries[mid].Digest[:], d[:]) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < int(end) && ix.entries[lo].Digest == d {
		return ix.entries[lo], true
	}
	return IndexEntry{}, false
}

// Scan calls fn for every entry whose digest carries the prefix, in
// digest order.
func (ix *Index) Scan(p odb.Prefix, fn func(IndexEntry)) {
	lo, hi := p.Bounds()
	start := sort.Search(len(ix.entries), func(i int) bool {
		return bytes.Compare(ix.entries[i].Digest[:], lo[:]) >= 0
	})
	for i := start; i < len(ix.entries); i++ {
		if bytes.Compare(ix.entries[i].Digest[:], hi[:]) > 0 {
			return
		}
		fn(ix.entries[i])
	}
}

// ReadIndexFrom drains r and delegates to ReadIndex.
func ReadIndexFrom(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack index stream: %w", err)
	}
	return ReadIndex(data)
}

// ReadIndex parses and validates an idx v2 file.
func ReadIndex(data []byte) (*Index, error) {
	minLen := indexHeaderSize + indexFanoutSize + 2*odb.DigestSize
	if len(data) < minLen {
		return nil, fmt.Errorf("pack index too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], indexMagic[:]) {
		return nil, fmt.Errorf("invalid pack index magic %q", data[:4])
	}
	if version := binary.BigEndian.Uint32(data[4:8]); version != indexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d", version)
	}

	checksumRaw := data[len(data)-odb.DigestSize:]
	sum := sha1.Sum(data[:len(data)-odb.DigestSize])
	if !bytes.Equal(checksumRaw, sum[:]) {
		return nil, fmt.Errorf("pack index checksum mismatch")
	}

	var fanout [256]uint32
	cursor := indexHeaderSize
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, fmt.Errorf("pack index fanout not monotonic at bucket %d", i)
		}
		cursor += 4
	}
	n := int(fanout[255])

	namesLen := n * odb.DigestSize
	crcLen := n * 4
	offsetLen := n * 4
	if cursor+namesLen+crcLen+offsetLen+2*odb.DigestSize > len(data) {
		return nil, fmt.Errorf("pack index truncated")
	}

	namesStart := cursor
	cursor += namesLen
	crcStart := cursor
	cursor += crcLen
	offsetStart := cursor
	cursor += offsetLen

	offset32 := make([]uint32, n)
	largeNeeded := uint32(0)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(data[offsetStart+(i*4):])
		offset32[i] = v
		if v&indexLargeOffsetBit != 0 {
			ref := v & ^indexLargeOffsetBit
			if ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	largeOffsets := make([]uint64, largeNeeded)
	for i := uint32(0); i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*odb.DigestSize {
			return nil, fmt.Errorf("pack index large-offset table truncated")
		}
		largeOffsets[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}

	if cursor+2*odb.DigestSize != len(data) {
		return nil, fmt.Errorf("pack index trailing data: %d bytes", len(data)-(cursor+2*odb.DigestSize))
	}

	var packChecksum, indexChecksum odb.Digest
	copy(packChecksum[:], data[cursor:])
	copy(indexChecksum[:], data[cursor+odb.DigestSize:])

	entries := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		copy(entries[i].Digest[:], data[namesStart+(i*odb.DigestSize):])
		entries[i].CRC32 = binary.BigEndian.Uint32(data[crcStart+(i*4):])
		offset := uint64(offset32[i])
		if offset32[i]&indexLargeOffsetBit != 0 {
			ref := offset32[i] & ^indexLargeOffsetBit
			if int(ref) >= len(largeOffsets) {
				return nil, fmt.Errorf("pack index invalid large offset reference %d", ref)
			}
			offset = largeOffsets[ref]
		}
		entries[i].Offset = offset
		if i > 0 && bytes.Compare(entries[i-1].Digest[:], entries[i].Digest[:]) >= 0 {
			return nil, fmt.Errorf("pack index digests not sorted at entry %d", i)
		}
	}

	return &Index{
		fanout:        fanout,
		entries:       entries,
		PackChecksum:  packChecksum,
		IndexChecksum: indexChecksum,
	}, nil
}
