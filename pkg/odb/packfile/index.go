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

const (
	indexVersion        = 2
	indexHeaderSize     = 8
	indexFanoutSize     = 256 * 4
	indexLargeOffsetBit = uint32(1 << 31)
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// IndexEntry is one row in a pack index: a digest and where its entry
// starts in the pack. CRC32 covers the entry's on-disk bytes, header and
// compressed payload both, so an entry can be copied between packs
// without decompression.
type IndexEntry struct {
	Digest odb.Digest
	Offset uint64
	CRC32  uint32
}

func sortIndexEntries(entries []IndexEntry) []IndexEntry {
	out := make([]IndexEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Digest[:], out[j].Digest[:]) < 0
	})
	return out
}

func buildFanout(entries []IndexEntry) [256]uint32 {
	var counts [256]uint32
	for _, entry := range entries {
		counts[int(entry.Digest[0])]++
	}

	var fanout [256]uint32
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		fanout[i] = total
	}
	return fanout
}

// WriteIndex writes an idx v2 style index for the given entries and pack
// checksum: magic, version, 256-way fanout, sorted digests, CRC32s,
// offsets with a large-offset extension table, then both checksums. It
// returns the index's own checksum.
func WriteIndex(w io.Writer, entries []IndexEntry, packChecksum odb.Digest) (odb.Digest, error) {
	sorted := sortIndexEntries(entries)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Digest == sorted[i-1].Digest {
			return odb.ZeroDigest, fmt.Errorf("duplicate digest %s in pack index", sorted[i].Digest)
		}
	}

	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(indexVersion))

	fanout := buildFanout(sorted)
	for i := 0; i < 256; i++ {
		_ = binary.Write(&buf, binary.BigEndian, fanout[i])
	}

	for _, entry := range sorted {
		buf.Write(entry.Digest[:])
	}
	for _, entry := range sorted {
		_ = binary.Write(&buf, binary.BigEndian, entry.CRC32)
	}

	largeOffsets := make([]uint64, 0)
	for _, entry := range sorted {
		if entry.Offset < uint64(indexLargeOffsetBit) {
			_ = binary.Write(&buf, binary.BigEndian, uint32(entry.Offset))
			continue
		}
		ref := indexLargeOffsetBit | uint32(len(largeOffsets))
		_ = binary.Write(&buf, binary.BigEndian, ref)
		largeOffsets = append(largeOffsets, entry.Offset)
	}
	for _, offset := range largeOffsets {
		_ = binary.Write(&buf, binary.BigEndian, offset)
	}

	buf.Write(packChecksum[:])
	indexSum := sha1.Sum(buf.Bytes())
	buf.Write(indexSum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return odb.ZeroDigest, fmt.Errorf("write pack index: %w", err)
	}
	return odb.Digest(indexSum), nil
}
