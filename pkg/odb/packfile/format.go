// Package packfile stores many objects in single archive files: a pack
// holds zlib-compressed entries behind a 12-byte header and a trailing
// checksum, and a sibling index maps digests to entry offsets through a
// 256-way fanout table. The layout matches the classic pack v2 and index
// v2 formats for full (non-delta) entries.
package packfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/siltvcs/silt/pkg/odb"
)

const (
	packMagic   = "PACK"
	packVersion = 2

	headerSize  = 12
	trailerSize = odb.DigestSize
)

// entryKind is the on-disk entry type nibble.
type entryKind uint8

const (
	kindCommit entryKind = 1
	kindTree   entryKind = 2
	kindBlob   entryKind = 3
	kindTag    entryKind = 4

	// Delta kinds exist in the wild format but are not produced here.
	kindOfsDelta entryKind = 6
	kindRefDelta entryKind = 7
)

func kindOf(t odb.Type) (entryKind, bool) {
	switch t {
	case odb.TypeCommit:
		return kindCommit, true
	case odb.TypeTree:
		return kindTree, true
	case odb.TypeBlob:
		return kindBlob, true
	case odb.TypeTag:
		return kindTag, true
	}
	return 0, false
}

func typeOf(k entryKind) (odb.Type, bool) {
	switch k {
	case kindCommit:
		return odb.TypeCommit, true
	case kindTree:
		return odb.TypeTree, true
	case kindBlob:
		return odb.TypeBlob, true
	case kindTag:
		return odb.TypeTag, true
	}
	return "", false
}

func marshalHeader(count uint32) []byte {
	buf := make([]byte, headerSize)
	copy(buf, packMagic)
	binary.BigEndian.PutUint32(buf[4:], packVersion)
	binary.BigEndian.PutUint32(buf[8:], count)
	return buf
}

func unmarshalHeader(b []byte) (uint32, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("pack header: %d bytes, want %d", len(b), headerSize)
	}
	if string(b[:4]) != packMagic {
		return 0, fmt.Errorf("pack header: bad magic %q", b[:4])
	}
	if v := binary.BigEndian.Uint32(b[4:]); v != packVersion {
		return 0, fmt.Errorf("pack header: unsupported version %d", v)
	}
	return binary.BigEndian.Uint32(b[8:]), nil
}

// encodeEntryHeader writes the variable-length entry header: the first
// byte holds the kind in bits 4-6 and the low four size bits, each
// following byte holds seven more size bits, high bit marking
// continuation.
func encodeEntryHeader(k entryKind, size uint64) []byte {
	buf := make([]byte, 0, 10)
	b := byte(k)<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		buf = append(buf, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(buf, b)
}

// decodeEntryHeader reads one entry header, returning the kind, the
// decompressed size, and the number of header bytes consumed.
func decodeEntryHeader(data []byte) (entryKind, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, fmt.Errorf("entry header truncated")
	}

	b := data[0]
	k := entryKind((b >> 4) & 0x07)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1

	for b&0x80 != 0 {
		if consumed >= len(data) {
			return 0, 0, 0, fmt.Errorf("entry header truncated")
		}
		if shift > 63 {
			return 0, 0, 0, fmt.Errorf("entry header size overflow")
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}

	if k == 0 || k == 5 {
		return 0, 0, 0, fmt.Errorf("entry header: invalid kind %d", k)
	}
	return k, size, consumed, nil
}

// decodeEntryHeaderFrom reads one entry header byte by byte, for use on
// a positioned pack file reader.
func decodeEntryHeaderFrom(r io.ByteReader) (entryKind, uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, fmt.Errorf("entry header: %w", err)
	}
	k := entryKind((b >> 4) & 0x07)
	size := uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if shift > 63 {
			return 0, 0, fmt.Errorf("entry header size overflow")
		}
		if b, err = r.ReadByte(); err != nil {
			return 0, 0, fmt.Errorf("entry header: %w", err)
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	if k == 0 || k == 5 {
		return 0, 0, fmt.Errorf("entry header: invalid kind %d", k)
	}
	return k, size, nil
}
