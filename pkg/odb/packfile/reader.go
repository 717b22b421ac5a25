package packfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/siltvcs/silt/pkg/odb"
)

// Entry is one decoded object entry of a pack stream.
type Entry struct {
	Type odb.Type
	Data []byte
	// Offset is the byte position of the entry header within the pack,
	// recorded for index construction.
	Offset int64
}

// File is the decoded content of a complete pack stream.
type File struct {
	Entries  []Entry
	Checksum odb.Digest
}

// ReadPack decodes a complete in-memory pack stream, verifying the
// trailer checksum, every entry size, and that no undecoded bytes
// remain. Delta entries are rejected: packs here carry full objects
// only.
func ReadPack(data []byte) (*File, error) {
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("pack too short: %d bytes", len(data))
	}

	payload := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]

	sum := sha1.Sum(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("pack checksum mismatch")
	}

	count, err := unmarshalHeader(payload)
	if err != nil {
		return nil, err
	}

	offset := headerSize
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		entryStart := int64(offset)
		k, size, n, err := decodeEntryHeader(payload[offset:])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		t, ok := typeOf(k)
		if !ok {
			return nil, fmt.Errorf("entry %d: unsupported entry kind %d", i, k)
		}
		offset += n
		if offset >= len(payload) {
			return nil, fmt.Errorf("entry %d: missing compressed payload", i)
		}

		sub := bytes.NewReader(payload[offset:])
		zr, err := zlib.NewReader(sub)
		if err != nil {
			return nil, fmt.Errorf("entry %d: zlib reader: %w", i, err)
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			_ = zr.Close()
			return nil, fmt.Errorf("entry %d: decompress: %w", i, err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("entry %d: close zlib stream: %w", i, err)
		}
		if uint64(len(raw)) != size {
			return nil, fmt.Errorf("entry %d: size mismatch header=%d decoded=%d", i, size, len(raw))
		}

		offset += len(payload[offset:]) - sub.Len()

		entries = append(entries, Entry{Type: t, Data: raw, Offset: entryStart})
	}

	if offset != len(payload) {
		return nil, fmt.Errorf("pack has trailing undecoded bytes: %d", len(payload)-offset)
	}

	var checksum odb.Digest
	copy(checksum[:], trailer)
	return &File{Entries: entries, Checksum: checksum}, nil
}

// ReadPackFrom drains r and delegates to ReadPack.
func ReadPackFrom(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return ReadPack(data)
}
