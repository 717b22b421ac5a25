package packfile

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/siltvcs/silt/pkg/odb"
)

// ImportPack persists an already encoded pack stream wholesale: entries
// are validated and indexed, and the bytes land on disk unchanged, so a
// transfer that arrives in pack form never needs re-encoding. Importing
// a pack the store already holds is a no-op. Returns the digests the
// pack carries, in entry order.
func (db *DB) ImportPack(ctx context.Context, data []byte) ([]odb.Digest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pf, err := ReadPack(data)
	if err != nil {
		return nil, fmt.Errorf("import pack: %w", err)
	}
	if len(pf.Entries) == 0 {
		return nil, fmt.Errorf("import pack: no entries")
	}

	payload := data[: len(data)-trailerSize : len(data)-trailerSize]
	digests := make([]odb.Digest, 0, len(pf.Entries))
	idxEntries := make([]IndexEntry, 0, len(pf.Entries))
	for i, entry := range pf.Entries {
		end := len(payload)
		if i+1 < len(pf.Entries) {
			end = int(pf.Entries[i+1].Offset)
		}
		d := odb.HashObject(entry.Type, entry.Data)
		digests = append(digests, d)
		idxEntries = append(idxEntries, IndexEntry{
			Digest: d,
			Offset: uint64(entry.Offset),
			CRC32:  crc32.ChecksumIEEE(payload[entry.Offset:end]),
		})
	}

	base := "pack-" + pf.Checksum.String()
	if _, err := os.Stat(filepath.Join(db.dir, base+".idx")); err == nil {
		return digests, nil
	}

	var idxBuf bytes.Buffer
	if _, err := WriteIndex(&idxBuf, idxEntries, pf.Checksum); err != nil {
		return nil, fmt.Errorf("import pack: %w", err)
	}

	packTmp, err := os.CreateTemp(db.dir, tmpPackPrefix+"*.pack")
	if err != nil {
		return nil, fmt.Errorf("import pack tmpfile: %w", err)
	}
	packTmpPath := packTmp.Name()
	defer func() {
		_ = packTmp.Close()
		_ = os.Remove(packTmpPath)
	}()
	if _, err := packTmp.Write(data); err != nil {
		return nil, fmt.Errorf("import pack write: %w", err)
	}
	if err := packTmp.Sync(); err != nil {
		return nil, fmt.Errorf("import pack sync: %w", err)
	}
	if err := packTmp.Close(); err != nil {
		return nil, fmt.Errorf("import pack close: %w", err)
	}

	if err := db.finalizePack(packTmpPath, idxBuf.Bytes(), pf.Checksum); err != nil {
		return nil, err
	}
	return digests, nil
}
