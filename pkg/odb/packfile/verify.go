package packfile

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/siltvcs/silt/pkg/odb"
)

// VerifySummary reports what Verify checked.
type VerifySummary struct {
	Packs   int
	Objects int
}

// Verify rereads every pack in full: trailer checksums, index
// agreement, per-entry CRCs, and that each entry's content hashes to
// its indexed digest. The first defect found fails the whole check.
func (db *DB) Verify(ctx context.Context) (*VerifySummary, error) {
	sum := &VerifySummary{}
	for _, idxPath := range db.indexPaths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ix, err := db.index(idxPath)
		if err != nil {
			return nil, err
		}

		packPath := packPathFor(idxPath)
		packName := filepath.Base(packPath)
		data, err := os.ReadFile(packPath)
		if err != nil {
			return nil, fmt.Errorf("verify pack %s: %w", packName, err)
		}
		pf, err := ReadPack(data)
		if err != nil {
			return nil, fmt.Errorf("verify pack %s: %w", packName, err)
		}
		if pf.Checksum != ix.PackChecksum {
			return nil, fmt.Errorf("verify pack %s: checksum mismatch between idx (%s) and pack (%s)",
				packName, ix.PackChecksum, pf.Checksum)
		}
		if len(pf.Entries) != ix.Count() {
			return nil, fmt.Errorf("verify pack %s: idx holds %d entries, pack %d",
				packName, ix.Count(), len(pf.Entries))
		}

		byOffset := make(map[uint64]int, len(pf.Entries))
		for i, entry := range pf.Entries {
			byOffset[uint64(entry.Offset)] = i
		}
		payload := data[:len(data)-trailerSize]

		var verr error
		ix.Each(func(entry IndexEntry) {
			if verr != nil {
				return
			}
			i, ok := byOffset[entry.Offset]
			if !ok {
				verr = fmt.Errorf("verify pack %s: no entry at offset %d for %s", packName, entry.Offset, entry.Digest)
				return
			}
			e := pf.Entries[i]
			end := len(payload)
			if i+1 < len(pf.Entries) {
				end = int(pf.Entries[i+1].Offset)
			}
			if crc := crc32.ChecksumIEEE(payload[e.Offset:end]); crc != entry.CRC32 {
				verr = fmt.Errorf("verify pack %s: crc mismatch for %s", packName, entry.Digest)
				return
			}
			if d := odb.HashObject(e.Type, e.Data); d != entry.Digest {
				verr = fmt.Errorf("verify pack %s: content of %s hashes to %s", packName, entry.Digest, d)
				return
			}
			sum.Objects++
		})
		if verr != nil {
			return nil, verr
		}
		sum.Packs++
	}
	return sum, nil
}
