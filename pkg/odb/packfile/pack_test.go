package packfile

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/siltvcs/silt/pkg/odb"
)

func TestPackRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewWriter(&buf, 3)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	entries := []struct {
		typ  odb.Type
		data []byte
	}{
		{odb.TypeBlob, []byte("hello world")},
		{odb.TypeCommit, []byte("tree 0000\n\nmsg\n")},
		{odb.TypeBlob, nil},
	}
	offsets := make([]int64, 0, len(entries))
	for i, e := range entries {
		off, err := pw.WriteEntry(e.typ, e.data)
		if err != nil {
			t.Fatalf("WriteEntry[%d]: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	checksum, err := pw.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if checksum.IsZero() {
		t.Fatal("expected non-zero checksum")
	}

	pf, err := ReadPack(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	if pf.Checksum != checksum {
		t.Fatalf("checksum = %s, want %s", pf.Checksum, checksum)
	}
	if len(pf.Entries) != len(entries) {
		t.Fatalf("len(Entries) = %d, want %d", len(pf.Entries), len(entries))
	}
	for i, e := range pf.Entries {
		if e.Type != entries[i].typ {
			t.Fatalf("entry %d type = %s, want %s", i, e.Type, entries[i].typ)
		}
		if !bytes.Equal(e.Data, entries[i].data) {
			t.Fatalf("entry %d data = %q, want %q", i, e.Data, entries[i].data)
		}
		if e.Offset != offsets[i] {
			t.Fatalf("entry %d offset = %d, want %d", i, e.Offset, offsets[i])
		}
	}
}

func TestPackWriterCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewWriter(&buf, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := pw.WriteEntry(odb.TypeBlob, []byte("one")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestPackWriterRejectsWriteAfterFinish(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := pw.WriteEntry(odb.TypeBlob, []byte("one")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := pw.WriteEntry(odb.TypeBlob, []byte("two")); err == nil {
		t.Fatal("expected write-after-finish error")
	}
}

func TestReadPackDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := pw.WriteEntry(odb.TypeBlob, []byte("payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	data := buf.Bytes()
	data[headerSize+2] ^= 0xff
	if _, err := ReadPack(data); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestReadPackRejectsTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := pw.WriteEntry(odb.TypeBlob, []byte("payload")); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Splice garbage between the last entry and the trailer, fixing up
	// the checksum so only the structure check can catch it.
	data := buf.Bytes()
	tampered := append([]byte{}, data[:len(data)-trailerSize]...)
	tampered = append(tampered, 0xde, 0xad)
	sum := sha1.Sum(tampered)
	tampered = append(tampered, sum[:]...)
	if _, err := ReadPack(tampered); err == nil {
		t.Fatal("expected trailing bytes error")
	}
}
