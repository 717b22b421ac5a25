package packfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/siltvcs/silt/pkg/odb"
)

type countedWriter struct {
	w io.Writer
	n int64
}

func (cw *countedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func compressPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer writes a pack stream entry by entry. The trailing checksum
// covers every byte preceding it and doubles as the pack's name.
type Writer struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *countedWriter
	expected uint32
	written  uint32
	finished bool
}

// NewWriter writes the fixed header for a pack of count entries and
// returns a writer for the rest of the stream.
func NewWriter(out io.Writer, count uint32) (*Writer, error) {
	hasher := sha1.New()
	counter := &countedWriter{w: out}
	pw := &Writer{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: count,
	}
	if _, err := pw.hashedW.Write(marshalHeader(count)); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// Offset returns the byte offset the next entry will start at.
func (pw *Writer) Offset() int64 {
	return pw.counter.n
}

// WriteEntry appends one object entry and returns the offset it was
// written at, for index construction.
func (pw *Writer) WriteEntry(t odb.Type, data []byte) (int64, error) {
	if pw.finished {
		return 0, fmt.Errorf("pack writer already finished")
	}
	if pw.written >= pw.expected {
		return 0, fmt.Errorf("pack entry count exceeded: expected %d", pw.expected)
	}
	k, ok := kindOf(t)
	if !ok {
		return 0, fmt.Errorf("pack entry: unsupported object type %q", t)
	}

	offset := pw.counter.n
	if _, err := pw.hashedW.Write(encodeEntryHeader(k, uint64(len(data)))); err != nil {
		return 0, fmt.Errorf("write pack entry header: %w", err)
	}
	compressed, err := compressPayload(data)
	if err != nil {
		return 0, fmt.Errorf("compress pack entry: %w", err)
	}
	if _, err := pw.hashedW.Write(compressed); err != nil {
		return 0, fmt.Errorf("write compressed pack entry: %w", err)
	}

	pw.written++
	return offset, nil
}

// Finish validates the entry count, writes the trailing checksum, and
// returns it.
func (pw *Writer) Finish() (odb.Digest, error) {
	if pw.finished {
		return odb.ZeroDigest, fmt.Errorf("pack writer already finished")
	}
	if pw.written != pw.expected {
		return odb.ZeroDigest, fmt.Errorf("pack entry count mismatch: wrote %d, expected %d", pw.written, pw.expected)
	}
	var sum odb.Digest
	copy(sum[:], pw.hasher.Sum(nil))
	if _, err := pw.out.Write(sum[:]); err != nil {
		return odb.ZeroDigest, fmt.Errorf("write pack trailer checksum: %w", err)
	}
	pw.finished = true
	return sum, nil
}
