package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Sideband framing multiplexes a primary byte stream with out-of-band
// progress over one connection. Each frame is a 4-byte big-endian
// length, one band byte, then the payload; the length counts the band
// byte. An error band carries a terminal message from the peer.
const (
	BandData     byte = 0x01
	BandProgress byte = 0x02
	BandError    byte = 0x03
)

// maxSidebandFrame bounds a single frame so a broken peer cannot force
// an arbitrary allocation.
const maxSidebandFrame = 8 << 20

// SidebandWriter frames writes onto an underlying stream. Servers use
// it to interleave progress lines with a response body.
type SidebandWriter struct {
	w io.Writer
}

func NewSidebandWriter(w io.Writer) *SidebandWriter {
	return &SidebandWriter{w: w}
}

// Data frames a chunk of the primary stream.
func (sw *SidebandWriter) Data(p []byte) error {
	return sw.frame(BandData, p)
}

// Progress frames a human-readable progress line.
func (sw *SidebandWriter) Progress(msg string) error {
	return sw.frame(BandProgress, []byte(msg))
}

// Fault frames a terminal error message; readers surface it and stop.
func (sw *SidebandWriter) Fault(msg string) error {
	return sw.frame(BandError, []byte(msg))
}

func (sw *SidebandWriter) frame(band byte, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(1+len(payload)))
	hdr[4] = band
	if _, err := sw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write sideband frame: %w", err)
	}
	if len(payload) > 0 {
		if _, err := sw.w.Write(payload); err != nil {
			return fmt.Errorf("write sideband frame: %w", err)
		}
	}
	return nil
}

// sidebandReader demultiplexes a framed stream: data frames become the
// bytes handed to Read, progress frames go to the callback, and an
// error frame fails the read with the peer's message.
type sidebandReader struct {
	r        io.Reader
	progress func(string)
	buf      []byte
	done     bool
}

func newSidebandReader(r io.Reader, progress func(string)) *sidebandReader {
	return &sidebandReader{r: r, progress: progress}
}

func (sr *sidebandReader) Read(p []byte) (int, error) {
	for len(sr.buf) == 0 {
		if sr.done {
			return 0, io.EOF
		}
		band, payload, err := sr.readFrame()
		if err == io.EOF {
			sr.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		switch band {
		case BandData:
			sr.buf = payload
		case BandProgress:
			if sr.progress != nil {
				sr.progress(string(payload))
			}
		case BandError:
			sr.done = true
			return 0, fmt.Errorf("remote: %s", string(payload))
		default:
			return 0, fmt.Errorf("unknown sideband band 0x%02x", band)
		}
	}
	n := copy(p, sr.buf)
	sr.buf = sr.buf[n:]
	return n, nil
}

func (sr *sidebandReader) readFrame() (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(sr.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, fmt.Errorf("truncated sideband frame header")
		}
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < 1 {
		return 0, nil, fmt.Errorf("sideband frame shorter than its band byte")
	}
	if size > maxSidebandFrame {
		return 0, nil, fmt.Errorf("sideband frame of %d bytes exceeds %d-byte limit", size, maxSidebandFrame)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return 0, nil, fmt.Errorf("read sideband frame: %w", err)
	}
	return frame[0], frame[1:], nil
}
