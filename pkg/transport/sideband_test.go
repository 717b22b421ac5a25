package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
)

func TestSidebandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSidebandWriter(&buf)
	for _, step := range []func() error{
		func() error { return sw.Progress("counting objects") },
		func() error { return sw.Data([]byte("hello ")) },
		func() error { return sw.Progress("almost there") },
		func() error { return sw.Data([]byte("world")) },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	var progress []string
	got, err := io.ReadAll(newSidebandReader(&buf, func(msg string) {
		progress = append(progress, msg)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("data = %q, want %q", got, "hello world")
	}
	if len(progress) != 2 || progress[0] != "counting objects" || progress[1] != "almost there" {
		t.Fatalf("progress = %v", progress)
	}
}

func TestSidebandErrorFrame(t *testing.T) {
	var buf bytes.Buffer
	sw := NewSidebandWriter(&buf)
	if err := sw.Data([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := sw.Fault("disk full"); err != nil {
		t.Fatal(err)
	}

	_, err := io.ReadAll(newSidebandReader(&buf, nil))
	if err == nil || !strings.Contains(err.Error(), "remote: disk full") {
		t.Fatalf("err = %v, want remote fault", err)
	}
}

func TestSidebandTruncatedHeader(t *testing.T) {
	_, err := io.ReadAll(newSidebandReader(bytes.NewReader([]byte{0x00, 0x00}), nil))
	if err == nil || !strings.Contains(err.Error(), "truncated sideband frame header") {
		t.Fatalf("err = %v, want truncated header", err)
	}
}

func TestSidebandRejectsEmptyFrame(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0)
	_, err := io.ReadAll(newSidebandReader(bytes.NewReader(hdr[:]), nil))
	if err == nil || !strings.Contains(err.Error(), "band byte") {
		t.Fatalf("err = %v, want short frame rejection", err)
	}
}

func TestSidebandRejectsUnknownBand(t *testing.T) {
	var buf bytes.Buffer
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], 2)
	hdr[4] = 0x7f
	buf.Write(hdr[:])
	buf.WriteByte('x')

	_, err := io.ReadAll(newSidebandReader(&buf, nil))
	if err == nil || !strings.Contains(err.Error(), "unknown sideband band") {
		t.Fatalf("err = %v, want unknown band rejection", err)
	}
}
