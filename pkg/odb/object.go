package odb

import (
	"bytes"
	"fmt"
	"io"
)

// Type tags the kind of an object. Content is otherwise opaque to the
// database.
type Type string

const (
	TypeBlob   Type = "blob"
	TypeTree   Type = "tree"
	TypeCommit Type = "commit"
	TypeTag    Type = "tag"
)

// ParseType validates an object type tag.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown object type %q", s)
	}
	return t, nil
}

func (t Type) Valid() bool {
	switch t {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Info is the metadata of one stored object. It never carries content.
type Info struct {
	Digest Digest
	Type   Type
	Size   int64
}

// Object is a stored object together with its content stream. The stream
// is single pass: content is read forward once and is gone after
// exhaustion. The caller owns the stream and must close it.
type Object struct {
	Info
	r io.ReadCloser
}

func NewObject(info Info, r io.ReadCloser) *Object {
	return &Object{Info: info, r: r}
}

func (o *Object) Read(p []byte) (int, error) {
	if o.r == nil {
		return 0, io.EOF
	}
	return o.r.Read(p)
}

func (o *Object) Close() error {
	if o.r == nil {
		return nil
	}
	err := o.r.Close()
	o.r = nil
	return err
}

// Bytes drains the remaining content and closes the stream.
func (o *Object) Bytes() ([]byte, error) {
	defer o.Close()
	buf := make([]byte, 0, o.Size)
	w := bytes.NewBuffer(buf)
	if _, err := io.Copy(w, o); err != nil {
		return nil, fmt.Errorf("read object %s: %w", o.Digest, err)
	}
	return w.Bytes(), nil
}

// PutStream describes one object to store: its type, content length, and
// the content itself. Digest may be preset, in which case the store
// verifies it against the content; otherwise a successful store computes
// it and fills it in.
type PutStream struct {
	Type   Type
	Size   int64
	R      io.Reader
	Digest *Digest
}

// NewPut builds a PutStream over in-memory content.
func NewPut(t Type, data []byte) *PutStream {
	return &PutStream{Type: t, Size: int64(len(data)), R: bytes.NewReader(data)}
}

// SetDigest records the outcome of a successful store on the stream.
func (ps *PutStream) SetDigest(d Digest) {
	ps.Digest = &d
}
