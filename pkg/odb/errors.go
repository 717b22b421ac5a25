package odb

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel conditions. Concrete errors carry detail and match these via
// errors.Is.
var (
	ErrNotFound     = errors.New("object not found")
	ErrAmbiguous    = errors.New("ambiguous object prefix")
	ErrNotSupported = errors.New("operation not supported")
)

// BadObjectError reports a digest or prefix that matched nothing.
type BadObjectError struct {
	Ref string
}

func (e *BadObjectError) Error() string {
	return fmt.Sprintf("object %s not found", e.Ref)
}

func (e *BadObjectError) Is(target error) bool {
	return target == ErrNotFound
}

// AmbiguousDigestError reports a prefix shared by two or more objects.
// Candidates holds every colliding digest in sorted order.
type AmbiguousDigestError struct {
	Prefix     string
	Candidates []Digest
}

func (e *AmbiguousDigestError) Error() string {
	const show = 8
	var b strings.Builder
	fmt.Fprintf(&b, "prefix %s is ambiguous between %d objects:", e.Prefix, len(e.Candidates))
	for i, d := range e.Candidates {
		if i == show {
			fmt.Fprintf(&b, " and %d more", len(e.Candidates)-show)
			break
		}
		b.WriteByte(' ')
		b.WriteString(d.String())
	}
	return b.String()
}

func (e *AmbiguousDigestError) Is(target error) bool {
	return target == ErrAmbiguous
}

// CapabilityError reports that a supplied sink or stream, or the backend
// itself, lacks a capability an operation requires.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return "missing capability: " + e.Capability
}
