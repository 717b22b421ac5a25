package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadRefSpec reports a refspec that names no destination or carries
// characters a reference name cannot. It is a call-level failure:
// operations reject the whole refspec list before touching the network.
var ErrBadRefSpec = errors.New("malformed refspec")

// RefSpec maps a source reference onto a destination reference for one
// transfer direction. Fetch reads Src on the remote and writes Dst
// locally; push reads Src locally and writes Dst on the remote. An
// empty Src asks push to delete Dst. Dst is never empty: ParseRefSpec
// cannot produce such a value, and hand-built specs are re-checked by
// the operations that accept them.
type RefSpec struct {
	Src   string
	Dst   string
	Force bool
}

// ParseRefSpec parses the textual "[+]src:dst" form. A leading "+"
// allows non-fast-forward updates and ":dst" requests a delete. The
// colon is mandatory; a bare name has no destination and is rejected.
func ParseRefSpec(s string) (RefSpec, error) {
	raw := s
	var spec RefSpec
	if strings.HasPrefix(s, "+") {
		spec.Force = true
		s = s[1:]
	}
	src, dst, ok := strings.Cut(s, ":")
	if !ok {
		src, dst = s, ""
	}
	spec.Src = strings.TrimSpace(src)
	spec.Dst = strings.TrimSpace(dst)
	if err := spec.Validate(); err != nil {
		return RefSpec{}, fmt.Errorf("parse refspec %q: %w", raw, err)
	}
	return spec, nil
}

// Validate re-checks the construction invariants on a hand-built spec.
func (r RefSpec) Validate() error {
	if r.Dst == "" {
		return fmt.Errorf("%w: missing destination", ErrBadRefSpec)
	}
	if !validSpecName(r.Dst) {
		return fmt.Errorf("%w: bad destination %q", ErrBadRefSpec, r.Dst)
	}
	if r.Src != "" && !validSpecName(r.Src) {
		return fmt.Errorf("%w: bad source %q", ErrBadRefSpec, r.Src)
	}
	return nil
}

// IsDelete reports whether the spec asks for the destination to be
// removed rather than updated.
func (r RefSpec) IsDelete() bool { return r.Src == "" }

func (r RefSpec) String() string {
	if r.Force {
		return "+" + r.Src + ":" + r.Dst
	}
	return r.Src + ":" + r.Dst
}

func validSpecName(name string) bool {
	for _, c := range name {
		if c <= ' ' || c == ':' || c == '^' || c == '~' || c == '?' || c == '*' || c == 0x7f {
			return false
		}
	}
	return true
}
