package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/siltvcs/silt/pkg/odb"
)

const (
	// ProtocolVersion is the current silt wire protocol generation.
	ProtocolVersion = "1"

	// ClientCapabilities lists what this client can consume.
	ClientCapabilities = "zstd,sideband"

	headerProtocol     = "Silt-Protocol"
	headerCapabilities = "Silt-Capabilities"
	headerObjectType   = "X-Object-Type"
	headerSideband     = "X-Sideband"

	capZstd = "zstd"
)

// Capabilities is a negotiated set of protocol features.
type Capabilities struct {
	set map[string]struct{}
}

// ParseCapabilities parses a comma-separated capability string.
func ParseCapabilities(raw string) Capabilities {
	caps := Capabilities{set: make(map[string]struct{})}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			caps.set[name] = struct{}{}
		}
	}
	return caps
}

// Has reports whether the capability is present.
func (c Capabilities) Has(name string) bool {
	_, ok := c.set[name]
	return ok
}

// Intersect returns the capabilities present in both sets.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	result := Capabilities{set: make(map[string]struct{})}
	for k := range c.set {
		if _, ok := other.set[k]; ok {
			result.set[k] = struct{}{}
		}
	}
	return result
}

// String returns a sorted comma-separated capability string.
func (c Capabilities) String() string {
	names := make([]string, 0, len(c.set))
	for k := range c.set {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// RemoteError is a structured error response from the remote server.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// tryParseRemoteError attempts to parse a JSON error response body.
func tryParseRemoteError(body []byte) *RemoteError {
	var re RemoteError
	if err := json.Unmarshal(body, &re); err != nil {
		return nil
	}
	if re.Message == "" && re.Code == "" {
		return nil
	}
	return &re
}

// CallError wraps a failure that stopped a fetch or push before any
// refspec could make progress: an unreachable endpoint, a protocol
// breakdown, a failed object transfer. Per-refspec problems never
// surface here; they land on the outcome records instead.
type CallError struct {
	Op  string
	URL string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ObjectRecord is one object in transit, its payload fully buffered.
type ObjectRecord struct {
	Digest odb.Digest
	Type   odb.Type
	Data   []byte
}

// RefUpdate is one compare-and-swap ref change submitted to a remote.
// A zero Old asserts the ref must not exist yet; a zero New deletes
// it. Force waives the remote's fast-forward check, never the swap to
// a value the object transfer did not cover.
type RefUpdate struct {
	Name  string
	Old   odb.Digest
	New   odb.Digest
	Force bool
}

// RefUpdateResult carries the remote's per-ref verdicts: Updated maps
// applied refs to their new value (zero for deletes), Rejected maps
// refused refs to the remote's reason.
type RefUpdateResult struct {
	Updated  map[string]odb.Digest
	Rejected map[string]string
}

type wireObject struct {
	Digest string `json:"digest"`
	Type   string `json:"type"`
	Data   []byte `json:"data"`
}

func (w wireObject) record() (ObjectRecord, error) {
	d, err := odb.ParseDigest(strings.TrimSpace(w.Digest))
	if err != nil {
		return ObjectRecord{}, fmt.Errorf("invalid object digest %q: %w", w.Digest, err)
	}
	t, err := odb.ParseType(strings.TrimSpace(w.Type))
	if err != nil {
		return ObjectRecord{}, err
	}
	return ObjectRecord{Digest: d, Type: t, Data: w.Data}, nil
}

func hexDigests(ds []odb.Digest) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.IsZero() {
			continue
		}
		out = append(out, d.String())
	}
	return out
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func isZstdEncoded(contentEncoding string) bool {
	return strings.Contains(contentEncoding, "zstd")
}
