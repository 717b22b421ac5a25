package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/siltvcs/silt/pkg/odb"
)

// Endpoint identifies a silt protocol endpoint. BaseURL is normalized:
// credentials stripped, no query or fragment, no trailing slash.
type Endpoint struct {
	Raw     string
	BaseURL string
	user    string
	pass    string
}

// ParseEndpoint parses and normalizes a remote URL. Only http and
// https are accepted; any other scheme is unsupported and fails here,
// before a connection is ever attempted.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("remote URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return Endpoint{}, fmt.Errorf("unsupported protocol scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("remote URL must include a host")
	}

	user := ""
	pass := ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	clean := *u
	clean.User = nil
	clean.RawQuery = ""
	clean.Fragment = ""
	return Endpoint{
		Raw:     raw,
		BaseURL: strings.TrimRight(clean.String(), "/"),
		user:    user,
		pass:    pass,
	}, nil
}

// ClientOptions configures the protocol client.
type ClientOptions struct {
	Timeout       time.Duration    // HTTP client timeout (default 60s)
	MaxAttempts   int              // attempts per request (default 3)
	RetryInterval time.Duration    // first retry backoff (default 1s)
	Progress      func(msg string) // sink for remote progress lines
}

// Response limits per endpoint type.
const (
	responseLimitDefault = 2 << 20  // 2MB
	responseLimitRefs    = 8 << 20  // 8MB
	responseLimitBatch   = 64 << 20 // 64MB
	responseLimitObject  = 32 << 20 // 32MB
)

// Client speaks the silt JSON-over-HTTP protocol to one endpoint.
type Client struct {
	endpoint      Endpoint
	httpClient    *http.Client
	token         string
	user          string
	pass          string
	maxAttempts   int
	retryInterval time.Duration
	progress      func(string)

	mu         sync.Mutex
	serverCaps Capabilities
}

// NewClient creates a protocol client with default options.
//
// Auth resolution order:
// 1) SILT_TOKEN (Bearer)
// 2) SILT_USERNAME + SILT_PASSWORD (Basic)
// 3) URL userinfo (Basic)
func NewClient(remoteURL string) (*Client, error) {
	return NewClientWithOptions(remoteURL, ClientOptions{})
}

// NewClientWithOptions creates a protocol client with configurable
// options. Zero-value or negative fields in opts receive defaults.
func NewClientWithOptions(remoteURL string, opts ClientOptions) (*Client, error) {
	endpoint, err := ParseEndpoint(remoteURL)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}

	token := strings.TrimSpace(os.Getenv("SILT_TOKEN"))
	user := strings.TrimSpace(os.Getenv("SILT_USERNAME"))
	pass := os.Getenv("SILT_PASSWORD")
	if token == "" && user == "" && endpoint.user != "" {
		user = endpoint.user
		pass = endpoint.pass
	}

	return &Client{
		endpoint:      endpoint,
		httpClient:    &http.Client{Timeout: opts.Timeout},
		token:         token,
		user:          user,
		pass:          pass,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		progress:      opts.Progress,
	}, nil
}

// Endpoint returns the parsed endpoint metadata.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// BaseURL returns the normalized, credential-free endpoint URL.
func (c *Client) BaseURL() string { return c.endpoint.BaseURL }

// ServerCapabilities returns the capability set advertised on the most
// recent response, empty before any exchange.
func (c *Client) ServerCapabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverCaps.set == nil {
		return ParseCapabilities("")
	}
	return c.serverCaps
}

// ListRefs returns the remote's full reference listing, name to digest.
func (c *Client) ListRefs(ctx context.Context) (map[string]odb.Digest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL+"/refs", nil)
	if err != nil {
		return nil, err
	}
	_, body, err := c.send(req, responseLimitRefs)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode refs response: %w", err)
	}
	refs := make(map[string]odb.Digest, len(raw))
	for name, hexd := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		d, err := odb.ParseDigest(strings.TrimSpace(hexd))
		if err != nil {
			return nil, fmt.Errorf("invalid digest for ref %q: %w", name, err)
		}
		refs[name] = d
	}
	return refs, nil
}

// BatchObjects asks for objects reachable from wants that are missing
// given haves. The server may truncate its answer; the bool reports it.
func (c *Client) BatchObjects(ctx context.Context, wants, haves []odb.Digest, maxObjects int) ([]ObjectRecord, bool, error) {
	if len(wants) == 0 {
		return nil, false, fmt.Errorf("at least one want digest is required")
	}
	payload, err := json.Marshal(struct {
		Wants      []string `json:"wants"`
		Haves      []string `json:"haves,omitempty"`
		MaxObjects int      `json:"max_objects,omitempty"`
	}{hexDigests(wants), hexDigests(haves), maxObjects})
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+"/objects/batch", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	_, body, err := c.send(req, responseLimitBatch)
	if err != nil {
		return nil, false, err
	}
	var resp struct {
		Objects   []wireObject `json:"objects"`
		Truncated bool         `json:"truncated"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("decode batch response: %w", err)
	}
	out := make([]ObjectRecord, 0, len(resp.Objects))
	for _, w := range resp.Objects {
		rec, err := w.record()
		if err != nil {
			return nil, false, fmt.Errorf("batch response: %w", err)
		}
		out = append(out, rec)
	}
	return out, resp.Truncated, nil
}

// GetObject fetches a single object by digest.
func (c *Client) GetObject(ctx context.Context, d odb.Digest) (ObjectRecord, error) {
	if d.IsZero() {
		return ObjectRecord{}, fmt.Errorf("object digest is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL+"/objects/"+d.String(), nil)
	if err != nil {
		return ObjectRecord{}, err
	}
	resp, body, err := c.send(req, responseLimitObject)
	if err != nil {
		return ObjectRecord{}, err
	}
	t, err := odb.ParseType(strings.TrimSpace(resp.Header.Get(headerObjectType)))
	if err != nil {
		return ObjectRecord{}, fmt.Errorf("object %s: %w", d.Short(), err)
	}
	return ObjectRecord{Digest: d, Type: t, Data: body}, nil
}

// PushObjects uploads objects as newline-delimited JSON, compressed
// when the server has advertised the zstd capability. Every record's
// digest is recomputed before upload; a mismatch aborts the call.
func (c *Client) PushObjects(ctx context.Context, records []ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		if !rec.Type.Valid() {
			return fmt.Errorf("push object %d: unknown object type %q", i, rec.Type)
		}
		computed := odb.HashObject(rec.Type, rec.Data)
		if !rec.Digest.IsZero() && rec.Digest != computed {
			return fmt.Errorf("push object %d: digest mismatch (declared %s, content is %s)", i, rec.Digest, computed)
		}
		if err := enc.Encode(wireObject{Digest: computed.String(), Type: rec.Type.String(), Data: rec.Data}); err != nil {
			return fmt.Errorf("push object %d: encode: %w", i, err)
		}
	}

	body := buf.Bytes()
	compressed := false
	if c.ServerCapabilities().Has(capZstd) {
		z, err := compressZstd(body)
		if err != nil {
			return fmt.Errorf("compress upload: %w", err)
		}
		body = z
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+"/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}
	_, _, err = c.send(req, responseLimitDefault)
	return err
}

// UpdateRefs submits compare-and-swap reference updates. Per-ref
// verdicts come back in the result; only transport breakdowns return
// an error.
func (c *Client) UpdateRefs(ctx context.Context, updates []RefUpdate) (*RefUpdateResult, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("at least one ref update is required")
	}
	type wireUpdate struct {
		Name  string `json:"name"`
		Old   string `json:"old"`
		New   string `json:"new"`
		Force bool   `json:"force,omitempty"`
	}
	reqBody := struct {
		Updates []wireUpdate `json:"updates"`
	}{Updates: make([]wireUpdate, 0, len(updates))}
	for _, u := range updates {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return nil, fmt.Errorf("ref update name is required")
		}
		w := wireUpdate{Name: name, Force: u.Force}
		if !u.Old.IsZero() {
			w.Old = u.Old.String()
		}
		if !u.New.IsZero() {
			w.New = u.New.String()
		}
		reqBody.Updates = append(reqBody.Updates, w)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.BaseURL+"/refs", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	_, body, err := c.send(req, responseLimitDefault)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Updated  map[string]string `json:"updated"`
		Rejected map[string]string `json:"rejected"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ref update response: %w", err)
	}

	result := &RefUpdateResult{
		Updated:  make(map[string]odb.Digest, len(resp.Updated)),
		Rejected: resp.Rejected,
	}
	if result.Rejected == nil {
		result.Rejected = map[string]string{}
	}
	for name, hexd := range resp.Updated {
		hexd = strings.TrimSpace(hexd)
		if hexd == "" {
			// Deletes report an empty new value.
			result.Updated[name] = odb.ZeroDigest
			continue
		}
		d, err := odb.ParseDigest(hexd)
		if err != nil {
			return nil, fmt.Errorf("invalid digest in ref update response for %q: %w", name, err)
		}
		result.Updated[name] = d
	}
	return result, nil
}

// send executes one request with auth headers, retry, and response
// decoding. A non-200 status becomes an error, a *RemoteError when the
// body carries one. Success bodies pass through sideband reassembly
// and zstd decompression as the response headers demand; error bodies
// are always plain.
func (c *Client) send(req *http.Request, limit int64) (*http.Response, []byte, error) {
	c.applyAuth(req)
	resp, err := retryDo(c.httpClient, req, c.maxAttempts, c.retryInterval)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	c.noteServerCaps(resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if re := tryParseRemoteError(raw); re != nil {
			return nil, nil, re
		}
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, nil, fmt.Errorf("remote request failed (%s %s): %s", req.Method, req.URL.Path, msg)
	}
	body, err := c.decodeBody(resp, raw, limit)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *Client) decodeBody(resp *http.Response, raw []byte, limit int64) ([]byte, error) {
	body := raw
	if resp.Header.Get(headerSideband) == "1" {
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, newSidebandReader(bytes.NewReader(raw), c.progress)); err != nil {
			return nil, fmt.Errorf("read sideband response: %w", err)
		}
		body = buf.Bytes()
	}
	if isZstdEncoded(resp.Header.Get("Content-Encoding")) {
		out, err := decompressZstd(body)
		if err != nil {
			return nil, fmt.Errorf("decompress response: %w", err)
		}
		body = out
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response of %d bytes exceeds %d-byte limit", len(body), limit)
	}
	return body, nil
}

func (c *Client) applyAuth(req *http.Request) {
	req.Header.Set(headerProtocol, ProtocolVersion)
	req.Header.Set(headerCapabilities, ClientCapabilities)

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
}

func (c *Client) noteServerCaps(resp *http.Response) {
	raw := resp.Header.Get(headerCapabilities)
	if raw == "" {
		return
	}
	caps := ParseCapabilities(raw)
	c.mu.Lock()
	c.serverCaps = caps
	c.mu.Unlock()
}
