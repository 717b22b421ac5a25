package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siltvcs/silt/pkg/objcodec"
	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/odb/mem"
	"github.com/siltvcs/silt/pkg/refs"
)

// stubRemote is an in-process silt server backed by a memory object
// database. Knobs let individual tests force truncation, withhold
// objects from batches, corrupt payloads, and script ref verdicts.
type stubRemote struct {
	t  *testing.T
	db *mem.DB

	mu           sync.Mutex
	refs         map[string]odb.Digest
	capabilities string
	counts       stubCalls

	batchLimit     int                 // when > 0, objects served per batch response
	alwaysTruncate bool                // claim truncation even when complete
	omitFromBatch  map[odb.Digest]bool // withhold from batches, forcing point fetches
	corrupt        map[odb.Digest]bool // serve altered payload bytes
	rejectRef      map[string]string   // reject these ref updates with a reason
	omitRefStatus  map[string]bool     // leave these out of the ref update response
	failRefUpdates bool                // fail the ref update endpoint outright
}

type stubCalls struct {
	list, batch, get, push, ref int
}

func newStubRemote(t *testing.T) *stubRemote {
	t.Helper()
	return &stubRemote{
		t:             t,
		db:            mem.New(),
		refs:          make(map[string]odb.Digest),
		capabilities:  "zstd",
		omitFromBatch: make(map[odb.Digest]bool),
		corrupt:       make(map[odb.Digest]bool),
		rejectRef:     make(map[string]string),
		omitRefStatus: make(map[string]bool),
	}
}

func (s *stubRemote) server() *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	s.t.Cleanup(srv.Close)
	return srv
}

func (s *stubRemote) calls() stubCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

func (s *stubRemote) setRef(name string, d odb.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = d
}

func (s *stubRemote) ref(name string) (odb.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.refs[name]
	return d, ok
}

func (s *stubRemote) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capabilities != "" {
		w.Header().Set(headerCapabilities, s.capabilities)
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/refs":
		s.counts.list++
		out := make(map[string]string, len(s.refs))
		for name, d := range s.refs {
			out[name] = d.String()
		}
		writeJSON(w, out)

	case r.Method == http.MethodPost && r.URL.Path == "/objects/batch":
		s.counts.batch++
		var req struct {
			Wants []string `json:"wants"`
			Haves []string `json:"haves"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := collectForPush(r.Context(), s.db, parseTestDigests(s.t, req.Wants), parseTestDigests(s.t, req.Haves))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		truncated := s.alwaysTruncate
		served := []wireObject{}
		for _, rec := range records {
			if s.omitFromBatch[rec.Digest] {
				truncated = true
				continue
			}
			if s.batchLimit > 0 && len(served) >= s.batchLimit {
				truncated = true
				break
			}
			served = append(served, s.wireFor(rec))
		}
		writeJSON(w, map[string]any{"objects": served, "truncated": truncated})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/objects/"):
		s.counts.get++
		d, err := odb.ParseDigest(strings.TrimPrefix(r.URL.Path, "/objects/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		obj, err := s.db.Stream(r.Context(), d)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"error": "object not found", "code": "not_found"})
			return
		}
		payload, err := obj.Bytes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s.corrupt[d] {
			payload = append([]byte("corrupt:"), payload...)
		}
		w.Header().Set(headerObjectType, obj.Type.String())
		_, _ = w.Write(payload)

	case r.Method == http.MethodPost && r.URL.Path == "/objects":
		s.counts.push++
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if isZstdEncoded(r.Header.Get("Content-Encoding")) {
			if body, err = decompressZstd(body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		for {
			var wo wireObject
			if err := dec.Decode(&wo); err == io.EOF {
				break
			} else if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rec, err := wo.record()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ps := odb.NewPut(rec.Type, rec.Data)
			dg := rec.Digest
			ps.Digest = &dg
			if _, err := s.db.Store(r.Context(), ps); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		writeJSON(w, map[string]any{})

	case r.Method == http.MethodPost && r.URL.Path == "/refs":
		s.counts.ref++
		if s.failRefUpdates {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"error": "ref storage unavailable", "code": "maintenance"})
			return
		}
		var req struct {
			Updates []struct {
				Name  string `json:"name"`
				Old   string `json:"old"`
				New   string `json:"new"`
				Force bool   `json:"force"`
			} `json:"updates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		updated := map[string]string{}
		rejected := map[string]string{}
		for _, u := range req.Updates {
			if s.omitRefStatus[u.Name] {
				continue
			}
			if reason, ok := s.rejectRef[u.Name]; ok {
				rejected[u.Name] = reason
				continue
			}
			var old odb.Digest
			if u.Old != "" {
				var err error
				if old, err = odb.ParseDigest(u.Old); err != nil {
					rejected[u.Name] = "bad old digest"
					continue
				}
			}
			cur, exists := s.refs[u.Name]
			if exists != !old.IsZero() || (exists && cur != old) {
				rejected[u.Name] = "stale expected value"
				continue
			}
			if u.New == "" {
				delete(s.refs, u.Name)
				updated[u.Name] = ""
				continue
			}
			newd, err := odb.ParseDigest(u.New)
			if err != nil {
				rejected[u.Name] = "bad new digest"
				continue
			}
			if exists && !u.Force {
				ff, err := isAncestor(r.Context(), s.db, cur, newd)
				if err != nil || !ff {
					rejected[u.Name] = "non-fast-forward"
					continue
				}
			}
			s.refs[u.Name] = newd
			updated[u.Name] = newd.String()
		}
		writeJSON(w, map[string]any{"updated": updated, "rejected": rejected})

	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "no such endpoint", "code": "not_found"})
	}
}

func (s *stubRemote) wireFor(rec ObjectRecord) wireObject {
	data := rec.Data
	if s.corrupt[rec.Digest] {
		data = append([]byte("corrupt:"), data...)
	}
	return wireObject{Digest: rec.Digest.String(), Type: rec.Type.String(), Data: data}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseTestDigests(t *testing.T, hexes []string) []odb.Digest {
	t.Helper()
	out := make([]odb.Digest, 0, len(hexes))
	for _, h := range hexes {
		d, err := odb.ParseDigest(h)
		if err != nil {
			t.Fatalf("stub received bad digest %q: %v", h, err)
		}
		out = append(out, d)
	}
	return out
}

// testPeer is the local half of an exchange: a Remote wired to a fresh
// memory database and on-disk ref store.
type testPeer struct {
	remote *Remote
	db     *mem.DB
	refs   *refs.Store
}

func newTestPeer(t *testing.T, stub *stubRemote, name string) *testPeer {
	t.Helper()
	srv := stub.server()
	db := mem.New()
	rs := refs.New(t.TempDir(), db)
	r, err := New(name, srv.URL, db, rs, Options{Client: ClientOptions{
		MaxAttempts:   1,
		RetryInterval: time.Millisecond,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return &testPeer{remote: r, db: db, refs: rs}
}

func testIdentity() objcodec.Identity {
	return objcodec.Identity{Name: "Test User", Email: "test@example.com", Time: 1700000000, Zone: "+0000"}
}

func storeRaw(t *testing.T, db odb.Writer, typ odb.Type, data []byte) odb.Digest {
	t.Helper()
	d, err := db.Store(context.Background(), odb.NewPut(typ, data))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func storeBlob(t *testing.T, db odb.Writer, content string) odb.Digest {
	t.Helper()
	return storeRaw(t, db, odb.TypeBlob, []byte(content))
}

func treeEntry(name string, d odb.Digest) objcodec.TreeEntry {
	return objcodec.TreeEntry{Mode: objcodec.ModeFile, Name: name, Digest: d}
}

func storeTree(t *testing.T, db odb.Writer, entries ...objcodec.TreeEntry) odb.Digest {
	t.Helper()
	payload, err := objcodec.EncodeTree(&objcodec.Tree{Entries: entries})
	if err != nil {
		t.Fatal(err)
	}
	return storeRaw(t, db, odb.TypeTree, payload)
}

func storeCommit(t *testing.T, db odb.Writer, tree odb.Digest, msg string, parents ...odb.Digest) odb.Digest {
	t.Helper()
	payload, err := objcodec.EncodeCommit(&objcodec.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    testIdentity(),
		Committer: testIdentity(),
		Message:   msg,
	})
	if err != nil {
		t.Fatal(err)
	}
	return storeRaw(t, db, odb.TypeCommit, payload)
}

func storeTag(t *testing.T, db odb.Writer, target odb.Digest, name string) odb.Digest {
	t.Helper()
	payload, err := objcodec.EncodeTag(&objcodec.Tag{
		Object:  target,
		Type:    odb.TypeCommit,
		Name:    name,
		Tagger:  testIdentity(),
		Message: "tag " + name + "\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	return storeRaw(t, db, odb.TypeTag, payload)
}

// seedLine writes a blob, a tree holding it, and a commit on top into
// db, returning the commit digest. Identical arguments produce the
// same digests in any database, so two peers can share history by
// seeding it twice.
func seedLine(t *testing.T, db odb.Writer, file, content, msg string, parents ...odb.Digest) odb.Digest {
	t.Helper()
	blob := storeBlob(t, db, content)
	tree := storeTree(t, db, objcodec.TreeEntry{Mode: objcodec.ModeFile, Name: file, Digest: blob})
	return storeCommit(t, db, tree, msg, parents...)
}

func countObjects(t *testing.T, db *mem.DB) int64 {
	t.Helper()
	n, err := db.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}
