// Package transport implements refspec-driven fetch and push against a
// silt HTTP remote. A Remote binds a protocol client to a local object
// database and reference store; Fetch and Push each take a list of
// refspecs and return one outcome record per refspec, in input order,
// reserving call-level errors for conditions that prevented any
// progress at all.
package transport

import (
	"context"
	"fmt"

	"github.com/siltvcs/silt/pkg/conf"
	"github.com/siltvcs/silt/pkg/logging"
	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/refs"
)

// Remote is a named peer to exchange objects and refs with.
type Remote struct {
	name   string
	client *Client
	db     odb.Database
	refs   *refs.Store
	log    logging.Logger
}

// Options configures a Remote.
type Options struct {
	Client ClientOptions
}

// New builds a Remote from an explicit URL. An empty name is allowed
// for one-off URLs; such a Remote keeps no tracking refs.
func New(name, rawURL string, db odb.Database, rs *refs.Store, opts Options) (*Remote, error) {
	if db == nil {
		return nil, fmt.Errorf("transport: object database is required")
	}
	if rs == nil {
		return nil, fmt.Errorf("transport: reference store is required")
	}
	client, err := NewClientWithOptions(rawURL, opts.Client)
	if err != nil {
		return nil, err
	}
	display := name
	if display == "" {
		display = client.BaseURL()
	}
	return &Remote{
		name:   name,
		client: client,
		db:     db,
		refs:   rs,
		log:    logging.Default().WithField("remote", display),
	}, nil
}

// Open builds a Remote from configuration, looking the name up as
// remote.<name>.url across the merged config levels.
func Open(name string, cfg *conf.Config, db odb.Database, rs *refs.Store, opts Options) (*Remote, error) {
	if cfg == nil {
		return nil, fmt.Errorf("transport: configuration is required")
	}
	view, err := cfg.Reader(conf.Merged)
	if err != nil {
		return nil, err
	}
	rawURL, err := view.RemoteURL(name)
	if err != nil {
		return nil, err
	}
	return New(name, rawURL, db, rs, opts)
}

// Name returns the configured remote name, empty for URL-only remotes.
func (r *Remote) Name() string { return r.name }

// URL returns the normalized endpoint URL.
func (r *Remote) URL() string { return r.client.BaseURL() }

// ListRefs returns the remote's current reference listing.
func (r *Remote) ListRefs(ctx context.Context) (map[string]odb.Digest, error) {
	listing, err := r.client.ListRefs(ctx)
	if err != nil {
		return nil, &CallError{Op: "ls-remote", URL: r.client.BaseURL(), Err: err}
	}
	return listing, nil
}
