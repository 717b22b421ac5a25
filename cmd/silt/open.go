package main

import (
	"strings"

	"github.com/siltvcs/silt/pkg/conf"
	"github.com/siltvcs/silt/pkg/layout"
	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/odb/loose"
	"github.com/siltvcs/silt/pkg/odb/packfile"
	"github.com/siltvcs/silt/pkg/refs"
	"github.com/siltvcs/silt/pkg/transport"
)

// repository bundles everything a command needs: the discovered layout,
// both object backends behind one compound database, the ref store, and
// layered configuration. Writes land in the loose store; packs are
// read-only until repack.
type repository struct {
	layout *layout.Layout
	loose  *loose.DB
	packs  *packfile.DB
	odb    *odb.Compound
	refs   *refs.Store
	conf   *conf.Config
}

func openRepo(path string) (*repository, error) {
	lay, err := layout.Discover(path)
	if err != nil {
		return nil, err
	}
	return openAt(lay)
}

func openAt(lay *layout.Layout) (*repository, error) {
	ld, err := loose.New(lay.ObjectsDir())
	if err != nil {
		return nil, err
	}
	pd, err := packfile.New(lay.PacksDir())
	if err != nil {
		ld.Close()
		return nil, err
	}

	comp := odb.NewCompound(ld, pd)
	comp.SetWriteTarget(ld)

	return &repository{
		layout: lay,
		loose:  ld,
		packs:  pd,
		odb:    comp,
		refs:   refs.New(lay.MetaDir(), comp),
		conf:   conf.New(lay.ConfigPath()),
	}, nil
}

func (r *repository) Close() error {
	return r.loose.Close()
}

// openRemote interprets arg as a remote name or a raw URL. Empty means
// "origin". URL remotes are anonymous and keep no tracking refs.
func openRemote(r *repository, arg string) (*transport.Remote, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		arg = "origin"
	}
	if _, err := transport.ParseEndpoint(arg); err == nil {
		return transport.New("", arg, r.odb, r.refs, transport.Options{})
	}
	return transport.Open(arg, r.conf, r.odb, r.refs, transport.Options{})
}
