package main

import (
	"github.com/siltvcs/silt/pkg/transport"
)

func parseRefSpecArgs(args []string, force bool) ([]transport.RefSpec, error) {
	specs := make([]transport.RefSpec, 0, len(args))
	for _, raw := range args {
		spec, err := transport.ParseRefSpec(raw)
		if err != nil {
			return nil, err
		}
		if force {
			spec.Force = true
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
