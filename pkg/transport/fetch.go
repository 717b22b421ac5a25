package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/refs"
)

// Fetch downloads the objects behind each refspec's source and updates
// the local destination refs. The returned slice holds exactly one
// record per refspec, in input order, regardless of individual
// outcomes; a per-ref failure sets FetchError on its record and never
// fails the call. A non-nil error means no progress was possible (a
// malformed refspec, an unreachable remote, a broken transfer) and no
// records are returned with it.
func (r *Remote) Fetch(ctx context.Context, specs []RefSpec) ([]FetchInfo, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	w, ok := r.db.(odb.Writer)
	if !ok {
		return nil, fmt.Errorf("fetch into read-only database: %w", odb.ErrNotSupported)
	}

	remoteRefs, err := r.client.ListRefs(ctx)
	if err != nil {
		return nil, &CallError{Op: "fetch", URL: r.client.BaseURL(), Err: err}
	}

	infos := make([]FetchInfo, len(specs))
	var wants []odb.Digest
	for i, spec := range specs {
		infos[i].Spec = spec
		if spec.IsDelete() {
			infos[i].Flags |= FetchError
			infos[i].Note = "fetch requires a source"
			continue
		}
		srcFull, d, found := lookupRemoteRef(remoteRefs, spec.Src)
		if !found {
			infos[i].Flags |= FetchError
			infos[i].Note = fmt.Sprintf("couldn't find remote ref %s", spec.Src)
			continue
		}
		infos[i].Ref = fullLocalRef(srcFull, spec.Dst)
		infos[i].New = d

		old, err := r.refs.Resolve(ctx, infos[i].Ref)
		switch {
		case err == nil:
			infos[i].Old = old
		case errors.Is(err, refs.ErrNotFound):
			// Unborn destination, Old stays zero.
		default:
			infos[i].Flags |= FetchError
			infos[i].Note = err.Error()
			continue
		}
		wants = append(wants, d)
	}

	if len(wants) > 0 {
		stored, err := fetchObjects(ctx, r.client, r.db, w, wants, r.localTips(ctx))
		if err != nil {
			return nil, &CallError{Op: "fetch", URL: r.client.BaseURL(), Err: err}
		}
		r.log.WithField("objects", stored).Debug("fetch transfer complete")
	}

	for i := range infos {
		if infos[i].Flags&FetchError != 0 {
			continue
		}
		r.applyFetchUpdate(ctx, &infos[i])
	}
	return infos, nil
}

// applyFetchUpdate moves one local ref to its fetched value, deciding
// between fast-forward, forced, and rejected outcomes.
func (r *Remote) applyFetchUpdate(ctx context.Context, info *FetchInfo) {
	isTag := strings.HasPrefix(info.Ref, "refs/tags/")

	if info.Old == info.New {
		info.Flags |= FetchHeadUpToDate
		return
	}
	if info.Old.IsZero() {
		if err := r.refs.Update(info.Ref, odb.ZeroDigest, info.New); err != nil {
			info.Flags |= FetchError
			info.Note = err.Error()
			return
		}
		if isTag {
			info.Flags |= FetchNewTag
		} else {
			info.Flags |= FetchNewHead
		}
		return
	}
	if isTag {
		if !info.Spec.Force {
			info.Flags |= FetchRejected
			info.Note = "would clobber existing tag"
			return
		}
		if err := r.refs.Update(info.Ref, info.Old, info.New); err != nil {
			info.Flags |= FetchError
			info.Note = err.Error()
			return
		}
		info.Flags |= FetchTagUpdate | FetchForcedUpdate
		return
	}

	ff, err := isAncestor(ctx, r.db, info.Old, info.New)
	if err != nil {
		info.Flags |= FetchError
		info.Note = fmt.Sprintf("ancestry check: %v", err)
		return
	}
	switch {
	case ff:
		if err := r.refs.Update(info.Ref, info.Old, info.New); err != nil {
			info.Flags |= FetchError
			info.Note = err.Error()
			return
		}
		info.Flags |= FetchFastForward
	case info.Spec.Force:
		if err := r.refs.Update(info.Ref, info.Old, info.New); err != nil {
			info.Flags |= FetchError
			info.Note = err.Error()
			return
		}
		info.Flags |= FetchForcedUpdate
	default:
		info.Flags |= FetchRejected
		info.Note = "non-fast-forward"
	}
}

// lookupRemoteRef matches a refspec source against the remote listing,
// trying the literal name, then heads, then tags.
func lookupRemoteRef(remoteRefs map[string]odb.Digest, src string) (string, odb.Digest, bool) {
	for _, candidate := range []string{src, "refs/heads/" + src, "refs/tags/" + src} {
		if d, ok := remoteRefs[candidate]; ok {
			return candidate, d, true
		}
	}
	return "", odb.ZeroDigest, false
}

// fullLocalRef expands a short destination into a full ref name. The
// matched source decides the namespace, so a fetched tag lands under
// refs/tags/ without the caller spelling it out.
func fullLocalRef(srcFull, dst string) string {
	if dst == "HEAD" || strings.HasPrefix(dst, "refs/") {
		return dst
	}
	if strings.HasPrefix(srcFull, "refs/tags/") {
		return "refs/tags/" + dst
	}
	return "refs/heads/" + dst
}

// localTips gathers every locally known ref value plus HEAD to seed
// negotiation haves. Listing failures degrade to an empty have set.
func (r *Remote) localTips(ctx context.Context) []odb.Digest {
	var tips []odb.Digest
	all, err := r.refs.References()
	if err != nil {
		r.log.WithError(err).Debug("listing local refs for negotiation")
	} else {
		for _, d := range all {
			tips = append(tips, d)
		}
	}
	if head, err := r.refs.Resolve(ctx, "HEAD"); err == nil {
		tips = append(tips, head)
	}
	return tips
}
