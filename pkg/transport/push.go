package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/siltvcs/silt/pkg/odb"
	"github.com/siltvcs/silt/pkg/refs"
)

const (
	// maxPushChunkObjects caps objects per upload request.
	maxPushChunkObjects = 2000
	// maxPushChunkBytes caps the uncompressed payload per upload request.
	maxPushChunkBytes = 32 << 20
	// maxPushObjectBytes is the largest single object accepted for upload.
	maxPushObjectBytes = 16 << 20
	// pushUploadWorkers is the concurrency for chunk uploads.
	pushUploadWorkers = 2
)

// stagedPush is a ref update accepted for submission, remembering
// which record it belongs to and the flag a remote acceptance earns.
type stagedPush struct {
	idx     int
	update  RefUpdate
	success PushFlag
}

// Push uploads the objects behind each refspec's source and asks the
// remote to move the destination refs. The returned slice holds
// exactly one record per refspec, in input order, regardless of
// individual outcomes; per-ref failures set PushError or PushRejected
// on their record and never fail the call. A non-nil error means no
// progress was possible and no records are returned with it, with one
// exception: a ref update submitted after a completed upload that
// fails wholesale marks every staged record PushRemoteFailure and
// still returns the records.
func (r *Remote) Push(ctx context.Context, specs []RefSpec) ([]PushInfo, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}

	remoteRefs, err := r.client.ListRefs(ctx)
	if err != nil {
		return nil, &CallError{Op: "push", URL: r.client.BaseURL(), Err: err}
	}

	infos := make([]PushInfo, len(specs))
	var staged []stagedPush
	var tips []odb.Digest
	for i, spec := range specs {
		infos[i].Spec = spec
		dst := fullRemoteRef(spec)
		infos[i].Ref = dst
		remoteOld, remoteExists := remoteRefs[dst]
		infos[i].RemoteDigest = remoteOld

		if spec.IsDelete() {
			if !remoteExists {
				infos[i].Flags |= PushError
				infos[i].Note = fmt.Sprintf("remote ref %s does not exist", dst)
				continue
			}
			staged = append(staged, stagedPush{
				idx:     i,
				update:  RefUpdate{Name: dst, Old: remoteOld, Force: spec.Force},
				success: PushDeleted,
			})
			continue
		}

		local, err := r.refs.Resolve(ctx, spec.Src)
		if err != nil {
			if errors.Is(err, refs.ErrNotFound) {
				infos[i].Flags |= PushNoMatch | PushError
				infos[i].Note = fmt.Sprintf("source %q does not match any local ref", spec.Src)
			} else {
				infos[i].Flags |= PushError
				infos[i].Note = err.Error()
			}
			continue
		}
		infos[i].LocalDigest = local

		if remoteExists && remoteOld == local {
			infos[i].Flags |= PushUpToDate
			continue
		}
		tips = append(tips, local)

		if !remoteExists {
			success := PushNewHead
			if strings.HasPrefix(dst, "refs/tags/") {
				success = PushNewTag
			}
			staged = append(staged, stagedPush{
				idx:     i,
				update:  RefUpdate{Name: dst, New: local, Force: spec.Force},
				success: success,
			})
			continue
		}

		known, err := r.db.Has(ctx, remoteOld)
		if err != nil {
			infos[i].Flags |= PushError
			infos[i].Note = err.Error()
			continue
		}
		success := PushFastForward
		if known {
			ff, err := isAncestor(ctx, r.db, remoteOld, local)
			if err != nil {
				infos[i].Flags |= PushError
				infos[i].Note = fmt.Sprintf("ancestry check: %v", err)
				continue
			}
			if !ff {
				if !spec.Force {
					infos[i].Flags |= PushRejected
					infos[i].Note = "non-fast-forward"
					continue
				}
				success = PushForcedUpdate
			}
		} else if spec.Force {
			// Remote tip unknown locally. Stage anyway and let the
			// remote run its own fast-forward check.
			success = PushForcedUpdate
		}
		staged = append(staged, stagedPush{
			idx:     i,
			update:  RefUpdate{Name: dst, Old: remoteOld, New: local, Force: spec.Force},
			success: success,
		})
	}

	if len(staged) == 0 {
		return infos, nil
	}

	if len(tips) > 0 {
		stop := make([]odb.Digest, 0, len(remoteRefs))
		for _, d := range remoteRefs {
			stop = append(stop, d)
		}
		records, err := collectForPush(ctx, r.db, tips, stop)
		if err != nil {
			return nil, fmt.Errorf("collect objects for push: %w", err)
		}
		if err := r.uploadChunked(ctx, records); err != nil {
			return nil, &CallError{Op: "push", URL: r.client.BaseURL(), Err: err}
		}
		r.log.WithField("objects", len(records)).Debug("push transfer complete")
	}

	updates := make([]RefUpdate, 0, len(staged))
	for _, s := range staged {
		updates = append(updates, s.update)
	}
	result, err := r.client.UpdateRefs(ctx, updates)
	if err != nil {
		for _, s := range staged {
			infos[s.idx].Flags |= PushRemoteFailure | PushError
			infos[s.idx].Note = err.Error()
		}
		return infos, nil
	}

	for _, s := range staged {
		name := s.update.Name
		if _, ok := result.Updated[name]; ok {
			infos[s.idx].Flags |= s.success
			r.syncTrackingRef(name, s.update.New)
			continue
		}
		if reason, ok := result.Rejected[name]; ok {
			infos[s.idx].Flags |= PushRemoteRejected
			infos[s.idx].Note = reason
			continue
		}
		infos[s.idx].Flags |= PushRemoteFailure | PushError
		infos[s.idx].Note = "remote reported no status for this ref"
	}
	return infos, nil
}

// fullRemoteRef expands a short destination into a full remote ref
// name. A source under refs/tags/ steers a short destination into the
// tag namespace.
func fullRemoteRef(spec RefSpec) string {
	if spec.Dst == "HEAD" || strings.HasPrefix(spec.Dst, "refs/") {
		return spec.Dst
	}
	if strings.HasPrefix(spec.Src, "refs/tags/") {
		return "refs/tags/" + spec.Dst
	}
	return "refs/heads/" + spec.Dst
}

// uploadChunked splits records into bounded upload requests and sends
// them with limited concurrency.
func (r *Remote) uploadChunked(ctx context.Context, records []ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	var chunks [][]ObjectRecord
	var cur []ObjectRecord
	var curBytes int64
	for _, rec := range records {
		if len(rec.Data) > maxPushObjectBytes {
			return fmt.Errorf("object %s is %d bytes, exceeding the %d-byte upload limit",
				rec.Digest.Short(), len(rec.Data), maxPushObjectBytes)
		}
		cost := int64(len(rec.Data)) + 128
		if len(cur) > 0 && (len(cur) >= maxPushChunkObjects || curBytes+cost > maxPushChunkBytes) {
			chunks = append(chunks, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, rec)
		curBytes += cost
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pushUploadWorkers)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			return r.client.PushObjects(gctx, chunk)
		})
	}
	return g.Wait()
}

// syncTrackingRef mirrors an accepted branch update under
// refs/remotes/<name>/. Failures are logged, never surfaced; tracking
// state is advisory.
func (r *Remote) syncTrackingRef(name string, newd odb.Digest) {
	if r.name == "" {
		return
	}
	branch, ok := strings.CutPrefix(name, "refs/heads/")
	if !ok {
		return
	}
	tracking := "refs/remotes/" + r.name + "/" + branch
	if newd.IsZero() {
		if err := r.refs.Delete(tracking, odb.ZeroDigest); err != nil && !errors.Is(err, refs.ErrNotFound) {
			r.log.WithField("ref", tracking).WithError(err).Warn("removing tracking ref")
		}
		return
	}
	if err := r.refs.Set(tracking, newd); err != nil {
		r.log.WithField("ref", tracking).WithError(err).Warn("updating tracking ref")
	}
}
