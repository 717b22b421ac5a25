package transport

import (
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
)

// FetchFlag annotates the outcome of one fetch refspec. Flags combine:
// a forced tag move carries both FetchTagUpdate and FetchForcedUpdate.
type FetchFlag uint16

const (
	// FetchNewTag means the destination was created and is a tag ref.
	FetchNewTag FetchFlag = 1 << iota
	// FetchNewHead means the destination was created.
	FetchNewHead
	// FetchHeadUpToDate means the destination already matched the remote.
	FetchHeadUpToDate
	// FetchTagUpdate means an existing tag ref was moved.
	FetchTagUpdate
	// FetchRejected means the update was refused without force.
	FetchRejected
	// FetchForcedUpdate means a non-fast-forward update was applied.
	FetchForcedUpdate
	// FetchFastForward means the destination advanced along its history.
	FetchFastForward
	// FetchError means the refspec failed; Note carries the reason.
	FetchError
)

var fetchFlagNames = []struct {
	flag FetchFlag
	name string
}{
	{FetchNewTag, "new-tag"},
	{FetchNewHead, "new-head"},
	{FetchHeadUpToDate, "up-to-date"},
	{FetchTagUpdate, "tag-update"},
	{FetchRejected, "rejected"},
	{FetchForcedUpdate, "forced"},
	{FetchFastForward, "fast-forward"},
	{FetchError, "error"},
}

func (f FetchFlag) String() string {
	var parts []string
	for _, e := range fetchFlagNames {
		if f&e.flag != 0 {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// PushFlag annotates the outcome of one push refspec.
type PushFlag uint16

const (
	// PushNewTag means a tag ref was created on the remote.
	PushNewTag PushFlag = 1 << iota
	// PushNewHead means the remote ref was created.
	PushNewHead
	// PushNoMatch means the source matched no local ref.
	PushNoMatch
	// PushRejected means the update was refused before contacting the
	// remote, typically a locally detected non-fast-forward.
	PushRejected
	// PushRemoteRejected means the remote refused the ref update.
	PushRemoteRejected
	// PushRemoteFailure means the remote reported no usable status.
	PushRemoteFailure
	// PushDeleted means the remote ref was removed.
	PushDeleted
	// PushForcedUpdate means a non-fast-forward update was applied.
	PushForcedUpdate
	// PushFastForward means the remote ref advanced along its history.
	PushFastForward
	// PushUpToDate means the remote already had the pushed value.
	PushUpToDate
	// PushError means the refspec failed; Note carries the reason.
	PushError
)

var pushFlagNames = []struct {
	flag PushFlag
	name string
}{
	{PushNewTag, "new-tag"},
	{PushNewHead, "new-head"},
	{PushNoMatch, "no-match"},
	{PushRejected, "rejected"},
	{PushRemoteRejected, "remote-rejected"},
	{PushRemoteFailure, "remote-failure"},
	{PushDeleted, "deleted"},
	{PushForcedUpdate, "forced"},
	{PushFastForward, "fast-forward"},
	{PushUpToDate, "up-to-date"},
	{PushError, "error"},
}

func (f PushFlag) String() string {
	var parts []string
	for _, e := range pushFlagNames {
		if f&e.flag != 0 {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// FetchInfo is the outcome of one fetch refspec. Fetch returns one
// record per input spec, in input order, whether or not the spec
// succeeded.
type FetchInfo struct {
	Spec RefSpec
	// Ref is the full local destination ref name.
	Ref string
	// Old is the destination's previous value, zero when newly created.
	Old odb.Digest
	// New is the remote value the destination was moved to.
	New   odb.Digest
	Flags FetchFlag
	Note  string
}

// PushInfo is the outcome of one push refspec, in input order.
type PushInfo struct {
	Spec RefSpec
	// Ref is the full remote destination ref name.
	Ref string
	// LocalDigest is the resolved source tip, zero for deletes.
	LocalDigest odb.Digest
	// RemoteDigest is the remote's value before the update.
	RemoteDigest odb.Digest
	Flags        PushFlag
	Note         string
}
