// Package merge combines a remote log segment with the local log covering the
// same range.
//
// Both segments start at the same base sequence: the first sequence of the
// remote segment. Keys written on both sides since the base are conflicts and
// the remote side always wins them, so two replicas merging the same segments
// end up with the same log no matter who started the round or what their
// clocks say.
package merge

import (
	"cmp"
	"slices"

	"replsync/pkg/sequence"
	"replsync/pkg/types"
)

// Result is what the caller has to apply.
type Result struct {
	// Base is the first sequence of the rewritten range.
	Base types.Sequence
	// Records is the merged log renumbered from Base.
	Records []types.LogEntry
	// KeysToFetch are keys whose remote final action is put.
	KeysToFetch []string
	// KeysToDelete are conflicting keys whose remote final action is delete.
	KeysToDelete []string
	// RemoteDeletes are non-conflicting keys the remote deleted in the segment.
	RemoteDeletes []string
	// Conflicts are keys mutated on both sides since Base, leaving out keys
	// whose newest local record is the remote's own record echoed back.
	Conflicts []string
}

// Empty reports whether the merge has nothing to apply.
func (r Result) Empty() bool {
	return len(r.Records) == 0
}

// Last returns the last renumbered sequence, or "" for an empty result.
func (r Result) Last() types.Sequence {
	if len(r.Records) == 0 {
		return ""
	}
	return r.Records[len(r.Records)-1].Sequence
}

// Merge runs the merge. remote must be ascending and valid; local must hold
// every local record at or after remote[0].Sequence. Neither slice is modified.
func Merge(remote, local []types.LogEntry) Result {
	if len(remote) == 0 {
		return Result{}
	}
	base := remote[0].Sequence

	changedByRemote := make(map[string]types.LogRecord, len(remote))
	for _, e := range remote {
		changedByRemote[e.Record.Key] = e.Record
	}

	conflicts := make(map[string]struct{})
	newestLocal := make(map[string]types.LogRecord)
	survivors := make([]types.LogEntry, 0, len(local))
	for _, e := range local {
		if _, ok := changedByRemote[e.Record.Key]; ok {
			conflicts[e.Record.Key] = struct{}{}
			newestLocal[e.Record.Key] = e.Record
		}
	}
	for _, e := range local {
		if _, ok := conflicts[e.Record.Key]; !ok {
			survivors = append(survivors, e)
		}
	}

	merged := make([]types.LogEntry, 0, len(remote)+len(survivors))
	merged = append(merged, remote...)
	merged = append(merged, survivors...)
	slices.SortStableFunc(merged, func(a, b types.LogEntry) int {
		if c := cmp.Compare(a.Sequence, b.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.Timestamp, b.Record.Timestamp)
	})

	next := base
	for i := range merged {
		if i > 0 {
			next = sequence.Next(next)
		}
		merged[i].Sequence = next
	}

	// last action in the segment wins; keep first-seen order for determinism
	fetch := make(map[string]bool)
	var order []string
	for _, e := range remote {
		if _, seen := fetch[e.Record.Key]; !seen {
			order = append(order, e.Record.Key)
		}
		fetch[e.Record.Key] = e.Record.Type == types.MutationPut
	}

	res := Result{Base: base, Records: merged}
	for _, key := range order {
		_, conflict := conflicts[key]
		switch {
		case fetch[key]:
			res.KeysToFetch = append(res.KeysToFetch, key)
		case conflict:
			res.KeysToDelete = append(res.KeysToDelete, key)
		default:
			res.RemoteDeletes = append(res.RemoteDeletes, key)
		}
		if conflict && !sameRecord(newestLocal[key], changedByRemote[key]) {
			res.Conflicts = append(res.Conflicts, key)
		}
	}

	return res
}

// sameRecord reports whether the local record is the remote one synced back
// earlier. Losing against it loses no local write.
func sameRecord(local, remote types.LogRecord) bool {
	return local.ID != "" && local.ID == remote.ID
}
