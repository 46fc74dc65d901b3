package protocol

import (
	"fmt"

	"replsync/pkg/dberrors"
	"replsync/pkg/sequence"
	"replsync/pkg/types"
)

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dberrors.ErrProtocol, fmt.Sprintf(format, args...))
}

// Validate checks the shape of m. Segment contents are checked against the
// requested range with ValidateSegment.
func Validate(m Message) error {
	if m == nil {
		return protocolErr("nil message")
	}
	if m.TxnID() == "" {
		return protocolErr("%s without txn", m.Kind())
	}

	switch v := m.(type) {
	case Discovery:
		switch v.Direction {
		case DirectionPull:
		case DirectionPush:
			if v.ReplicaID == "" || !sequence.Valid(v.Sequence) {
				return protocolErr("push discovery needs replica id and sequence")
			}
		default:
			return protocolErr("unknown direction %q", v.Direction)
		}
	case DiscoveryReply:
		if v.ReplicaID == "" || !sequence.Valid(v.Sequence) {
			return protocolErr("discovery reply needs replica id and sequence")
		}
		if v.Range != nil {
			return ValidateRange(*v.Range)
		}
	case Fetch:
		return ValidateRange(v.Range)
	case FetchReply, Segment, Ack, Error:
	case Pull:
		for _, k := range v.Keys {
			if k == "" {
				return protocolErr("empty key in pull")
			}
		}
	case PullReply:
		return validateData(v.Data)
	case Values:
		return validateData(v.Data)
	default:
		return protocolErr("unknown message %T", m)
	}
	return nil
}

// ValidateRange checks a fetch range: an upper bound is required and every
// bound must be a token.
func ValidateRange(r types.Range) error {
	if r.LTE == nil || !sequence.Valid(*r.LTE) {
		return protocolErr("range without valid upper bound")
	}
	if r.GT != nil && !sequence.Valid(*r.GT) {
		return protocolErr("invalid range lower bound %q", *r.GT)
	}
	if r.GTE != nil && !sequence.Valid(*r.GTE) {
		return protocolErr("invalid range lower bound %q", *r.GTE)
	}
	return nil
}

// ValidateSegment rejects segments the merge engine must not see: bad or
// non-increasing sequences, entries outside r, empty keys and unknown types.
func ValidateSegment(logs []types.LogEntry, r types.Range) error {
	var prev types.Sequence
	for i, e := range logs {
		if !sequence.Valid(e.Sequence) {
			return protocolErr("entry %d: invalid sequence %q", i, e.Sequence)
		}
		if i > 0 && (len(e.Sequence) != len(prev) || e.Sequence <= prev) {
			return protocolErr("entry %d: sequence %s does not follow %s", i, e.Sequence, prev)
		}
		if !r.Contains(e.Sequence) {
			return protocolErr("entry %d: sequence %s outside requested range", i, e.Sequence)
		}
		if e.Record.Key == "" {
			return protocolErr("entry %d: empty key", i)
		}
		if !e.Record.Type.Valid() {
			return protocolErr("entry %d: unknown mutation type %q", i, e.Record.Type)
		}
		prev = e.Sequence
	}
	return nil
}

func validateData(data []types.KV) error {
	for _, kv := range data {
		if kv.Key == "" {
			return protocolErr("empty key in values")
		}
	}
	return nil
}
