package types

// Sequence is a fixed-width decimal token. Byte-wise order equals creation order.
type Sequence string

// ReplicaID identifies a replica. It is generated once and persisted.
type ReplicaID string

// TimestampMs is a millisecond-precision unix timestamp.
type TimestampMs int64

// MutationType is the kind of change a log record describes.
type MutationType string

const (
	MutationPut    MutationType = "put"
	MutationDelete MutationType = "del"
)

func (t MutationType) Valid() bool {
	return t == MutationPut || t == MutationDelete
}

// LogRecord describes one mutation of a data key. The sequence that identifies
// the record is its storage key and is not repeated here.
type LogRecord struct {
	Type      MutationType `json:"type"`
	Key       string       `json:"key"`
	Timestamp TimestampMs  `json:"timestamp"`
	ID        string       `json:"uuid"`
	Size      int          `json:"size"`
}

// LogEntry is a log record together with its position in the log.
type LogEntry struct {
	Sequence Sequence  `json:"sequence"`
	Record   LogRecord `json:"value"`
}

// Range selects log positions. Nil bounds are open.
type Range struct {
	GT  *Sequence `json:"gt,omitempty"`
	GTE *Sequence `json:"gte,omitempty"`
	LTE *Sequence `json:"lte,omitempty"`
}

// Contains reports whether seq falls inside the range.
func (r Range) Contains(seq Sequence) bool {
	if r.GT != nil && seq <= *r.GT {
		return false
	}
	if r.GTE != nil && seq < *r.GTE {
		return false
	}
	if r.LTE != nil && seq > *r.LTE {
		return false
	}
	return true
}

// KV is a data key with its raw value.
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// SeqPtr returns a pointer to s, handy for building ranges.
func SeqPtr(s Sequence) *Sequence {
	return &s
}
