package protocol

import (
	"encoding/json"
	"fmt"

	"replsync/pkg/dberrors"
)

// Envelope is the JSON frame every message travels in. Reply marks answers so
// framed transports can tell them apart from requests.
type Envelope struct {
	Type  Kind            `json:"type"`
	Txn   TxnID           `json:"txn"`
	Reply bool            `json:"reply,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Frame is a decoded envelope.
type Frame struct {
	Message Message
	Reply   bool
}

// Encode wraps m in an envelope.
func Encode(m Message, reply bool) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode nil message: %w", dberrors.ErrInvalidArgument)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", m.Kind(), err)
	}
	env := Envelope{
		Type:  m.Kind(),
		Txn:   m.TxnID(),
		Reply: reply,
		Body:  body,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses an envelope. Malformed frames and unknown variants are
// protocol errors.
func Decode(b []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: decode envelope: %v", dberrors.ErrProtocol, err)
	}
	if env.Txn == "" {
		return Frame{}, fmt.Errorf("%w: envelope without txn", dberrors.ErrProtocol)
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case KindDiscovery:
		m, err = decodeBody[Discovery](env)
	case KindDiscoveryReply:
		m, err = decodeBody[DiscoveryReply](env)
	case KindFetch:
		m, err = decodeBody[Fetch](env)
	case KindFetchReply:
		m, err = decodeBody[FetchReply](env)
	case KindSegment:
		m, err = decodeBody[Segment](env)
	case KindPull:
		m, err = decodeBody[Pull](env)
	case KindPullReply:
		m, err = decodeBody[PullReply](env)
	case KindValues:
		m, err = decodeBody[Values](env)
	case KindAck:
		m, err = decodeBody[Ack](env)
	case KindError:
		m, err = decodeBody[Error](env)
	default:
		return Frame{}, fmt.Errorf("%w: unknown message type %q", dberrors.ErrProtocol, env.Type)
	}
	if err != nil {
		return Frame{}, err
	}
	return Frame{Message: m, Reply: env.Reply}, nil
}

func decodeBody[T Message, P interface {
	*T
	setTxn(TxnID)
}](env Envelope) (Message, error) {
	var m T
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, P(&m)); err != nil {
			return nil, fmt.Errorf("%w: decode %s body: %v", dberrors.ErrProtocol, env.Type, err)
		}
	}
	P(&m).setTxn(env.Txn)
	return m, nil
}
