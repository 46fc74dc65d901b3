// Package protocol defines the messages exchanged by sync managers.
//
// A round is a short conversation correlated by a transaction id. Pull rounds
// go Discovery, Fetch, Pull; push rounds go Discovery, Segment, Values. Every
// request gets exactly one reply, which may be an Error.
package protocol

import (
	"context"
	"fmt"

	"replsync/pkg/dberrors"
	"replsync/pkg/types"
)

// TxnID correlates the messages of one round.
type TxnID string

type Kind string

const (
	KindDiscovery      Kind = "discovery"
	KindDiscoveryReply Kind = "discovery-reply"
	KindFetch          Kind = "fetch"
	KindFetchReply     Kind = "fetch-reply"
	KindSegment        Kind = "segment"
	KindPull           Kind = "pull"
	KindPullReply      Kind = "pull-reply"
	KindValues         Kind = "values"
	KindAck            Kind = "ack"
	KindError          Kind = "error"
)

// Direction tells the responder which branch a round takes.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Message is one of the variants below. The set is closed.
type Message interface {
	Kind() Kind
	TxnID() TxnID
	message()
}

// Header carries the transaction id. It travels in the envelope, not the body.
type Header struct {
	Txn TxnID `json:"-"`
}

func (h Header) TxnID() TxnID { return h.Txn }

func (Header) message() {}

func (h *Header) setTxn(txn TxnID) { h.Txn = txn }

// Discovery opens a round. For a push it also carries the initiator's head.
type Discovery struct {
	Header
	Direction Direction       `json:"direction"`
	ReplicaID types.ReplicaID `json:"replicaId,omitempty"`
	Sequence  types.Sequence  `json:"sequence,omitempty"`
}

// DiscoveryReply answers Discovery with the responder's identity and head.
// In a push round Range is the part of the initiator's log the responder wants.
type DiscoveryReply struct {
	Header
	ReplicaID types.ReplicaID `json:"replicaId"`
	Sequence  types.Sequence  `json:"sequence"`
	Range     *types.Range    `json:"range,omitempty"`
}

// Fetch asks for the log entries inside Range.
type Fetch struct {
	Header
	Range types.Range `json:"range"`
}

type FetchReply struct {
	Header
	Logs []types.LogEntry `json:"logs"`
}

// Segment pushes the initiator's log entries to the responder.
type Segment struct {
	Header
	Logs []types.LogEntry `json:"logs"`
}

// Pull asks for the current values of Keys. The push responder also sends it
// in reply to Segment.
type Pull struct {
	Header
	Keys []string `json:"keys"`
}

type PullReply struct {
	Header
	Data []types.KV `json:"data"`
}

// Values delivers the keys asked for by Pull in a push round.
type Values struct {
	Header
	Data []types.KV `json:"data"`
}

type Ack struct {
	Header
}

// Error aborts a round.
type Error struct {
	Header
	Message string `json:"message"`
}

func (Discovery) Kind() Kind      { return KindDiscovery }
func (DiscoveryReply) Kind() Kind { return KindDiscoveryReply }
func (Fetch) Kind() Kind          { return KindFetch }
func (FetchReply) Kind() Kind     { return KindFetchReply }
func (Segment) Kind() Kind        { return KindSegment }
func (Pull) Kind() Kind           { return KindPull }
func (PullReply) Kind() Kind      { return KindPullReply }
func (Values) Kind() Kind         { return KindValues }
func (Ack) Kind() Kind            { return KindAck }
func (Error) Kind() Kind          { return KindError }

// Handler answers one inbound request. It always returns a reply; failures
// are reported as Error.
type Handler func(ctx context.Context, m Message) Message

// Err turns an Error reply into a Go error wrapping dberrors.ErrRemote.
func (e Error) Err() error {
	return fmt.Errorf("%w: txn %s: %s", dberrors.ErrRemote, e.Txn, e.Message)
}

// NewError builds the Error reply for txn.
func NewError(txn TxnID, err error) Error {
	return Error{Header: Header{Txn: txn}, Message: err.Error()}
}
