package http

import "replsync/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReplicaResponse describes the local replica and how far it has merged
// each peer's log.
type ReplicaResponse struct {
	Status   Status                             `json:"status"`
	ID       types.ReplicaID                    `json:"id"`
	Sequence types.Sequence                     `json:"sequence"`
	Friends  map[types.ReplicaID]types.Sequence `json:"friends"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewReplicaResponse(id types.ReplicaID, seq types.Sequence, friends map[types.ReplicaID]types.Sequence) ReplicaResponse {
	if friends == nil {
		friends = map[types.ReplicaID]types.Sequence{}
	}
	return ReplicaResponse{Status: StatusSuccess, ID: id, Sequence: seq, Friends: friends}
}
