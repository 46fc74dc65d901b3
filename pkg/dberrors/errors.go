package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("replsync: not found")
	ErrClosed          = errors.New("replsync: closed")
	ErrInvalidArgument = errors.New("replsync: invalid argument")

	// sync round failures
	ErrProtocol        = errors.New("replsync: protocol error")
	ErrTransport       = errors.New("replsync: transport error")
	ErrStorage         = errors.New("replsync: storage error")
	ErrConcurrentRound = errors.New("replsync: a sync round is already active")
	ErrRemote          = errors.New("replsync: remote aborted the round")
)
