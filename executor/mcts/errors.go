package mcts

import "errors"

var (
	// ErrInvalidState reports a violated search contract: selecting from an
	// unexpanded node, sampling the "no action" sentinel, or a snapshot that
	// drifted from the state it was taken from.
	ErrInvalidState = errors.New("invalid search state")

	// ErrResponseMismatch reports an oracle response whose length differs from
	// the number of requested leaves.
	ErrResponseMismatch = errors.New("oracle response does not match request")

	// ErrUnrecoverable is returned by inference backends when the model or
	// server is in a state where no further inference is possible.
	ErrUnrecoverable = errors.New("unrecoverable inference failure")
)
