package monitor

import (
	"errors"

	"statusmon/internal/pathstore"
)

var (
	ErrNotFound                = pathstore.ErrNotFound
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrUnrecognizedMessageKind = errors.New("unrecognized message kind")
	ErrTimeout                 = errors.New("timed out waiting for data")
	ErrCancelled               = errors.New("wait cancelled")
	// ErrBroadcast wraps transport failures. The local mutation it refers
	// to has already been applied.
	ErrBroadcast = errors.New("broadcast failed")
)
