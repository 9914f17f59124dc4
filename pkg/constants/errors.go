package constants

import "errors"

// Store and transport errors
var (
	ErrStoreUnavailable = errors.New("tree store unavailable")
	ErrConnectionLost   = errors.New("tree store connection lost")
	ErrInvalidPath      = errors.New("invalid tree path")
	ErrClosed           = errors.New("client closed")
)

// Bridge errors
var (
	ErrDispatchFailed   = errors.New("query dispatch failed")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrTimeout          = errors.New("timeout waiting for response")
	ErrStreamClosed     = errors.New("stream closed")
)
