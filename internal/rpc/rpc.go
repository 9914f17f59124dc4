// Package rpc holds the frames exchanged between a websocket tree store client
// and the tree store server.
package rpc

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Method string

const (
	Push    Method = "push"
	Set     Method = "set"
	Get     Method = "get"
	Remove  Method = "remove"
	Watch   Method = "watch"
	Unwatch Method = "unwatch"
)

// Request is sent by the client. ID correlates the matching Response.
type Request struct {
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	// WatchID names the watch to cancel for Unwatch.
	WatchID string `json:"watch_id,omitempty"`
}

// Response answers a Request, or carries a watch Notification when ID is empty.
type Response struct {
	ID           string        `json:"id,omitempty"`
	Error        *Error        `json:"error,omitempty"`
	Result       *Result       `json:"result,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Result struct {
	Key      string              `json:"key,omitempty"`
	WatchID  string              `json:"watch_id,omitempty"`
	Snapshot *treestore.Snapshot `json:"snapshot,omitempty"`
}

// Notification delivers a watch event. A non-nil Error ends the watch.
type Notification struct {
	WatchID  string             `json:"watch_id"`
	Snapshot treestore.Snapshot `json:"snapshot"`
	Error    *Error             `json:"error,omitempty"`
}

const (
	CodeInternal     = -32000
	CodeUnavailable  = -32001
	CodeInvalidPath  = -32002
	CodeMalformed    = -32003
	CodeConnection   = -32004
	CodeUnknownWatch = -32005
	CodeBadRequest   = -32600
)

// Error represents a JSON-RPC style error. It unwraps to the matching
// constants sentinel so errors.Is works on both sides of the wire.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeUnavailable:
		return constants.ErrStoreUnavailable
	case CodeInvalidPath:
		return constants.ErrInvalidPath
	case CodeMalformed:
		return constants.ErrMalformedPayload
	case CodeConnection:
		return constants.ErrConnectionLost
	}
	return nil
}

// ErrorFrom maps a store error onto a wire error.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := CodeInternal
	switch {
	case errors.Is(err, constants.ErrStoreUnavailable), errors.Is(err, constants.ErrClosed):
		code = CodeUnavailable
	case errors.Is(err, constants.ErrInvalidPath):
		code = CodeInvalidPath
	case errors.Is(err, constants.ErrMalformedPayload):
		code = CodeMalformed
	case errors.Is(err, constants.ErrConnectionLost):
		code = CodeConnection
	}
	return &Error{Code: code, Message: err.Error()}
}
