// Package faults defines the error kinds surfaced by model loading, inference,
// the remote client and the video pipeline.
package faults

import (
	"errors"
	"net/http"
)

var (
	// ErrCorruptBundle marks a malformed or truncated model bundle.
	ErrCorruptBundle = errors.New("corrupt model bundle")
	// ErrEngine marks an inference backend execution error.
	ErrEngine = errors.New("inference engine failure")
	// ErrDecode marks an output tensor or response whose shape or content is malformed.
	ErrDecode = errors.New("decode failure")
	// ErrNetwork marks a connection error or timeout on the remote path.
	ErrNetwork = errors.New("network failure")
	// ErrProtocol marks a malformed remote response.
	ErrProtocol = errors.New("protocol failure")
	// ErrStream marks a video decode or encode error.
	ErrStream = errors.New("stream failure")
	// ErrNotImplemented marks declared but unimplemented task kinds.
	ErrNotImplemented = errors.New("not implemented")
)

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrCorruptBundle, "CorruptBundle", http.StatusUnprocessableEntity},
	{ErrEngine, "EngineFailure", http.StatusInternalServerError},
	{ErrDecode, "DecodeFailure", http.StatusInternalServerError},
	{ErrNetwork, "NetworkFailure", http.StatusBadGateway},
	{ErrProtocol, "ProtocolFailure", http.StatusBadGateway},
	{ErrStream, "StreamFailure", http.StatusInternalServerError},
	{ErrNotImplemented, "NotImplemented", http.StatusNotImplemented},
}

// Kind returns the taxonomy name of err, or "" when err carries none of the kinds.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// HTTPStatus maps err onto a response status for the API layer.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
