// internal/types/interfaces.go
package types

import (
	"context"
)

// Stream is one live streaming connection. Events are delivered strictly in
// arrival order; the channel is closed when the stream ends, after which Err
// reports how it ended (nil for a clean close on a terminal frame).
type Stream interface {
	Events() <-chan ProgressEvent
	Err() error
	Close()
}

// StreamOpener opens one streaming connection per call.
type StreamOpener interface {
	Open(ctx context.Context, req InsightRequest) (Stream, error)
}

// FallbackCaller issues one blocking equivalent request.
type FallbackCaller interface {
	Call(ctx context.Context, req InsightRequest) (*Result, error)
}

// TokenSource supplies the current auth token for outbound requests.
type TokenSource interface {
	Token() (string, error)
}
