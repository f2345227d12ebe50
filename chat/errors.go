package chat

import "errors"

var (
	// ErrStreamConsumed is yielded when a send's event sequence is ranged
	// over a second time.
	ErrStreamConsumed = errors.New("chat: stream already consumed")

	// errConsumerStopped means the caller stopped ranging over the events.
	errConsumerStopped = errors.New("chat: stream consumer stopped")
)
