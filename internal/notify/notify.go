package notify

import "context"

// Listener is told about every result accepted by the coordinator, after the
// result has been durably stored. The RSS/PubSubHubbub front end is the usual
// consumer.
type Listener interface {
	NotifyResultAdded(ctx context.Context, key int64) error
}
