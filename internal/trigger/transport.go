package trigger

import "context"

// Transport delivers raw event frames from the trigger source. The
// subscriber owns reconnection for transports that surface connection
// loss as a Receive error; transports with built-in reconnection (MQTT
// via autopaho) only return from Receive when ctx ends.
type Transport interface {
	// Connect establishes the subscription. Called before the first
	// Receive and again after a Receive error.
	Connect(ctx context.Context) error

	// Receive blocks until the next raw event frame arrives, the
	// connection drops (error), or ctx is cancelled.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the subscription down.
	Close() error
}
