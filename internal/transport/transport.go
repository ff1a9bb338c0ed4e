// Package transport defines the contract both concrete drivers (HTTP
// bounce-proxy and MQTT) implement, and the upward hook they use to hand
// received bytes back into the dispatcher.
package transport

import (
	"context"

	"github.com/baechuer/clustercontroller/internal/message"
)

// Driver sends messages to a destination address and runs whatever
// long-lived receive loop its transport needs. SendMessage is asynchronous:
// it may retry internally and calls onFailure at most once, only for a
// terminal failure (the per-attempt retries themselves are invisible to the
// caller).
type Driver interface {
	// SendMessage submits message for delivery to addr. decayTime is the
	// message's absolute expiry; the driver must not deliver, nor retry,
	// past it. onFailure is invoked at most once, only on terminal failure.
	SendMessage(ctx context.Context, addr message.Address, msg *message.Message, decayTime int64, onFailure func(err error))

	// Start begins the driver's receive loop(s), if any. It returns once
	// the loop is running or has failed to start; ongoing reception
	// happens on its own goroutine(s).
	Start(ctx context.Context) error

	// Stop halts the receive loop(s) and releases transport resources.
	Stop(ctx context.Context) error
}

// Dispatcher is the upward hook a driver feeds received bytes into. It is
// implemented by the router's inbound path: deserialize, then
// correlate-or-route.
type Dispatcher interface {
	OnInboundBytes(raw []byte, creatorID string)
}
