// Package push delivers deadline and reminder notifications to registered
// devices and prunes addresses that are no longer deliverable.
package push

import "context"

// Message is one notification to broadcast. Tag collapses duplicate
// notifications for the same task on the receiving device.
type Message struct {
	Title string
	Body  string
	Tag   string
}

// SendResult is the per-token outcome of a multicast send. Unregistered marks
// tokens the provider reports as permanently invalid; those should be removed
// from the registry.
type SendResult struct {
	Token        string
	Err          error
	Unregistered bool
}

// Sender delivers one message to many tokens in a single call. A returned
// error means the call itself failed and nothing was attempted; per-token
// failures are reported in the results.
type Sender interface {
	SendMulticast(ctx context.Context, tokens []string, msg Message) ([]SendResult, error)
}

// Registry is the delete side of the device-token store.
type Registry interface {
	DeleteDeviceToken(ctx context.Context, token string) error
}
