// Package relay holds the pub/sub transport the provider talks to: a Nostr client fanning out
// over several relays, and an in-process relay used by tests and single-host setups.
package relay

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

// ErrNoRelays is returned when a client is built with no relay urls.
var ErrNoRelays = errors.New("no relays configured")

// Subscription is a live stream of events matching a set of filters. Stored events come first,
// then EndOfStoredEvents is closed, then live events follow until Close.
type Subscription interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Close()
}

// Relay can subscribe to and publish events. Subscriptions never close on end-of-stored-events.
type Relay interface {
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)
	Publish(ctx context.Context, event nostr.Event) error
}
