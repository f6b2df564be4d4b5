package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// Client talks to a set of Nostr relays over websockets. Subscriptions are merged across relays
// and deduplicated by event id; end-of-stored-events fires once every relay has sent its own.
type Client struct {
	relays []*nostr.Relay
	logger *slog.Logger
}

// Connect dials every url. Relays that cannot be reached are logged and skipped; it is an error
// if none can be reached.
func Connect(ctx context.Context, urls []string, logger *slog.Logger) (*Client, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger}
	var errs []error
	for _, u := range urls {
		r, err := nostr.RelayConnect(ctx, u)
		if err != nil {
			logger.Error("failed to connect to relay", "relay", u, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		logger.Info("connected to relay", "relay", u)
		c.relays = append(c.relays, r)
	}
	if len(c.relays) == 0 {
		return nil, fmt.Errorf("failed to connect to any relay: %w", errors.Join(errs...))
	}
	return c, nil
}

// Close disconnects from every relay.
func (c *Client) Close() error {
	var errs []error
	for _, r := range c.relays {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, err))
		}
	}
	return errors.Join(errs...)
}

// Publish sends event to every relay. It succeeds if at least one relay accepted it.
func (c *Client) Publish(ctx context.Context, event nostr.Event) error {
	var errs []error
	accepted := 0
	for _, r := range c.relays {
		if err := r.Publish(ctx, event); err != nil {
			c.logger.Warn("relay rejected event", "relay", r.URL, "id", event.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, errors.Join(errs...))
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	subs := make([]*nostr.Subscription, 0, len(c.relays))
	var errs []error
	for _, r := range c.relays {
		sub, err := r.Subscribe(ctx, filters)
		if err != nil {
			c.logger.Error("failed to subscribe", "relay", r.URL, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, err))
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		cancel()
		return nil, fmt.Errorf("failed to subscribe on any relay: %w", errors.Join(errs...))
	}

	out := &mergedSubscription{
		events: make(chan *nostr.Event),
		eose:   make(chan struct{}),
		cancel: cancel,
		seen:   xsync.NewMapOf[string, struct{}](),
	}
	out.pending.Store(int32(len(subs)))
	for _, sub := range subs {
		out.wg.Add(1)
		go out.forward(ctx, sub)
	}
	go func() {
		out.wg.Wait()
		close(out.events)
	}()
	return out, nil
}

type mergedSubscription struct {
	events  chan *nostr.Event
	eose    chan struct{}
	cancel  context.CancelFunc
	seen    *xsync.MapOf[string, struct{}]
	pending atomic.Int32
	wg      sync.WaitGroup
}

func (s *mergedSubscription) Events() <-chan *nostr.Event {
	return s.events
}

func (s *mergedSubscription) EndOfStoredEvents() <-chan struct{} {
	return s.eose
}

func (s *mergedSubscription) Close() {
	s.cancel()
}

func (s *mergedSubscription) forward(ctx context.Context, sub *nostr.Subscription) {
	defer s.wg.Done()
	defer sub.Unsub()
	eose := sub.EndOfStoredEvents
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				if eose != nil {
					s.relayDone()
				}
				return
			}
			if _, loaded := s.seen.LoadOrStore(ev.ID, struct{}{}); loaded {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		case <-eose:
			eose = nil
			s.relayDone()
		case <-ctx.Done():
			return
		}
	}
}

// relayDone records that one relay has finished sending stored events. A relay that drops out
// before sending EOSE counts as finished so the merged stream is not held open by it.
func (s *mergedSubscription) relayDone() {
	if s.pending.Add(-1) == 0 {
		close(s.eose)
	}
}
