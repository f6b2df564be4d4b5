// Package provider keeps a local CRDT replica in sync with a room on a Nostr relay.
//
// A Provider starts by collecting the room's stored history until the relay signals the end of
// stored events, reconciles it with the local replica exactly once, and then runs live: relay
// events are applied as they arrive while local edits are buffered, merged and published after
// a short debounce.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
	"github.com/astromechza/nostr-automerge/pkg/relay"
)

// State is the phase of a provider's lifecycle.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateReconciling
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateReconciling:
		return "reconciling"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrClosed         = errors.New("provider is closed")
	ErrAlreadyStarted = errors.New("provider already started")
)

const (
	reasonBuffer  = "buffer"
	reasonCatchUp = "catch-up"
	reasonClose   = "close"
)

// Provider synchronizes one Document with one room.
type Provider struct {
	doc    Document
	relay  relay.Relay
	room   RoomHandle
	opts   Options
	logger *slog.Logger
	pubkey string

	state atomic.Int32

	mu           sync.Mutex
	pending      []crdt.Fragment
	pendingBytes int
	timer        *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool

	unobserve  func()
	done       chan struct{}
	reconciled chan ReconcileResult
	closeOnce  sync.Once
	closeErr   error
}

// New attaches a provider to doc. Local edits are buffered from this point on but nothing is
// published until Start has finished reconciling.
func New(doc Document, room RoomHandle, r relay.Relay, opts Options) (*Provider, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	pubkey, _ := nostr.GetPublicKey(opts.SecretKey)
	p := &Provider{
		doc:        doc,
		relay:      r,
		room:       room,
		opts:       opts,
		logger:     opts.Logger.With("room", string(room)),
		pubkey:     pubkey,
		done:       make(chan struct{}),
		reconciled: make(chan ReconcileResult, 1),
	}
	p.unobserve = doc.Observe(p.onDocumentChange)
	return p, nil
}

// Room returns the room handle.
func (p *Provider) Room() RoomHandle {
	return p.room
}

// PublicKey returns the hex public key events are signed with.
func (p *Provider) PublicKey() string {
	return p.pubkey
}

// State returns the current lifecycle phase.
func (p *Provider) State() State {
	return State(p.state.Load())
}

// Reconciled delivers the result of the startup reconciliation exactly once.
func (p *Provider) Reconciled() <-chan ReconcileResult {
	return p.reconciled
}

// Start subscribes to the room and begins collecting its stored history. Subscription failures
// are returned; everything after that is reported through Reconciled and the logger.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	ctx = p.ctx
	p.mu.Unlock()

	sub, err := p.relay.Subscribe(ctx, envelope.RoomFilters(p.opts.Kind, string(p.room)))
	if err != nil {
		close(p.done)
		return fmt.Errorf("failed to subscribe to room: %w", err)
	}
	p.state.Store(int32(StateCollecting))
	p.logger.Info("collecting room history")
	go p.run(ctx, sub)
	return nil
}

func (p *Provider) run(ctx context.Context, sub relay.Subscription) {
	defer close(p.done)
	defer sub.Close()

	initial := make([]*nostr.Event, 0)
	eose := sub.EndOfStoredEvents()
	for {
		select {
		case <-ctx.Done():
			if eose != nil {
				p.reconciled <- ReconcileResult{Outcome: OutcomeTransportError, Err: ctx.Err()}
			}
			return
		case ev, ok := <-sub.Events():
			if !ok {
				p.logger.Warn("room subscription ended")
				if eose != nil {
					p.reconciled <- ReconcileResult{Outcome: OutcomeTransportError, Err: errors.New("subscription ended before end of stored events")}
				}
				return
			}
			if eose != nil {
				// both cases can be ready at once; an event sent after the end of stored events
				// is live even if select picked it first
				if !isClosed(eose) {
					initial = append(initial, ev)
					continue
				}
				eose = nil
				p.goLive(ctx, initial)
				initial = nil
			}
			p.ingest(ev)
		case <-eose:
			eose = nil
			p.goLive(ctx, initial)
			initial = nil
		}
	}
}

// goLive reconciles the collected history, reports the result and flushes edits made meanwhile.
func (p *Provider) goLive(ctx context.Context, initial []*nostr.Event) {
	p.state.Store(int32(StateReconciling))
	result := p.reconcile(ctx, initial)
	p.state.Store(int32(StateLive))
	p.reconciled <- result
	p.flush()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ingest applies one live event to the document.
func (p *Provider) ingest(ev *nostr.Event) {
	fragment, err := envelope.Decode(ev.Content)
	if err != nil {
		MalformedEvents.Inc()
		p.logger.Warn("dropping malformed event", "id", ev.ID, "err", err)
		return
	}
	origin := crdt.OriginIngestion
	if ev.PubKey == p.pubkey {
		origin = crdt.OriginPublishEcho
	}
	if err := p.doc.Apply(fragment, origin); err != nil {
		MalformedEvents.Inc()
		p.logger.Error("failed to apply event", "id", ev.ID, "err", err)
		return
	}
	EventsIngested.WithLabelValues(origin.String()).Inc()
	p.logger.Debug("ingested event", "id", ev.ID, "origin", origin, "bytes", len(fragment))
}

// publish signs fragment into an update event for the room and sends it.
func (p *Provider) publish(ctx context.Context, fragment crdt.Fragment, reason string) (string, error) {
	ev := envelope.NewUpdateEvent(p.opts.Kind, string(p.room), fragment, nostr.Now())
	if err := envelope.Sign(&ev, p.opts.SecretKey); err != nil {
		return "", err
	}
	if err := p.relay.Publish(ctx, ev); err != nil {
		PublishFailures.WithLabelValues(reason).Inc()
		return "", fmt.Errorf("failed to publish update: %w", err)
	}
	EventsPublished.WithLabelValues(reason).Inc()
	p.logger.Debug("published update", "id", ev.ID, "reason", reason, "bytes", len(fragment))
	return ev.ID, nil
}

// Close stops the subscription and the debounce timer, publishes anything still pending if the
// provider was live, and detaches from the document. Closing during reconciliation waits for it
// to finish and then publishes the pending edits as if the provider had been live. It is safe to
// call more than once.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.unobserve()

		p.mu.Lock()
		p.closed = true
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		batch := p.pending
		p.pending = nil
		p.pendingBytes = 0
		started := p.started
		cancel := p.cancel
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-p.done
		}
		// a reconciliation in progress runs to completion above, so this is read afterwards
		live := p.State() == StateLive
		p.state.Store(int32(StateClosed))

		if live && len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
			defer cancel()
			merged, err := p.opts.Engine.Merge(batch...)
			if err != nil {
				p.closeErr = fmt.Errorf("failed to merge pending updates: %w", err)
				return
			}
			if _, err := p.publish(ctx, merged, reasonClose); err != nil {
				p.closeErr = err
			}
		}
		p.logger.Info("provider closed")
	})
	return p.closeErr
}
