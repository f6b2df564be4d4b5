package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
)

const (
	DefaultDebounce          = 100 * time.Millisecond
	DefaultMaxPendingUpdates = 256
	DefaultMaxPendingBytes   = 256 * 1024
	DefaultCreateTimeout     = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
)

// Engine is the CRDT merge/diff capability the provider consumes.
type Engine interface {
	Merge(fragments ...crdt.Fragment) (crdt.Fragment, error)
	StateVector(fragment crdt.Fragment) (crdt.StateVector, error)
	Diff(fragment crdt.Fragment, vector crdt.StateVector) (crdt.Fragment, error)
	SnapshotOf(fragment crdt.Fragment) (crdt.Snapshot, error)
	EmptyFragmentSize() int
}

// Document is the local replica. The provider observes it and applies fragments to it but
// never owns it.
type Document interface {
	Save() (crdt.Fragment, error)
	Snapshot() (crdt.Snapshot, error)
	Apply(fragment crdt.Fragment, origin crdt.Origin) error
	Observe(fn crdt.Observer) func()
}

// Options configure CreateRoom and Provider. The zero value is usable.
type Options struct {
	// Kind is the event kind used for room roots and updates.
	Kind int
	// SecretKey signs published events. A random key is generated when empty.
	SecretKey string

	// Debounce is how long the pending buffer waits for further edits before flushing.
	Debounce time.Duration
	// MaxPendingUpdates and MaxPendingBytes flush the pending buffer immediately once reached.
	MaxPendingUpdates int
	MaxPendingBytes   int

	// CreateTimeout bounds how long CreateRoom waits to see its root event echoed back.
	CreateTimeout time.Duration
	// RequireEcho makes CreateRoom fail with ErrRoomNotEchoed instead of falling back to the
	// locally computed event id when the relay never echoes the root event.
	RequireEcho bool
	// CloseTimeout bounds the final flush performed by Close.
	CloseTimeout time.Duration

	Engine Engine
	Logger *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Kind == 0 {
		o.Kind = envelope.KindCRDTUpdate
	}
	if o.SecretKey == "" {
		o.SecretKey = nostr.GeneratePrivateKey()
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxPendingUpdates <= 0 {
		o.MaxPendingUpdates = DefaultMaxPendingUpdates
	}
	if o.MaxPendingBytes <= 0 {
		o.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = DefaultCreateTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Engine == nil {
		o.Engine = crdt.Automerge{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if _, err := nostr.GetPublicKey(o.SecretKey); err != nil {
		return o, fmt.Errorf("invalid secret key: %w", err)
	}
	return o, nil
}
