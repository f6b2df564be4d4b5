package provider

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
)

// Outcome classifies a reconciliation.
type Outcome int

const (
	// OutcomeSynced: the relay already had every local change.
	OutcomeSynced Outcome = iota
	// OutcomeRepublished: local changes missing from the relay were published.
	OutcomeRepublished
	// OutcomeSuppressed: the diff only repeated deletions the relay already had.
	OutcomeSuppressed
	// OutcomeTransportError: the relay could not be read or written. Retrying may help.
	OutcomeTransportError
	// OutcomeUnsynced: the history or the local state could not be processed. The document may
	// be out of sync with the room.
	OutcomeUnsynced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeRepublished:
		return "republished"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeTransportError:
		return "transport-error"
	case OutcomeUnsynced:
		return "unsynced"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ReconcileResult reports what a reconciliation did.
type ReconcileResult struct {
	Outcome Outcome
	// Events is the number of stored events that were merged.
	Events int
	// EventID is the id of the catch-up event when Outcome is OutcomeRepublished.
	EventID string
	Err     error
}

// Retryable reports whether running the reconciliation again could succeed.
func (r ReconcileResult) Retryable() bool {
	return r.Outcome == OutcomeTransportError
}

// Reconcile fetches the room's stored history again and reconciles it with the document. Against
// an unchanged history it publishes nothing.
func (p *Provider) Reconcile(ctx context.Context) (ReconcileResult, error) {
	sub, err := p.relay.Subscribe(ctx, envelope.RoomFilters(p.opts.Kind, string(p.room)))
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to subscribe to room: %w", err)
	}
	defer sub.Close()

	events := make([]*nostr.Event, 0)
collect:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return ReconcileResult{}, fmt.Errorf("subscription ended before end of stored events")
			}
			events = append(events, ev)
		case <-sub.EndOfStoredEvents():
			break collect
		case <-ctx.Done():
			return ReconcileResult{}, ctx.Err()
		}
	}
	return p.reconcile(ctx, events), nil
}

func (p *Provider) reconcile(ctx context.Context, events []*nostr.Event) ReconcileResult {
	result := p.reconcileEvents(ctx, events)
	result.Events = len(events)
	ReconcileOutcomes.WithLabelValues(result.Outcome.String()).Inc()
	if result.Err != nil {
		p.logger.Error("reconciliation failed", "outcome", result.Outcome, "events", result.Events, "err", result.Err)
	} else {
		p.logger.Info("reconciled", "outcome", result.Outcome, "events", result.Events, "published", result.EventID)
	}
	return result
}

func (p *Provider) reconcileEvents(ctx context.Context, events []*nostr.Event) ReconcileResult {
	engine := p.opts.Engine
	unsynced := func(err error) ReconcileResult {
		return ReconcileResult{Outcome: OutcomeUnsynced, Err: err}
	}

	localState, err := p.doc.Save()
	if err != nil {
		return unsynced(err)
	}
	localVector, err := engine.StateVector(localState)
	if err != nil {
		return unsynced(err)
	}
	// diffing local state against its own vector is the baseline for a delete-only diff
	deleteOnly, err := engine.Diff(localState, localVector)
	if err != nil {
		return unsynced(err)
	}
	prior, err := p.doc.Snapshot()
	if err != nil {
		return unsynced(err)
	}

	fragments, err := envelope.Fragments(events)
	if err != nil {
		return unsynced(err)
	}
	remote, err := engine.Merge(fragments...)
	if err != nil {
		return unsynced(fmt.Errorf("failed to merge stored events: %w", err))
	}
	if err := p.doc.Apply(remote, crdt.OriginIngestion); err != nil {
		return unsynced(err)
	}

	remoteVector, err := engine.StateVector(remote)
	if err != nil {
		return unsynced(err)
	}
	missing, err := engine.Diff(localState, remoteVector)
	if err != nil {
		return unsynced(err)
	}

	if bytes.Equal(missing, deleteOnly) {
		upstream, err := engine.SnapshotOf(remote)
		if err != nil {
			return unsynced(err)
		}
		if upstream.ContainsAllDeletions(prior) {
			if len(missing) > engine.EmptyFragmentSize() {
				return ReconcileResult{Outcome: OutcomeSuppressed}
			}
			return ReconcileResult{Outcome: OutcomeSynced}
		}
	}

	if len(missing) <= engine.EmptyFragmentSize() {
		return ReconcileResult{Outcome: OutcomeSynced}
	}
	id, err := p.publish(ctx, missing, reasonCatchUp)
	if err != nil {
		return ReconcileResult{Outcome: OutcomeTransportError, Err: err}
	}
	return ReconcileResult{Outcome: OutcomeRepublished, EventID: id}
}
