package provider

import (
	"time"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
)

// onDocumentChange buffers external edits. Anything the provider applied itself is dropped here,
// which is what stops relay events being published straight back to the relay.
func (p *Provider) onDocumentChange(fragment crdt.Fragment, origin crdt.Origin) {
	if origin != crdt.OriginExternal {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = append(p.pending, fragment)
	p.pendingBytes += len(fragment)

	delay := p.opts.Debounce
	if len(p.pending) >= p.opts.MaxPendingUpdates || p.pendingBytes >= p.opts.MaxPendingBytes {
		delay = 0
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(delay, p.flush)
}

// flush merges the whole pending buffer into one fragment and publishes it. The buffer is only
// cleared once the merge has succeeded. Before the provider is live the buffer is left alone;
// the run loop flushes it after reconciliation.
func (p *Provider) flush() {
	p.mu.Lock()
	if p.closed || p.State() != StateLive || len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	merged, err := p.opts.Engine.Merge(p.pending...)
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("failed to merge pending updates", "count", len(p.pending), "err", err)
		return
	}
	FlushBatchSize.Observe(float64(len(p.pending)))
	p.pending = nil
	p.pendingBytes = 0
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	ctx := p.ctx
	p.mu.Unlock()

	if _, err := p.publish(ctx, merged, reasonBuffer); err != nil {
		p.logger.Error("failed to publish pending updates", "err", err)
	}
}

// Pending returns the number of fragments waiting to be published.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
