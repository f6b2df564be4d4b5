package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
	"github.com/astromechza/nostr-automerge/pkg/relay"
)

const testDebounce = 30 * time.Millisecond

func newDoc(t *testing.T) *crdt.Replica {
	t.Helper()
	r, err := crdt.NewActorReplica()
	require.NoError(t, err)
	return r
}

func setKey(t *testing.T, r *crdt.Replica, key, value string) {
	t.Helper()
	require.NoError(t, r.Change(func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	}))
}

func deleteKey(t *testing.T, r *crdt.Replica, key string) {
	t.Helper()
	require.NoError(t, r.Change(func(doc *automerge.Doc) error {
		return doc.RootMap().Delete(key)
	}))
}

func getKey(r *crdt.Replica, key string) string {
	var out string
	_ = r.Read(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err != nil || v.Kind() != automerge.KindStr {
			return err
		}
		out = v.Str()
		return nil
	})
	return out
}

func saveDoc(t *testing.T, r *crdt.Replica) crdt.Fragment {
	t.Helper()
	f, err := r.Save()
	require.NoError(t, err)
	return f
}

func newRoom(t *testing.T, r relay.Relay, initial crdt.Fragment) RoomHandle {
	t.Helper()
	room, err := CreateRoom(context.Background(), r, t.Name(), initial, Options{CreateTimeout: time.Second})
	require.NoError(t, err)
	return room
}

func startProvider(t *testing.T, doc *crdt.Replica, room RoomHandle, r relay.Relay, opts Options) (*Provider, ReconcileResult) {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = testDebounce
	}
	p, err := New(doc, room, r, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Start(context.Background()))
	return p, awaitReconciled(t, p)
}

func awaitReconciled(t *testing.T, p *Provider) ReconcileResult {
	t.Helper()
	select {
	case res := <-p.Reconciled():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconciliation")
		return ReconcileResult{}
	}
}

// updates returns the update events stored for room.
func updates(m *relay.Memory, room RoomHandle) []*nostr.Event {
	return m.Stored(nostr.Filters{{Kinds: []int{envelope.KindCRDTUpdate}, Tags: nostr.TagMap{"e": []string{string(room)}}}})
}

func updatesBy(m *relay.Memory, room RoomHandle, pubkey string) []*nostr.Event {
	out := make([]*nostr.Event, 0)
	for _, e := range updates(m, room) {
		if e.PubKey == pubkey {
			out = append(out, e)
		}
	}
	return out
}

// forcedDiff makes every diff return the same bytes, the way a delete-only diff does.
type forcedDiff struct {
	crdt.Automerge
	diff crdt.Fragment
}

func (f forcedDiff) Diff(crdt.Fragment, crdt.StateVector) (crdt.Fragment, error) {
	return f.diff, nil
}

// largeEmpty treats every fragment as empty.
type largeEmpty struct {
	crdt.Automerge
}

func (largeEmpty) EmptyFragmentSize() int {
	return 1 << 20
}

// gatedRelay holds back end-of-stored-events until release is called.
type gatedRelay struct {
	*relay.Memory
	gate chan struct{}
	once sync.Once
}

func newGatedRelay(m *relay.Memory) *gatedRelay {
	return &gatedRelay{Memory: m, gate: make(chan struct{})}
}

func (g *gatedRelay) release() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedRelay) Subscribe(ctx context.Context, filters nostr.Filters) (relay.Subscription, error) {
	inner, err := g.Memory.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	s := &gatedSubscription{Subscription: inner, eose: make(chan struct{})}
	go func() {
		<-inner.EndOfStoredEvents()
		select {
		case <-g.gate:
			close(s.eose)
		case <-ctx.Done():
		}
	}()
	return s, nil
}

type gatedSubscription struct {
	relay.Subscription
	eose chan struct{}
}

func (s *gatedSubscription) EndOfStoredEvents() <-chan struct{} {
	return s.eose
}

// brokenRelay refuses subscriptions.
type brokenRelay struct {
	*relay.Memory
}

var errBroken = errors.New("relay unavailable")

func (brokenRelay) Subscribe(context.Context, nostr.Filters) (relay.Subscription, error) {
	return nil, errBroken
}

// blockingEngine holds the first StateVector call, which reconciliation makes, until release.
type blockingEngine struct {
	crdt.Automerge
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	first   sync.Once
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (b *blockingEngine) StateVector(f crdt.Fragment) (crdt.StateVector, error) {
	b.first.Do(func() {
		close(b.entered)
		<-b.gate
	})
	return b.Automerge.StateVector(f)
}

func (b *blockingEngine) release() {
	b.once.Do(func() { close(b.gate) })
}

// scriptedRelay hands out subscriptions that have already signalled the end of stored events and
// have the given events waiting to be read.
type scriptedRelay struct {
	*relay.Memory
	events []*nostr.Event
}

func (s scriptedRelay) Subscribe(context.Context, nostr.Filters) (relay.Subscription, error) {
	sub := &scriptedSubscription{
		events: make(chan *nostr.Event, len(s.events)),
		eose:   make(chan struct{}),
	}
	for _, e := range s.events {
		sub.events <- e
	}
	close(sub.eose)
	return sub, nil
}

type scriptedSubscription struct {
	events chan *nostr.Event
	eose   chan struct{}
}

func (s *scriptedSubscription) Events() <-chan *nostr.Event {
	return s.events
}

func (s *scriptedSubscription) EndOfStoredEvents() <-chan struct{} {
	return s.eose
}

func (s *scriptedSubscription) Close() {}

// changesOf returns one fragment per edit made by fn.
func changesOf(t *testing.T, r *crdt.Replica, fn func()) []crdt.Fragment {
	t.Helper()
	out := make([]crdt.Fragment, 0)
	unobserve := r.Observe(func(f crdt.Fragment, _ crdt.Origin) {
		out = append(out, f)
	})
	defer unobserve()
	fn()
	return out
}

func signedUpdate(t *testing.T, room RoomHandle, fragment crdt.Fragment, sk string) nostr.Event {
	t.Helper()
	ev := envelope.NewUpdateEvent(envelope.KindCRDTUpdate, string(room), fragment, nostr.Now())
	require.NoError(t, envelope.Sign(&ev, sk))
	return ev
}

// replay applies every update stored for room to a fresh document.
func replay(t *testing.T, m *relay.Memory, room RoomHandle) *crdt.Replica {
	t.Helper()
	doc := newDoc(t)
	for _, e := range updates(m, room) {
		f, err := envelope.Decode(e.Content)
		require.NoError(t, err)
		require.NoError(t, doc.Apply(f, crdt.OriginIngestion))
	}
	return doc
}
