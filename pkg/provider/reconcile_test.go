package provider

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
	"github.com/astromechza/nostr-automerge/pkg/relay"
)

func TestReconcileRepublishesOfflineEdits(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, saveDoc(t, newDoc(t)))

	// alice already has the room's history plus an edit made while offline
	alice := newDoc(t)
	setKey(t, alice, "offline", "edit")

	_, res := startProvider(t, alice, room, m, Options{})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRepublished, res.Outcome)
	assert.NotEmpty(t, res.EventID)

	bob := newDoc(t)
	startProvider(t, bob, room, m, Options{})
	assert.Equal(t, "edit", getKey(bob, "offline"))
}

func TestReconcileAppliesHistoryWithoutRepublishing(t *testing.T) {
	m := relay.NewMemory()
	seed := newDoc(t)
	setKey(t, seed, "title", "shared")
	room := newRoom(t, m, saveDoc(t, seed))

	doc := newDoc(t)
	p, res := startProvider(t, doc, room, m, Options{})
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, "shared", getKey(doc, "title"))

	time.Sleep(3 * testDebounce)
	assert.Equal(t, 0, p.Pending())
	assert.Empty(t, updates(m, room))
}

func TestReconcileIsIdempotent(t *testing.T) {
	m := relay.NewMemory()
	seed := newDoc(t)
	setKey(t, seed, "a", "1")
	room := newRoom(t, m, saveDoc(t, seed))

	doc := newDoc(t)
	setKey(t, doc, "b", "2")
	p, res := startProvider(t, doc, room, m, Options{})
	require.Equal(t, OutcomeRepublished, res.Outcome)
	before := len(updates(m, room))
	state := saveDoc(t, doc)

	res, err := p.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Len(t, updates(m, room), before)

	var engine crdt.Automerge
	v1, err := engine.StateVector(state)
	require.NoError(t, err)
	v2, err := engine.StateVector(saveDoc(t, doc))
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestReconcileMalformedHistoryFailsWholeBatch(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, saveDoc(t, newDoc(t)))

	good := newDoc(t)
	setKey(t, good, "from", "good")
	ok := envelope.NewUpdateEvent(envelope.KindCRDTUpdate, string(room), saveDoc(t, good), nostr.Now())
	require.NoError(t, ok.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, m.Publish(context.Background(), ok))

	bad := nostr.Event{Kind: envelope.KindCRDTUpdate, CreatedAt: nostr.Now(), Content: "@@@", Tags: nostr.Tags{{"e", string(room)}}}
	require.NoError(t, bad.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, m.Publish(context.Background(), bad))

	doc := newDoc(t)
	p, res := startProvider(t, doc, room, m, Options{})
	assert.Equal(t, OutcomeUnsynced, res.Outcome)
	assert.ErrorIs(t, res.Err, envelope.ErrMalformedContent)
	assert.False(t, res.Retryable())
	assert.Equal(t, "", getKey(doc, "from"))

	// the provider keeps running
	assert.Equal(t, StateLive, p.State())
	setKey(t, doc, "still", "working")
	require.Eventually(t, func() bool { return len(updatesBy(m, room, p.PublicKey())) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconcileUndecodableFragmentIsUnsynced(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, crdt.Fragment("valid base64 but not automerge"))

	_, res := startProvider(t, newDoc(t), room, m, Options{})
	assert.Equal(t, OutcomeUnsynced, res.Outcome)
	assert.Error(t, res.Err)
}

func TestReconcileSuppressesDeletesAlreadyUpstream(t *testing.T) {
	m := relay.NewMemory()
	seed := newDoc(t)
	setKey(t, seed, "gone", "soon")
	deleteKey(t, seed, "gone")
	room := newRoom(t, m, saveDoc(t, seed))

	// the local replica holds exactly what is upstream, deletion included
	doc := newDoc(t)
	require.NoError(t, doc.Apply(saveDoc(t, seed), crdt.OriginIngestion))

	engine := forcedDiff{diff: crdt.Fragment("delete set only")}
	_, res := startProvider(t, doc, room, m, Options{Engine: engine})
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Empty(t, updates(m, room))
}

func TestReconcilePublishesDeletesMissingUpstream(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, saveDoc(t, newDoc(t)))

	doc := newDoc(t)
	setKey(t, doc, "gone", "soon")
	deleteKey(t, doc, "gone")

	forced := crdt.Fragment("delete set only")
	_, res := startProvider(t, doc, room, m, Options{Engine: forcedDiff{diff: forced}})
	assert.Equal(t, OutcomeRepublished, res.Outcome)

	published := updates(m, room)
	require.Len(t, published, 1)
	assert.Equal(t, envelope.Encode(forced), published[0].Content)
}

func TestReconcileNeverPublishesTrivialFragments(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, saveDoc(t, newDoc(t)))

	doc := newDoc(t)
	setKey(t, doc, "offline", "edit")

	_, res := startProvider(t, doc, room, m, Options{Engine: largeEmpty{}})
	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Empty(t, updates(m, room))
}

func TestReconcileTransportError(t *testing.T) {
	m := relay.NewMemory()
	room := newRoom(t, m, saveDoc(t, newDoc(t)))
	m.FailPublish(assert.AnError)

	doc := newDoc(t)
	setKey(t, doc, "offline", "edit")
	_, res := startProvider(t, doc, room, m, Options{})
	assert.Equal(t, OutcomeTransportError, res.Outcome)
	assert.ErrorIs(t, res.Err, assert.AnError)
	assert.True(t, res.Retryable())

	m.FailPublish(nil)
}

func TestOutcomeString(t *testing.T) {
	for outcome, want := range map[Outcome]string{
		OutcomeSynced:         "synced",
		OutcomeRepublished:    "republished",
		OutcomeSuppressed:     "suppressed",
		OutcomeTransportError: "transport-error",
		OutcomeUnsynced:       "unsynced",
		Outcome(99):           "outcome(99)",
	} {
		assert.Equal(t, want, outcome.String())
	}
}
