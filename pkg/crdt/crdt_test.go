package crdt

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplica(t *testing.T) *Replica {
	t.Helper()
	r, err := NewActorReplica()
	require.NoError(t, err)
	return r
}

func set(t *testing.T, r *Replica, key string, value any) {
	t.Helper()
	require.NoError(t, r.Change(func(doc *automerge.Doc) error {
		return doc.Path(key).Set(value)
	}))
}

func get(t *testing.T, r *Replica, key string) string {
	t.Helper()
	var out string
	require.NoError(t, r.Read(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err != nil {
			return err
		}
		out = v.Str()
		return nil
	}))
	return out
}

func save(t *testing.T, r *Replica) Fragment {
	t.Helper()
	f, err := r.Save()
	require.NoError(t, err)
	return f
}

func TestMergeIsOrderIndependent(t *testing.T) {
	a, b := newReplica(t), newReplica(t)
	set(t, a, "x", "from-a")
	set(t, b, "y", "from-b")

	var e Automerge
	ab, err := e.Merge(save(t, a), save(t, b))
	require.NoError(t, err)
	ba, err := e.Merge(save(t, b), save(t, a))
	require.NoError(t, err)

	vab, err := e.StateVector(ab)
	require.NoError(t, err)
	vba, err := e.StateVector(ba)
	require.NoError(t, err)
	assert.Equal(t, vab, vba)
	assert.Len(t, vab, 2*hashSize)
}

func TestMergeOfNothingIsEmpty(t *testing.T) {
	var e Automerge
	out, err := e.Merge()
	require.NoError(t, err)
	assert.Len(t, out, EmptyFragmentSize)

	out, err = e.Merge(Fragment{}, nil)
	require.NoError(t, err)
	assert.Len(t, out, EmptyFragmentSize)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := newReplica(t)
	set(t, a, "x", "1")
	f := save(t, a)

	var e Automerge
	twice, err := e.Merge(f, f)
	require.NoError(t, err)
	assert.Equal(t, f, twice)
}

func TestDiffAgainstOwnVectorIsEmpty(t *testing.T) {
	a := newReplica(t)
	set(t, a, "x", "1")
	set(t, a, "y", "2")
	f := save(t, a)

	var e Automerge
	v, err := e.StateVector(f)
	require.NoError(t, err)
	d, err := e.Diff(f, v)
	require.NoError(t, err)
	assert.Len(t, d, EmptyFragmentSize)
}

func TestDiffReturnsOnlyUnseenChanges(t *testing.T) {
	remote := newReplica(t)
	set(t, remote, "shared", "yes")

	local := newReplica(t)
	require.NoError(t, local.Apply(save(t, remote), OriginIngestion))
	set(t, local, "local", "only")

	var e Automerge
	remoteVector, err := e.StateVector(save(t, remote))
	require.NoError(t, err)
	missing, err := e.Diff(save(t, local), remoteVector)
	require.NoError(t, err)
	require.NotEmpty(t, missing)

	require.NoError(t, remote.Apply(missing, OriginIngestion))
	assert.Equal(t, "only", get(t, remote, "local"))
	assert.Equal(t, "yes", get(t, remote, "shared"))
}

func TestDiffRejectsTruncatedVector(t *testing.T) {
	var e Automerge
	_, err := e.Diff(Fragment{}, StateVector{1, 2, 3})
	assert.Error(t, err)
}

func TestLoadFragmentRejectsGarbage(t *testing.T) {
	var e Automerge
	_, err := e.Merge(Fragment("definitely not automerge"))
	assert.ErrorIs(t, err, ErrInvalidFragment)

	r := newReplica(t)
	assert.ErrorIs(t, r.Apply(Fragment("still not automerge"), OriginIngestion), ErrInvalidFragment)
}

func TestReplicaNotifiesObserversWithOrigin(t *testing.T) {
	a, b := newReplica(t), newReplica(t)

	type seen struct {
		fragment Fragment
		origin   Origin
	}
	var got []seen
	cancel := b.Observe(func(f Fragment, o Origin) {
		got = append(got, seen{f, o})
	})

	set(t, a, "k", "v")
	require.NoError(t, b.Apply(save(t, a), OriginIngestion))
	set(t, b, "other", "w")

	require.Len(t, got, 2)
	assert.Equal(t, OriginIngestion, got[0].origin)
	assert.Equal(t, OriginExternal, got[1].origin)

	// re-applying known changes is silent
	require.NoError(t, b.Apply(save(t, a), OriginIngestion))
	assert.Len(t, got, 2)

	cancel()
	set(t, b, "after", "cancel")
	assert.Len(t, got, 2)
}

func TestSnapshotContainsAllDeletions(t *testing.T) {
	a := newReplica(t)
	set(t, a, "k", "v")
	require.NoError(t, a.Change(func(doc *automerge.Doc) error {
		return doc.RootMap().Delete("k")
	}))
	before, err := a.Snapshot()
	require.NoError(t, err)

	var e Automerge
	upstream, err := e.SnapshotOf(save(t, a))
	require.NoError(t, err)
	assert.True(t, upstream.ContainsAllDeletions(before))

	empty, err := e.SnapshotOf(Fragment{})
	require.NoError(t, err)
	assert.False(t, empty.ContainsAllDeletions(before))
	assert.True(t, before.ContainsAllDeletions(empty))
	assert.Equal(t, 2, before.Len())
}

func TestReplicaRoundTripsThroughBytes(t *testing.T) {
	a := newReplica(t)
	set(t, a, "k", "v")

	b, err := LoadReplica(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "v", get(t, b, "k"))
}

func TestOriginString(t *testing.T) {
	assert.Equal(t, "external", OriginExternal.String())
	assert.Equal(t, "publish-echo", OriginPublishEcho.String())
	assert.Equal(t, "ingestion", OriginIngestion.String())
	assert.Equal(t, "origin(9)", Origin(9).String())
}

// capture returns the fragments observed while fn runs, one per replica change.
func capture(t *testing.T, r *Replica, fn func()) []Fragment {
	t.Helper()
	out := make([]Fragment, 0)
	unobserve := r.Observe(func(f Fragment, _ Origin) {
		out = append(out, f)
	})
	defer unobserve()
	fn()
	return out
}

func has(t *testing.T, r *Replica, key string) bool {
	t.Helper()
	var out bool
	require.NoError(t, r.Read(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err != nil {
			return err
		}
		out = !v.IsVoid()
		return nil
	}))
	return out
}

func TestMergeOfFragmentWithoutItsDependencies(t *testing.T) {
	r := newReplica(t)
	set(t, r, "first", "1")
	later := capture(t, r, func() { set(t, r, "second", "2") })
	require.Len(t, later, 1)

	var e Automerge
	merged, err := e.Merge(later[0])
	require.NoError(t, err)
	assert.Equal(t, later[0], merged)

	v, err := e.StateVector(merged)
	require.NoError(t, err)
	assert.Len(t, v, hashSize)

	diff, err := e.Diff(save(t, r), v)
	require.NoError(t, err)
	assert.NotEmpty(t, diff)

	s, err := e.SnapshotOf(merged)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestMergeOrdersDependenciesFirst(t *testing.T) {
	r := newReplica(t)
	first := capture(t, r, func() { set(t, r, "first", "1") })
	second := capture(t, r, func() { set(t, r, "second", "2") })

	var e Automerge
	merged, err := e.Merge(second[0], first[0])
	require.NoError(t, err)
	assert.Equal(t, save(t, r), merged)

	fresh := newReplica(t)
	require.NoError(t, fresh.Apply(merged, OriginIngestion))
	assert.Equal(t, "2", get(t, fresh, "second"))
}

func TestApplyHoldsChangesUntilDependenciesArrive(t *testing.T) {
	r := newReplica(t)
	first := capture(t, r, func() { set(t, r, "first", "1") })
	second := capture(t, r, func() { set(t, r, "second", "2") })

	other := newReplica(t)
	var notified []Fragment
	unobserve := other.Observe(func(f Fragment, _ Origin) {
		notified = append(notified, f)
	})
	defer unobserve()

	require.NoError(t, other.Apply(second[0], OriginIngestion))
	assert.False(t, has(t, other, "second"))
	assert.Equal(t, 1, other.Waiting())
	assert.Empty(t, notified)

	require.NoError(t, other.Apply(first[0], OriginIngestion))
	assert.Equal(t, "1", get(t, other, "first"))
	assert.Equal(t, "2", get(t, other, "second"))
	assert.Equal(t, 0, other.Waiting())
	require.Len(t, notified, 1)

	var e Automerge
	v, err := e.StateVector(notified[0])
	require.NoError(t, err)
	assert.Len(t, v, 2*hashSize)

	// a repeat is neither queued nor announced
	require.NoError(t, other.Apply(second[0], OriginIngestion))
	assert.Equal(t, 0, other.Waiting())
	assert.Len(t, notified, 1)
}
