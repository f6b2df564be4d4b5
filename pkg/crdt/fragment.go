// Package crdt adapts automerge-go to the fragment / state vector / snapshot vocabulary used by
// the synchronization provider.
//
// A Fragment is a concatenation of encoded automerge changes. A fragment need not carry the
// dependencies of its changes: merging and diffing work on the changes alone, and a Replica
// holds back any change whose dependencies it has not seen yet. Applying the same fragment
// twice is a no-op.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// Fragment is an opaque binary delta of a document.
type Fragment []byte

// StateVector summarises which changes a fragment contains. It is the sorted concatenation of
// every change hash in the fragment.
type StateVector []byte

// EmptyFragmentSize is the encoded length of a fragment carrying no changes.
const EmptyFragmentSize = 0

const hashSize = len(automerge.ChangeHash{})

// ErrInvalidFragment is returned for bytes that are not a sequence of encoded automerge changes.
var ErrInvalidFragment = errors.New("invalid fragment")

// Automerge implements the engine capabilities on top of automerge's change encoding. None of
// them need a change's dependencies to be present, so fragments can be merged and diffed in any
// order.
type Automerge struct{}

// Merge combines fragments into one fragment holding the union of their changes. Order of the
// arguments does not matter.
func (Automerge) Merge(fragments ...Fragment) (Fragment, error) {
	all := make([]change, 0)
	for _, f := range fragments {
		changes, err := splitFragment(f)
		if err != nil {
			return nil, err
		}
		all = append(all, changes...)
	}
	return joinChanges(causalOrder(all)), nil
}

// StateVector derives the state vector of a fragment.
func (Automerge) StateVector(fragment Fragment) (StateVector, error) {
	changes, err := splitFragment(fragment)
	if err != nil {
		return nil, err
	}
	hashes := make([]automerge.ChangeHash, 0, len(changes))
	seen := make(map[automerge.ChangeHash]struct{}, len(changes))
	for _, c := range changes {
		if _, ok := seen[c.hash]; !ok {
			seen[c.hash] = struct{}{}
			hashes = append(hashes, c.hash)
		}
	}
	sortHashes(hashes)
	out := make(StateVector, 0, len(hashes)*hashSize)
	for _, h := range hashes {
		out = append(out, h[:]...)
	}
	return out, nil
}

// Diff returns the changes of fragment that are not summarised by vector.
func (Automerge) Diff(fragment Fragment, vector StateVector) (Fragment, error) {
	seen, err := decodeVector(vector)
	if err != nil {
		return nil, err
	}
	changes, err := splitFragment(fragment)
	if err != nil {
		return nil, err
	}
	missing := make([]change, 0)
	for _, c := range changes {
		if _, ok := seen[c.hash]; !ok {
			missing = append(missing, c)
		}
	}
	return joinChanges(causalOrder(missing)), nil
}

// SnapshotOf snapshots the changes carried by fragment.
func (Automerge) SnapshotOf(fragment Fragment) (Snapshot, error) {
	changes, err := splitFragment(fragment)
	if err != nil {
		return Snapshot{}, err
	}
	hashes := make([]automerge.ChangeHash, 0, len(changes))
	for _, c := range changes {
		hashes = append(hashes, c.hash)
	}
	return newSnapshot(hashes), nil
}

// EmptyFragmentSize reports the encoded size of an empty fragment.
func (Automerge) EmptyFragmentSize() int {
	return EmptyFragmentSize
}

func encodeChanges(changes []*automerge.Change) Fragment {
	return automerge.SaveChanges(changes)
}

func sortHashes(hashes []automerge.ChangeHash) {
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
}

func decodeVector(vector StateVector) (map[automerge.ChangeHash]struct{}, error) {
	if len(vector)%hashSize != 0 {
		return nil, fmt.Errorf("state vector length %d is not a multiple of %d", len(vector), hashSize)
	}
	out := make(map[automerge.ChangeHash]struct{}, len(vector)/hashSize)
	for i := 0; i < len(vector); i += hashSize {
		var h automerge.ChangeHash
		copy(h[:], vector[i:i+hashSize])
		out[h] = struct{}{}
	}
	return out, nil
}
