package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Snapshot is the set of changes held by a replica at one point in time. Deletions in
// automerge are operations inside changes, so holding a change means holding its deletions.
type Snapshot struct {
	changes map[automerge.ChangeHash]struct{}
}

// Len returns the number of changes in the snapshot.
func (s Snapshot) Len() int {
	return len(s.changes)
}

// ContainsAllDeletions reports whether every deletion present in other is also present in s.
func (s Snapshot) ContainsAllDeletions(other Snapshot) bool {
	for h := range other.changes {
		if _, ok := s.changes[h]; !ok {
			return false
		}
	}
	return true
}

func snapshotDoc(doc *automerge.Doc) (Snapshot, error) {
	changes, err := doc.Changes()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list changes: %w", err)
	}
	hashes := make([]automerge.ChangeHash, 0, len(changes))
	for _, c := range changes {
		hashes = append(hashes, c.Hash())
	}
	return newSnapshot(hashes), nil
}

func newSnapshot(hashes []automerge.ChangeHash) Snapshot {
	out := Snapshot{changes: make(map[automerge.ChangeHash]struct{}, len(hashes))}
	for _, h := range hashes {
		out.changes[h] = struct{}{}
	}
	return out
}
