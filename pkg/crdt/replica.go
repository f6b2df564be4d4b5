package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Origin says where a replica mutation came from. It is never transmitted.
type Origin int

const (
	// OriginExternal is a user or application edit.
	OriginExternal Origin = iota
	// OriginPublishEcho is a provider's own published fragment coming back to it.
	OriginPublishEcho
	// OriginIngestion is a fragment received from the relay and applied by a provider.
	OriginIngestion
)

func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginPublishEcho:
		return "publish-echo"
	case OriginIngestion:
		return "ingestion"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Observer is told about every change made to a replica.
type Observer func(fragment Fragment, origin Origin)

// Replica is the mutable local document. All access is serialised; observers are called after
// the lock is released, in the goroutine that made the change.
type Replica struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[uint64]Observer
	nextID    uint64
	// changes received before their dependencies
	waiting map[automerge.ChangeHash]change
}

// NewReplica wraps an existing document.
func NewReplica(doc *automerge.Doc) *Replica {
	return &Replica{
		doc:       doc,
		observers: make(map[uint64]Observer),
		waiting:   make(map[automerge.ChangeHash]change),
	}
}

// NewActorReplica creates an empty document with a fresh random actor id.
func NewActorReplica() (*Replica, error) {
	doc := automerge.New()
	if err := doc.SetActorID(NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return NewReplica(doc), nil
}

// LoadReplica restores a replica from the output of Replica.Bytes.
func LoadReplica(raw []byte) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	if err := doc.SetActorID(NewActorID()); err != nil {
		return nil, fmt.Errorf("failed to set actor id: %w", err)
	}
	return NewReplica(doc), nil
}

// NewActorID returns a random hex actor id.
func NewActorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Change runs fn against the document and notifies observers of the resulting changes as an
// external edit.
func (r *Replica) Change(fn func(doc *automerge.Doc) error) error {
	r.mu.Lock()
	before := r.doc.Heads()
	if err := fn(r.doc); err != nil {
		r.mu.Unlock()
		return err
	}
	changes, err := r.doc.Changes(before...)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	r.notify(encodeChanges(changes), OriginExternal)
	return nil
}

// Apply loads a fragment into the document. Changes whose dependencies are not in the document
// yet are held until a later Apply supplies them. Observers only hear about changes that were
// new to this replica.
func (r *Replica) Apply(fragment Fragment, origin Origin) error {
	incoming, err := splitFragment(fragment)
	if err != nil {
		return err
	}
	if len(incoming) == 0 {
		return nil
	}
	r.mu.Lock()
	before := r.doc.Heads()
	if err := r.applyReady(incoming); err != nil {
		r.mu.Unlock()
		return err
	}
	changes, err := r.doc.Changes(before...)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	r.notify(encodeChanges(changes), origin)
	return nil
}

// applyReady queues incoming and then loads queued changes in rounds until none of the rest
// have all their dependencies in the document. Callers hold r.mu.
func (r *Replica) applyReady(incoming []change) error {
	for _, c := range incoming {
		if !r.holds(c.hash) {
			r.waiting[c.hash] = c
		}
	}
	for {
		ready := make([]change, 0)
		for h, c := range r.waiting {
			if r.holdsAll(c.deps) {
				ready = append(ready, c)
				delete(r.waiting, h)
			}
		}
		if len(ready) == 0 {
			return nil
		}
		if err := r.doc.LoadIncremental(joinChanges(causalOrder(ready))); err != nil {
			return fmt.Errorf("failed to apply fragment: %w", err)
		}
	}
}

func (r *Replica) holds(h automerge.ChangeHash) bool {
	_, err := r.doc.Change(h)
	return err == nil
}

func (r *Replica) holdsAll(hashes []automerge.ChangeHash) bool {
	for _, h := range hashes {
		if !r.holds(h) {
			return false
		}
	}
	return true
}

// Waiting returns how many received changes are held back for missing dependencies.
func (r *Replica) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// Save encodes the whole replica as a fragment.
func (r *Replica) Save() (Fragment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes, err := r.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return encodeChanges(changes), nil
}

// Snapshot captures the set of changes currently in the replica.
func (r *Replica) Snapshot() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotDoc(r.doc)
}

// Bytes returns the compact automerge document encoding, suitable for LoadReplica.
func (r *Replica) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Read gives fn locked access to the document. fn must not mutate it.
func (r *Replica) Read(fn func(doc *automerge.Doc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.doc)
}

// Observe registers fn and returns a function that removes it.
func (r *Replica) Observe(fn Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Replica) notify(fragment Fragment, origin Origin) {
	if len(fragment) == EmptyFragmentSize {
		return
	}
	r.mu.Lock()
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()
	for _, o := range observers {
		o(fragment, origin)
	}
}
