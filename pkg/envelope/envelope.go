// Package envelope maps CRDT fragments onto Nostr events and back.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
)

// KindCRDTUpdate is the default event kind for room roots and updates.
const KindCRDTUpdate = 9137

const (
	// TagRoomLabel marks a room's root event and carries its human label.
	TagRoomLabel = "crdt"
	// TagRoomRef links an update event to its room's root event.
	TagRoomRef = "e"
)

// ErrMalformedContent is returned when an event's content is not a base64 fragment.
var ErrMalformedContent = errors.New("malformed event content")

// Encode turns a fragment into event content.
func Encode(fragment crdt.Fragment) string {
	return base64.StdEncoding.EncodeToString(fragment)
}

// Decode turns event content back into a fragment.
func Decode(content string) (crdt.Fragment, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	return raw, nil
}

// Fragments decodes every event of a batch. A single malformed event fails the whole batch.
func Fragments(events []*nostr.Event) ([]crdt.Fragment, error) {
	out := make([]crdt.Fragment, 0, len(events))
	for _, e := range events {
		f, err := Decode(e.Content)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// NewRootEvent builds the unsigned event that creates a room.
func NewRootEvent(kind int, label string, fragment crdt.Fragment, at nostr.Timestamp) nostr.Event {
	return nostr.Event{
		Kind:      kind,
		CreatedAt: at,
		Content:   Encode(fragment),
		Tags:      nostr.Tags{{TagRoomLabel, label}},
	}
}

// NewUpdateEvent builds the unsigned event that carries an update for a room.
func NewUpdateEvent(kind int, room string, fragment crdt.Fragment, at nostr.Timestamp) nostr.Event {
	return nostr.Event{
		Kind:      kind,
		CreatedAt: at,
		Content:   Encode(fragment),
		Tags:      nostr.Tags{{TagRoomRef, room}},
	}
}

// Sign fills in the public key, id and signature of ev.
func Sign(ev *nostr.Event, secretKey string) error {
	if err := ev.Sign(secretKey); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// RoomFilters match the room's root event and every event referencing it.
func RoomFilters(kind int, room string) nostr.Filters {
	return nostr.Filters{
		{IDs: []string{room}, Kinds: []int{kind}},
		{Kinds: []int{kind}, Tags: nostr.TagMap{TagRoomRef: []string{room}}},
	}
}

// RecentKindFilter matches events of kind created at or after since.
func RecentKindFilter(kind int, since nostr.Timestamp) nostr.Filters {
	return nostr.Filters{{Kinds: []int{kind}, Since: &since}}
}

// RoomLabel returns the label of a root event, if it is one.
func RoomLabel(ev *nostr.Event) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == TagRoomLabel {
			return tag[1], true
		}
	}
	return "", false
}
