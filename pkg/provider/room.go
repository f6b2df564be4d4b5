package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/envelope"
	"github.com/astromechza/nostr-automerge/pkg/relay"
)

// RoomHandle identifies a room: the id of its root event.
type RoomHandle string

// ErrRoomNotEchoed is returned by CreateRoom when the relay never sent the root event back and
// Options.RequireEcho is set.
var ErrRoomNotEchoed = errors.New("room root event was not echoed by the relay")

// CreateRoom publishes a root event carrying initial and returns its id once the relay has echoed
// it back on a fresh subscription for the event kind. Calling it twice creates two rooms.
//
// If nothing is seen within Options.CreateTimeout the locally computed id of the root event is
// returned, unless Options.RequireEcho is set.
func CreateRoom(ctx context.Context, r relay.Relay, label string, initial crdt.Fragment, opts Options) (RoomHandle, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return "", err
	}
	logger := opts.Logger.With("label", label)

	waitCtx, cancel := context.WithTimeout(ctx, opts.CreateTimeout)
	defer cancel()

	// only look back a second so an unrelated older root is not picked up
	sub, err := r.Subscribe(waitCtx, envelope.RecentKindFilter(opts.Kind, nostr.Now()-1))
	if err != nil {
		return "", fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	root := envelope.NewRootEvent(opts.Kind, label, initial, nostr.Now())
	if err := envelope.Sign(&root, opts.SecretKey); err != nil {
		return "", err
	}
	if err := r.Publish(waitCtx, root); err != nil {
		return "", fmt.Errorf("failed to publish room: %w", err)
	}
	logger.Info("published room", "id", root.ID)

wait:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				<-waitCtx.Done()
				break wait
			}
			// another participant's root created in the same second is not ours
			if ev.ID != root.ID {
				logger.Debug("ignoring unrelated root", "id", ev.ID)
				continue
			}
			logger.Info("room created", "room", ev.ID)
			return RoomHandle(ev.ID), nil
		case <-waitCtx.Done():
			break wait
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if opts.RequireEcho {
		return "", ErrRoomNotEchoed
	}
	logger.Warn("room root was not echoed, using local id", "room", root.ID)
	return RoomHandle(root.ID), nil
}
