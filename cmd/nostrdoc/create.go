package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/docstore"
	"github.com/astromechza/nostr-automerge/pkg/provider"
)

func newCreateCommand(rootOpts *rootOptions) *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Create a room and print its handle",
		Long: `Publish a room root event carrying the initial document and print the room handle.
The initial document is also kept in the local database so it can be joined straight away.

Example:
  nostrdoc create notes --relay ws://localhost:7447 --set title=draft`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := crdt.NewActorReplica()
			if err != nil {
				return err
			}
			if err := applySets(r, sets); err != nil {
				return err
			}
			initial, err := r.Save()
			if err != nil {
				return err
			}

			client, err := rootOpts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			room, err := provider.CreateRoom(ctx, client, args[0], initial, rootOpts.Config.ProviderOptions(slog.Default()))
			if err != nil {
				return fmt.Errorf("failed to create room: %w", err)
			}

			store, err := docstore.Open(rootOpts.Config.Database, slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Save(ctx, string(room), r); err != nil {
				return err
			}

			slog.Info("created room", "label", args[0], "room", room)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), room)
			return err
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "initial key=value, may be repeated")
	return cmd
}
