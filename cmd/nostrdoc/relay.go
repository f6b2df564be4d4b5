package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/astromechza/nostr-automerge/pkg/relayserver"
)

func newRelayCommand(rootOpts *rootOptions) *cobra.Command {
	var listen, database string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a local Nostr relay backed by sqlite",
		Long: `Run a NIP-01 relay that stores every event in sqlite and serves it to subscribers.

Example:
  nostrdoc relay --listen localhost:7447 --relay-db ./relay.sqlite3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rootOpts.Config.Relay
			if listen != "" {
				c.Listen = listen
			}
			if database != "" {
				c.Database = database
			}

			slog.Info("Opening database", "path", c.Database)
			store, err := relayserver.OpenStore(c.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := relayserver.New(store, relayserver.Options{Name: c.Name, Logger: slog.Default()})
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				waitForSignal(ctx)
				cancel()
			}()
			return srv.ListenAndServe(ctx, c.Listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on")
	cmd.Flags().StringVar(&database, "relay-db", "", "path to the relay event database")
	return cmd
}
