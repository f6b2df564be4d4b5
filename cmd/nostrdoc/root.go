package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/nostr-automerge/pkg/config"
	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/relay"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose    bool
	ConfigPath string
	Relays     []string
	SecretKey  string
	Database   string

	Config config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "nostrdoc",
		Short: "Collaborative automerge documents over Nostr relays",
		Long: `nostrdoc keeps a local automerge document in sync with other participants by
publishing signed change fragments to one or more Nostr relays.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel := slog.LevelInfo
			if opts.Verbose {
				logLevel = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

			c, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if len(opts.Relays) > 0 {
				c.Relays = opts.Relays
			}
			if opts.SecretKey != "" {
				c.SecretKey = opts.SecretKey
			}
			if opts.Database != "" {
				c.Database = opts.Database
			}
			if err := c.Validate(); err != nil {
				return err
			}
			opts.Config = c
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a yaml config file")
	cmd.PersistentFlags().StringSliceVar(&opts.Relays, "relay", nil, "relay websocket url, may be repeated")
	cmd.PersistentFlags().StringVar(&opts.SecretKey, "secret-key", "", "hex signing key, random when empty")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the local document database")

	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newJoinCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))

	return cmd
}

func (o *rootOptions) connect(ctx context.Context) (*relay.Client, error) {
	if len(o.Config.Relays) == 0 {
		return nil, relay.ErrNoRelays
	}
	return relay.Connect(ctx, o.Config.Relays, slog.Default())
}

// waitForSignal blocks until SIGINT or SIGTERM, or until ctx ends.
func waitForSignal(ctx context.Context) {
	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
}

// applySets applies "key=value" assignments to the root map of the replica.
func applySets(r *crdt.Replica, sets []string) error {
	if len(sets) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid assignment %q: expected key=value", s)
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return r.Change(func(doc *automerge.Doc) error {
		for _, p := range pairs {
			if err := doc.Path(p[0]).Set(p[1]); err != nil {
				return fmt.Errorf("failed to set %s: %w", p[0], err)
			}
		}
		return nil
	})
}
