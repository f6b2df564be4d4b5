package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/docstore"
	"github.com/astromechza/nostr-automerge/pkg/viz"
)

type inspectOptions struct {
	File   string
	Graph  string
	Format string
	Path   []string
}

func newInspectCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect [room]",
		Short: "Print the contents and change history of a local document",
		Long: `Print the contents, heads and changes of a room's local copy, or of a saved automerge
file, and optionally render its change graph.

Example:
  nostrdoc inspect <room> --graph changes.svg --path counter
  nostrdoc inspect --file doc.automerge`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadForInspect(cmd, rootOpts, opts, args)
			if err != nil {
				return err
			}
			if err := printChanges(r); err != nil {
				return err
			}
			if opts.Graph != "" {
				nodePath := make([]interface{}, 0, len(opts.Path))
				for _, p := range opts.Path {
					nodePath = append(nodePath, p)
				}
				if err := viz.RenderToFile(r, nodePath, opts.Format, opts.Graph); err != nil {
					return err
				}
				slog.Info("rendered", "path", "file://"+opts.Graph)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "read a saved automerge document instead of the database")
	cmd.Flags().StringVar(&opts.Graph, "graph", "", "render the change graph to this file")
	cmd.Flags().StringVar(&opts.Format, "format", "svg", "graph format (svg|png|dot)")
	cmd.Flags().StringSliceVar(&opts.Path, "path", nil, "map keys of the value shown on each graph node")
	return cmd
}

func loadForInspect(cmd *cobra.Command, rootOpts *rootOptions, opts *inspectOptions, args []string) (*crdt.Replica, error) {
	if opts.File != "" {
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return crdt.LoadReplica(raw)
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one position argument: the room to inspect")
	}
	store, err := docstore.Open(rootOpts.Config.Database, slog.Default())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	r, ok, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s is not in %s", args[0], rootOpts.Config.Database)
	}
	return r, nil
}

func printChanges(r *crdt.Replica) error {
	return r.Read(func(doc *automerge.Doc) error {
		slog.Info("loaded doc", "contents", doc.RootMap().GoString())
		slog.Info("loaded heads", "heads", doc.Heads())
		changes, err := doc.Changes()
		if err != nil {
			return fmt.Errorf("failed to generate changes: %w", err)
		}
		for i, change := range changes {
			slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
		}
		return nil
	})
}
