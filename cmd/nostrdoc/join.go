package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/astromechza/nostr-automerge/pkg/crdt"
	"github.com/astromechza/nostr-automerge/pkg/docstore"
	"github.com/astromechza/nostr-automerge/pkg/provider"
)

type joinOptions struct {
	Sets        []string
	Increment   bool
	MetricsAddr string
}

func newJoinCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &joinOptions{}

	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Synchronise the local copy of a room until interrupted",
		Long: `Load the local copy of a room (or start an empty one), reconcile it with the relays and
keep it in sync until SIGINT or SIGTERM. The local copy is backed up to the database
periodically and on exit.

Example:
  nostrdoc join <room> --relay ws://localhost:7447 --set status=online
  nostrdoc join <room> --relay ws://localhost:7447 --increment`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), rootOpts, opts, provider.RoomHandle(args[0]))
		},
	}

	cmd.Flags().StringArrayVar(&opts.Sets, "set", nil, "key=value to write once live, may be repeated")
	cmd.Flags().BoolVar(&opts.Increment, "increment", false, "increment the counter key at random intervals")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runJoin(ctx context.Context, rootOpts *rootOptions, opts *joinOptions, room provider.RoomHandle) error {
	logger := slog.Default().With("room", room)
	cfg := rootOpts.Config

	store, err := docstore.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	r, found, err := store.Load(ctx, string(room))
	if err != nil {
		return err
	}
	if !found {
		if r, err = crdt.NewActorReplica(); err != nil {
			return err
		}
		logger.Info("starting from an empty document")
	}

	client, err := rootOpts.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := provider.New(r, room, client, cfg.ProviderOptions(logger))
	if err != nil {
		return err
	}
	defer p.Close()

	unobserve := r.Observe(func(_ crdt.Fragment, origin crdt.Origin) {
		if origin == crdt.OriginIngestion {
			logContents(logger, r, "received changes")
		}
	})
	defer unobserve()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	if opts.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, logger, opts.MetricsAddr)
		}()
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case res := <-p.Reconciled():
		if res.Err != nil {
			logger.Error("reconciliation failed", "outcome", res.Outcome, "retryable", res.Retryable(), "err", res.Err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	logContents(logger, r, "live")

	if err := applySets(r, opts.Sets); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		store.BackupContinuously(ctx, cfg.BackupInterval, string(room), r)
	}()

	if opts.Increment {
		wg.Add(1)
		go func() {
			defer wg.Done()
			incrementRandomlyContinuously(ctx, logger, r)
		}()
	}

	waitForSignal(ctx)
	if err := p.Close(); err != nil {
		logger.Error("failed to close provider", "err", err)
	}
	cancel()
	wg.Wait()
	return nil
}

func logContents(logger *slog.Logger, r *crdt.Replica, msg string) {
	_ = r.Read(func(doc *automerge.Doc) error {
		logger.Info(msg, "contents", doc.RootMap().GoString(), "heads", doc.Heads())
		return nil
	})
}

func incrementRandomlyContinuously(ctx context.Context, logger *slog.Logger, r *crdt.Replica) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			var value int64
			if err := r.Change(func(doc *automerge.Doc) error {
				if err := doc.Path("counter").Counter().Inc(1); err != nil {
					return err
				}
				value, _ = doc.Path("counter").Counter().Get()
				return nil
			}); err != nil {
				logger.Error("failed to increment counter", "err", err)
			} else {
				logger.Info("incremented", "value", value)
			}
		case <-ctx.Done():
			t.Stop()
			logger.Info("stopping scheduled increment")
			return
		}
	}
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(provider.Collectors()...)
	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listen failed", "err", err)
	}
}
