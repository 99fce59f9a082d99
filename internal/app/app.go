// Package app wires the three independent components (Spark, KvStore,
// KvClient) and their external collaborators (netlinkfeed, peermanager) into
// one running node, the way the teacher's core.Start wires its own single
// router module.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/config"
	"github.com/fabricd/fabricd/internal/kvclient"
	"github.com/fabricd/fabricd/internal/kvstore"
	"github.com/fabricd/fabricd/internal/netlinkfeed"
	"github.com/fabricd/fabricd/internal/peermanager"
	"github.com/fabricd/fabricd/internal/spark"
	"github.com/fabricd/fabricd/pkg/model"
)

// Start builds and runs every component from a parsed LocalCfg. It blocks
// until ctx is cancelled or a fatal setup error occurs, mirroring the
// teacher's Start/MainLoop split.
func Start(ctx context.Context, cfg config.LocalCfg, log *slog.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watcher, err := netlinkfeed.NewWatcher(cfg.NodeName)
	if err != nil {
		return fmt.Errorf("app: starting netlink watcher: %w", err)
	}
	defer watcher.Close()

	sparkLoop := bus.NewLoop(ctx, cancel, log.With("component", "spark"))
	go sparkLoop.Run()

	events := make(chan model.NeighEventMsg, 64)
	sp, err := spark.NewFromConfig(cfg, log.With("component", "spark"), sparkLoop, events, watcher)
	if err != nil {
		return fmt.Errorf("app: starting spark: %w", err)
	}
	go sp.Run()

	storeLoop := bus.NewLoop(ctx, cancel, log.With("component", "kvstore"))
	go storeLoop.Run()

	listenAddr := fmt.Sprintf("[::]:%d", cfg.RpcCmdPort)
	transport, err := kvstore.NewTCPTransport(log.With("component", "kvstore-transport"), listenAddr)
	if err != nil {
		return fmt.Errorf("app: starting kvstore transport: %w", err)
	}
	defer transport.Close()

	store := kvstore.New(kvstore.Deps{
		Cfg:       cfg,
		Log:       log.With("component", "kvstore"),
		Loop:      storeLoop,
		Transport: transport,
		NodeId:    cfg.NodeName,
	})
	go store.Run()

	clientLoop := bus.NewLoop(ctx, cancel, log.With("component", "kvclient"))
	go clientLoop.Run()

	client := kvclient.New(kvclient.Deps{
		Log:             log.With("component", "kvclient"),
		Loop:            clientLoop,
		Store:           store,
		NodeId:          cfg.NodeName,
		ClearOnShutdown: cfg.ClearOnShutdown,
		AuditInterval:   cfg.DbSyncInterval,
	})
	if err := client.Start(ctx, cfg.AreaNames(), cfg.KvAdvertiseInterval); err != nil {
		return fmt.Errorf("app: starting kvclient: %w", err)
	}
	defer client.Close(ctx)

	mgr := peermanager.New(log.With("component", "peermanager"), store, events)
	go mgr.Run()
	defer mgr.Close()

	go relayInterfaces(watcher, sp, cfg.EnableV4)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	log.Info("fabricd is running; send SIGINT or SIGTERM to stop")
	select {
	case <-c:
		cancel(errors.New("received shutdown signal"))
	case <-ctx.Done():
	}
	return nil
}

// relayInterfaces turns netlinkfeed snapshots into the qualifying-interface
// set Spark consumes (§6).
func relayInterfaces(w *netlinkfeed.Watcher, sp *spark.Spark, enableV4 bool) {
	for db := range w.Updates() {
		ifs := make(map[string]model.Interface, len(db.Interfaces))
		for name, st := range db.Interfaces {
			if iface, ok := model.QualifyInterface(name, st, enableV4); ok {
				ifs[name] = iface
			}
		}
		sp.SetInterfaces(ifs)
	}
}
