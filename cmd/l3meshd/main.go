// Command l3meshd runs the userspace layer-3 mesh forwarder: it owns a TUN
// device and a set of TCP mesh links to peers, shuttling whole L3 packets
// between them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"l3meshd/internal/config"
	"l3meshd/internal/engine"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/routesync"
)

func main() {
	os.Exit(run())
}

// run does all of the actual work so the top-level main can stay a
// one-liner around os.Exit.
func run() int {
	configPath := flag.String("config", "l3meshd.toml", "path to TOML configuration file")
	statsEvery := flag.Duration("stats-interval", 30*time.Second, "how often to log traffic counters (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "l3meshd:", err)
		return 1
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	selfV4, selfV6, err := parseSelfAddrs(cfg.Mesh)
	if err != nil {
		logger.Error("invalid self address", "err", err)
		return 1
	}

	tunDev, err := bringUpTUN(cfg.Tun)
	if err != nil {
		logger.Error("tun setup failed", "err", err)
		return 1
	}
	defer tunDev.Close()

	controls := engine.NewControls()
	eng, err := engine.New(engine.Config{
		TunFD:        tunDev.FD(),
		PeerFilePath: cfg.Mesh.PeerFile,
		SelfV4:       selfV4,
		SelfV6:       selfV6,
		ListenPort:   cfg.Mesh.ListenPort,
		RouteSink:    routesync.NewIPSet(cfg.Mesh.IPSetName, logger),
		Logger:       logger,
		Resolver:     net.DefaultResolver,
		Controls:     controls,
	})
	if err != nil {
		logger.Error("engine init failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					logger.Info("reload requested")
					controls.RequestReload()
				case syscall.SIGUSR1:
					logStats(logger, eng)
				}
			}
		}
	}()

	statsDone := make(chan struct{})
	if *statsEvery > 0 {
		go func() {
			defer close(statsDone)
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logStats(logger, eng)
				}
			}
		}()
	} else {
		close(statsDone)
	}

	reloadDone := make(chan struct{})
	if every, ok := parseReloadEvery(cfg.Mesh.ReloadEvery); ok {
		go func() {
			defer close(reloadDone)
			periodicReload(ctx, every, controls)
		}()
	} else {
		close(reloadDone)
	}

	runErr := eng.Run(ctx)
	<-sigDone
	<-statsDone
	<-reloadDone
	if runErr != nil {
		logger.Error("engine exited with error", "err", runErr)
		return 1
	}
	logger.Info("l3meshd stopped")
	return 0
}

func parseReloadEvery(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// periodicReload triggers a reload on a fixed cadence, independent of
// SIGHUP, for deployments that want reload-by-diff to self-heal roster
// drift without an external trigger.
func periodicReload(ctx context.Context, every time.Duration, controls *engine.Controls) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			controls.RequestReload()
		}
	}
}

func logStats(logger *slog.Logger, eng *engine.Engine) {
	s := eng.Stats()
	logger.Info("traffic counters",
		"tun_rx_packets", s.TunRx.Packets, "tun_rx_bytes", s.TunRx.Bytes,
		"tun_rx_drop_packets", s.TunRx.DropPackets, "tun_rx_drop_bytes", s.TunRx.DropBytes,
		"tun_tx_packets", s.TunTx.Packets, "tun_tx_bytes", s.TunTx.Bytes,
		"tun_tx_drop_packets", s.TunTx.DropPackets, "tun_tx_drop_bytes", s.TunTx.DropBytes,
		"world_rx_packets", s.WorldRx.Packets, "world_rx_bytes", s.WorldRx.Bytes,
		"world_rx_drop_packets", s.WorldRx.DropPackets, "world_rx_drop_bytes", s.WorldRx.DropBytes,
		"world_tx_packets", s.WorldTx.Packets, "world_tx_bytes", s.WorldTx.Bytes,
		"world_tx_drop_packets", s.WorldTx.DropPackets, "world_tx_drop_bytes", s.WorldTx.DropBytes,
	)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseSelfAddrs(cfg config.MeshConfig) (v4, v6 *netaddr.Addr, err error) {
	if cfg.SelfV4 != "" {
		a, err := netaddr.Parse(cfg.SelfV4)
		if err != nil {
			return nil, nil, fmt.Errorf("mesh.self_v4: %w", err)
		}
		v4 = &a
	}
	if cfg.SelfV6 != "" {
		a, err := netaddr.Parse(cfg.SelfV6)
		if err != nil {
			return nil, nil, fmt.Errorf("mesh.self_v6: %w", err)
		}
		v6 = &a
	}
	return v4, v6, nil
}
