// Command tapstack runs the userspace TCP/IP stack against a Linux TAP
// device, per SPEC_FULL.md §4.3/§6. Configuration is environment-driven
// (see internal/config); there are no flags.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirulegion/tcpstack/dispatch"
	"github.com/kirulegion/tcpstack/internal"
	"github.com/kirulegion/tcpstack/internal/config"
	"github.com/kirulegion/tcpstack/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("failed:", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ourMAC, err := cfg.OurMAC()
	if err != nil {
		return err
	}
	ourIP, peerIP := cfg.OurIP.As4(), cfg.PeerIP.As4()

	prefix, err := netip.ParsePrefix(fmt.Sprintf("%s/24", cfg.OurIP))
	if err != nil {
		return err
	}
	tap, err := internal.NewTap(cfg.TapIf, prefix)
	if err != nil {
		return fmt.Errorf("tap %s: %w", cfg.TapIf, err)
	}
	defer tap.Close()

	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
			logger.Error("metrics server stopped", slog.String("err", err.Error()))
		}
	}()

	logger.Info("tapstack starting",
		slog.String("iface", cfg.TapIf),
		internal.SlogAddr4("our_ip", &ourIP),
		internal.SlogAddr4("peer_ip", &peerIP),
		internal.SlogAddr6("our_mac", &ourMAC),
		slog.Int("listen_port", config.ListenPort))

	d := dispatch.New(tap, ourMAC, ourIP, peerIP, m, logger)

	errc := make(chan error, 1)
	go func() { errc <- d.Run() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}
