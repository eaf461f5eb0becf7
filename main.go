package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"roomdrop/internal/core"
	"roomdrop/internal/httpapi"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	capacity := flag.Int("history", 5, "messages retained per room")
	debug := flag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relay", "version", Version, "addr", *addr, "history", *capacity)

	relay := core.NewRelay(*capacity)
	server := httpapi.New(relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go runStats(ctx, relay, time.Minute)

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// runStats logs relay throughput every interval until ctx is canceled.
func runStats(ctx context.Context, relay *core.Relay, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, bytes, clients := relay.Stats()
			if clients > 0 || messages > 0 {
				slog.Info("relay stats", "clients", clients, "rooms", relay.RoomCount(), "messages", messages, "bytes", bytes)
			}
		}
	}
}
