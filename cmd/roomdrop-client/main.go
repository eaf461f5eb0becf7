// Command roomdrop-client joins one room from a terminal: it renders the
// cached mirror immediately, reconciles against the relay's snapshot, prints
// everything broadcast to the room, and submits stdin lines as text content.
// A line of the form "/file <path>" submits the file at <path>.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"roomdrop/internal/client"
	"roomdrop/internal/codec"
	"roomdrop/internal/mirror"
	"roomdrop/internal/protocol"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "relay base URL")
	roomID := flag.String("room", "", "room to join (required)")
	dbPath := flag.String("db", "roomdrop-mirror.db", "local mirror database path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if strings.TrimSpace(*roomID) == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		os.Exit(2)
	}

	store, err := mirror.Open(*dbPath)
	if err != nil {
		slog.Error("open mirror store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("close mirror store", "err", closeErr)
		}
	}()

	c, err := client.New(client.Options{
		ServerURL: *server,
		RoomID:    *roomID,
		Mirror:    store,
		OnHistory: func(msgs []protocol.Content, authoritative bool) {
			source := "cached"
			if authoritative {
				source = "live"
			}
			fmt.Printf("--- room %s (%s, %d messages) ---\n", *roomID, source, len(msgs))
			for _, m := range msgs {
				printContent(m)
			}
		},
		OnMessage: printContent,
		OnError: func(errMsg string) {
			fmt.Fprintf(os.Stderr, "rejected: %s\n", errMsg)
		},
	})
	if err != nil {
		slog.Error("create client", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if _, err := c.LoadCache(ctx); err != nil {
		slog.Warn("cache unavailable", "err", err)
	}

	go func() {
		if runErr := c.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			slog.Error("connection loop ended", "err", runErr)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if path, ok := strings.CutPrefix(line, "/file "); ok {
			if err := submitFile(c, strings.TrimSpace(path)); err != nil {
				fmt.Fprintf(os.Stderr, "send file: %v\n", err)
			}
			continue
		}
		if err := c.SubmitText(line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
}

func submitFile(c *client.Client, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	return c.SubmitFile(filepath.Base(path), mediaType, payload)
}

func printContent(m protocol.Content) {
	switch codec.Classify(m) {
	case codec.CategoryText:
		fmt.Printf("[%s] %s\n", shortID(m.SenderID), m.Body)
	case codec.CategoryImage:
		fmt.Printf("[%s] image: %s (%s)\n", shortID(m.SenderID), m.FileName, m.MediaType)
	case codec.CategoryPDF:
		fmt.Printf("[%s] pdf: %s\n", shortID(m.SenderID), m.FileName)
	default:
		fmt.Printf("[%s] document: %s (%s)\n", shortID(m.SenderID), m.FileName, m.MediaType)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "unknown"
	}
	return id
}
