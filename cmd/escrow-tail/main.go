// Package main follows the escrow event feed and prints each event as a JSON line.
//
// Usage:
//
//	escrow-tail --url ws://localhost:8080/v1/events/ws --after 0
//
// Progress is reported on stderr; on exit the last sequence number is printed
// so a later run can resume with --after.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"trade-escrow/internal/events/feed"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/v1/events/ws", "Event feed WebSocket URL")
	after := flag.Uint64("after", 0, "Replay events with a sequence number above this")
	kind := flag.String("kind", "", "Only print events of this kind")
	token := flag.String("token", os.Getenv("ESCROW_TOKEN"), "Optional bearer token")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := feed.DefaultSubscriberConfig()
	if *token != "" {
		cfg.Header = http.Header{"Authorization": []string{"Bearer " + *token}}
	}

	sub, err := feed.Subscribe(ctx, *url, *after, &cfg, logger)
	if err != nil {
		logger.Error("subscribe", "url", *url, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			fmt.Fprintf(os.Stderr, "last seq: %d\n", sub.LastSeq())
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if *kind != "" && msg.Kind != *kind {
				continue
			}
			if err := enc.Encode(msg); err != nil {
				logger.Error("write", "error", err)
				sub.Close()
				os.Exit(1)
			}
		}
	}
}
