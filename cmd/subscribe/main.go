// Copyright (c) 2026 Mailvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mailvault — subscription maintenance
//
// Manages the Graph change-notification subscription for the watched
// mailbox, persisting its state in Postgres.
//
//	subscribe -action ensure   create or renew the subscription, then exit
//	subscribe -action list     print the subscriptions Graph holds
//	subscribe -action watch    ensure, then keep renewing until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailvault/ingestion/internal/config"
	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/subscription"
)

func main() {
	action := flag.String("action", "ensure", "ensure, list, or watch")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.RequireGraph(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	httpClient := graph.NewHTTPClient(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret)

	if *action == "list" {
		// Listing needs no store; build a manager with just the client.
		mgr := subscription.NewManager(subscription.ManagerConfig{
			Client:       httpClient,
			GraphBaseURL: cfg.GraphBaseURL,
		})
		subs, err := mgr.ListRemote(ctx)
		if err != nil {
			slog.Error("failed to list subscriptions", "error", err)
			os.Exit(1)
		}
		if len(subs) == 0 {
			fmt.Println("no active subscriptions")
			return
		}
		for _, s := range subs {
			fmt.Printf("%s  %s  expires %s\n  -> %s\n",
				s.ID, s.Resource, s.ExpirationDateTime, s.NotificationURL)
		}
		return
	}

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.WebhookURL == "" {
		slog.Error("WEBHOOK_URL is required — Graph subscriptions need a public webhook endpoint")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	recs, err := subscription.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise subscription store", "error", err)
		os.Exit(1)
	}

	mgr := subscription.NewManager(subscription.ManagerConfig{
		Store:        recs,
		Client:       httpClient,
		Mailbox:      cfg.Mailbox,
		WebhookURL:   cfg.WebhookURL,
		ClientState:  cfg.ClientState,
		RenewBuffer:  cfg.RenewBuffer,
		GraphBaseURL: cfg.GraphBaseURL,
	})

	switch *action {
	case "ensure":
		if err := mgr.Ensure(ctx); err != nil {
			slog.Error("failed to ensure subscription", "error", err)
			os.Exit(1)
		}

	case "watch":
		if err := mgr.Start(ctx); err != nil {
			slog.Error("failed to start subscription manager", "error", err)
			os.Exit(1)
		}
		<-ctx.Done()
		mgr.Stop()

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q: want ensure, list, or watch\n", *action)
		os.Exit(2)
	}
}
