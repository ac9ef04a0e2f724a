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

// Mailvault — webhook server
//
// Receives Microsoft Graph change notifications for the watched mailbox
// and archives file attachments to the object store. It:
//  1. Loads configuration from config.yaml / environment
//  2. Builds an OAuth2 Graph client and an S3-compatible store client
//  3. Serves the webhook endpoint (validation handshake + notifications)
//  4. In inline mode runs the ingestion pipeline directly; in queue mode
//     forwards notifications to SQS for cmd/worker to drain
//  5. Handles graceful shutdown on SIGTERM/SIGINT, draining in-flight
//     batches before exit
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailvault/ingestion/internal/config"
	"github.com/mailvault/ingestion/internal/dedup"
	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/ingest"
	"github.com/mailvault/ingestion/internal/queue"
	"github.com/mailvault/ingestion/internal/store"
	"github.com/mailvault/ingestion/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailvault webhook server")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handler *webhook.Handler
	switch cfg.Mode {
	case config.ModeQueue:
		if err := cfg.RequireQueue(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
		sqsClient, err := queue.NewSQSClient(ctx, cfg.QueueRegion)
		if err != nil {
			slog.Error("failed to create SQS client", "error", err)
			os.Exit(1)
		}
		q := queue.New(sqsClient, cfg.QueueURL)
		handler = webhook.NewHandler(cfg.ClientState, nil, q)
		slog.Info("queue mode: notifications will be offloaded to SQS",
			"queue_url", cfg.QueueURL,
		)

	case config.ModeInline:
		// Graph credentials are only needed when ingesting in-process;
		// in queue mode the worker owns the Graph side.
		for _, check := range []func() error{cfg.RequireGraph, cfg.RequireStore} {
			if err := check(); err != nil {
				slog.Error("invalid configuration", "error", err)
				os.Exit(1)
			}
		}
		pipeline, err := buildPipeline(ctx, cfg)
		if err != nil {
			slog.Error("failed to build ingestion pipeline", "error", err)
			os.Exit(1)
		}
		handler = webhook.NewHandler(cfg.ClientState, pipeline, nil)
		slog.Info("inline mode: notifications will be ingested in-process")
	}

	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		// Batches already acknowledged with 202 finish before exit.
		handler.Drain()
	}()

	slog.Info("webhook server listening", "addr", addr, "mode", cfg.Mode)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	handler.Drain()
	slog.Info("webhook server stopped")
}

// buildPipeline wires the Graph client, object store, and optional Redis
// dedup filter into an ingestion pipeline.
func buildPipeline(ctx context.Context, cfg *config.Config) (*ingest.Pipeline, error) {
	httpClient := graph.NewHTTPClient(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	mail := graph.NewClient(httpClient, cfg.GraphBaseURL, cfg.Mailbox)

	s3Client := store.NewR2Client(cfg.StoreEndpoint, cfg.StoreAccessKey, cfg.StoreSecretKey)
	bucket := store.NewBucket(s3Client, cfg.StoreBucket)

	var seen ingest.SeenFilter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		filter := dedup.NewFilter(redis.NewClient(opt))
		if err := filter.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, dedup disabled", "error", err)
		} else {
			seen = filter
			slog.Info("redis dedup filter enabled")
		}
	}

	return ingest.NewPipeline(ingest.PipelineConfig{
		Mail:  mail,
		Blobs: bucket,
		Seen:  seen,
	}), nil
}
