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

// Mailvault — historical backfill
//
// One-shot catch-up: lists messages with attachments received within the
// lookback window and archives their attachments through the same pipeline
// the webhook uses. Run it after downtime, or once right after creating
// the subscription to cover messages that predate it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailvault/ingestion/internal/backfill"
	"github.com/mailvault/ingestion/internal/config"
	"github.com/mailvault/ingestion/internal/dedup"
	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/ingest"
	"github.com/mailvault/ingestion/internal/store"
)

func main() {
	since := flag.Duration("since", 7*24*time.Hour, "lookback window (e.g. 168h)")
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
	for _, check := range []func() error{cfg.RequireGraph, cfg.RequireStore} {
		if err := check(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	httpClient := graph.NewHTTPClient(ctx, cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	mail := graph.NewClient(httpClient, cfg.GraphBaseURL, cfg.Mailbox)

	s3Client := store.NewR2Client(cfg.StoreEndpoint, cfg.StoreAccessKey, cfg.StoreSecretKey)
	bucket := store.NewBucket(s3Client, cfg.StoreBucket)

	var seen ingest.SeenFilter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		filter := dedup.NewFilter(redis.NewClient(opt))
		if err := filter.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, dedup disabled", "error", err)
		} else {
			seen = filter
		}
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Mail:  mail,
		Blobs: bucket,
		Seen:  seen,
	})

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Client:       httpClient,
		GraphBaseURL: cfg.GraphBaseURL,
		Mailbox:      cfg.Mailbox,
		Ingestor:     pipeline,
	})

	res, err := runner.Run(ctx, *since)
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
	if res.Errors > 0 {
		os.Exit(1)
	}
}
