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

// Mailvault — queue worker
//
// Drains the SQS notification queue that cmd/server fills in queue mode:
// long-polls for batches, runs the ingestion pipeline per message, and
// deletes every received message whether or not ingestion succeeded.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/mailvault/ingestion/internal/config"
	"github.com/mailvault/ingestion/internal/dedup"
	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/ingest"
	"github.com/mailvault/ingestion/internal/queue"
	"github.com/mailvault/ingestion/internal/store"
	"github.com/mailvault/ingestion/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailvault queue worker")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	for _, check := range []func() error{cfg.RequireGraph, cfg.RequireStore, cfg.RequireQueue} {
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
			slog.Info("redis dedup filter enabled")
		}
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Mail:  mail,
		Blobs: bucket,
		Seen:  seen,
	})

	sqsClient, err := queue.NewSQSClient(ctx, cfg.QueueRegion)
	if err != nil {
		slog.Error("failed to create SQS client", "error", err)
		os.Exit(1)
	}
	q := queue.New(sqsClient, cfg.QueueURL)

	w := worker.New(worker.Config{
		Queue:     q,
		Ingestor:  pipeline,
		BatchSize: cfg.BatchSize,
		WaitTime:  cfg.WaitTime,
	})

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	slog.Info("queue worker stopped")
}
