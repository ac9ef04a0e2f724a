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

// Package config loads configuration from an optional config.yaml and
// environment variables. YAML values may reference environment variables
// with ${VAR}; environment variables win when both are set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the webhook endpoint processes an accepted batch.
const (
	// ModeInline runs the ingestion pipeline directly from the webhook.
	ModeInline = "inline"
	// ModeQueue hands notifications to SQS and lets the worker drain them.
	ModeQueue = "queue"
)

// Config holds all configuration for the attachment archiver.
type Config struct {
	// Azure AD application identity (client-credential grant).
	TenantID     string
	ClientID     string
	ClientSecret string

	// Mailbox to read from. Empty means the application's own mailbox.
	Mailbox string

	// Shared secret echoed by Graph in each notification's clientState.
	// Empty disables validation (permissive default).
	ClientState string

	// Webhook server.
	Port int
	Mode string // ModeInline or ModeQueue

	// Object store (S3-compatible; Cloudflare R2 in production).
	StoreEndpoint  string
	StoreBucket    string
	StoreAccessKey string
	StoreSecretKey string

	// Queue (used when Mode is ModeQueue and by the worker).
	QueueURL    string
	QueueRegion string
	BatchSize   int
	WaitTime    time.Duration

	// Optional Redis-backed dedup filter. Empty disables it.
	RedisURL string

	// Subscription maintenance (cmd/subscribe only).
	DatabaseURL string
	WebhookURL  string
	RenewBuffer time.Duration

	// Overridable for sovereign clouds and tests.
	GraphBaseURL string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Azure struct {
		TenantID     string `yaml:"tenant_id"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"azure"`
	Mailbox     string `yaml:"mailbox"`
	ClientState string `yaml:"client_state"`
	Store       struct {
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key_id"`
		SecretKey string `yaml:"secret_access_key"`
	} `yaml:"store"`
	Queue struct {
		URL    string `yaml:"url"`
		Region string `yaml:"region"`
	} `yaml:"queue"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	DatabaseURL string `yaml:"database_url"`
	WebhookURL  string `yaml:"webhook_url"`
}

// Load reads configuration from config.yaml (when present, with env var
// expansion) and environment variables. Validation of required fields is
// left to the callers: the three binaries need different subsets.
func Load() (*Config, error) {
	var raw rawConfig

	configPath := envOrDefault("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		// Environment-only deployment (e.g. containers). Fine.
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		TenantID:     firstNonEmpty(os.Getenv("AZURE_TENANT_ID"), raw.Azure.TenantID),
		ClientID:     firstNonEmpty(os.Getenv("AZURE_CLIENT_ID"), raw.Azure.ClientID),
		ClientSecret: firstNonEmpty(os.Getenv("AZURE_CLIENT_SECRET"), raw.Azure.ClientSecret),
		Mailbox:      firstNonEmpty(os.Getenv("M365_SHARED_MAILBOX"), raw.Mailbox),
		ClientState:  firstNonEmpty(os.Getenv("GRAPH_WEBHOOK_CLIENT_STATE"), raw.ClientState),

		Port: envOrDefaultInt("PORT", 8080),
		Mode: strings.ToLower(envOrDefault("INGEST_MODE", ModeInline)),

		StoreEndpoint:  firstNonEmpty(os.Getenv("R2_ENDPOINT"), raw.Store.Endpoint),
		StoreBucket:    firstNonEmpty(os.Getenv("R2_BUCKET"), raw.Store.Bucket),
		StoreAccessKey: firstNonEmpty(os.Getenv("R2_ACCESS_KEY_ID"), raw.Store.AccessKey),
		StoreSecretKey: firstNonEmpty(os.Getenv("R2_SECRET_ACCESS_KEY"), raw.Store.SecretKey),

		QueueURL:    firstNonEmpty(os.Getenv("AWS_SQS_QUEUE_URL"), raw.Queue.URL),
		QueueRegion: firstNonEmpty(os.Getenv("AWS_REGION"), raw.Queue.Region, "us-east-1"),
		BatchSize:   envOrDefaultInt("QUEUE_BATCH_SIZE", 5),
		WaitTime:    envOrDefaultDuration("QUEUE_WAIT_TIME", 10*time.Second),

		RedisURL: firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL),

		DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), raw.DatabaseURL),
		WebhookURL:  firstNonEmpty(os.Getenv("WEBHOOK_URL"), raw.WebhookURL),
		RenewBuffer: envOrDefaultDuration("SUBSCRIPTION_RENEW_BUFFER", 6*time.Hour),

		GraphBaseURL: envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
	}

	if cfg.Mode != ModeInline && cfg.Mode != ModeQueue {
		return nil, fmt.Errorf("invalid INGEST_MODE %q: want %q or %q", cfg.Mode, ModeInline, ModeQueue)
	}

	return cfg, nil
}

// RequireGraph validates the fields every Graph-facing binary needs.
func (c *Config) RequireGraph() error {
	if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required")
	}
	return nil
}

// RequireStore validates the object-store fields.
func (c *Config) RequireStore() error {
	if c.StoreEndpoint == "" || c.StoreBucket == "" {
		return fmt.Errorf("R2_ENDPOINT and R2_BUCKET are required")
	}
	if c.StoreAccessKey == "" || c.StoreSecretKey == "" {
		return fmt.Errorf("R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY are required")
	}
	return nil
}

// RequireQueue validates the queue fields.
func (c *Config) RequireQueue() error {
	if c.QueueURL == "" {
		return fmt.Errorf("AWS_SQS_QUEUE_URL is required")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
