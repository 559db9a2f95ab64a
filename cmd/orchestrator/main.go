// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the BabyNest backend HTTP server.
//
// Configuration comes from flags whose defaults are read from the
// environment, so a container only needs environment variables.
//
// # Environment Variables
//
//   - PORT: HTTP server port (default: 8001)
//   - GIN_MODE: gin mode, debug or release
//   - LOG_LEVEL, LOG_DIR: logging (default: info, console only)
//   - LLM_PRIMARY_BACKEND, LLM_FALLBACK_BACKEND, LLM_TIMEOUT: model gateway
//     (default: groq, gemini, 60s)
//   - GROQ_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, OLLAMA_BASE_URL and the
//     matching *_MODEL variables: read by each backend
//   - WEAVIATE_SERVICE_URL, EMBEDDING_SERVICE_URL: knowledge store (optional)
//   - TAVILY_API_KEY: web search (optional, DuckDuckGo otherwise)
//   - SESSION_STORE, BADGER_PATH, REDIS_ADDR, REDIS_PASSWORD, SESSION_TTL:
//     conversation memory
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace export (optional)
//   - N8N_WEBHOOK_URL: webhook forwarding (optional)
//   - PIPELINE_CONFIG_DIR: agents.yaml/tasks.yaml override (optional)
//   - RATE_LIMIT_PER_MINUTE: per-client budget on /api (default: 5)
//
// # Usage
//
//	orchestrator                 # serve
//	orchestrator --port 9000     # serve on another port
//	orchestrator check-config    # validate configuration and exit
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/babynest/pkg/logging"
	"github.com/AleutianAI/babynest/services/orchestrator"
	"github.com/spf13/cobra"
)

var (
	cfg      orchestrator.Config
	logLevel string
	logDir   string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "BabyNest conversational backend",
		Long: `Serves the BabyNest chat API: routed answers from a single model or
the multi-agent research pipeline, with per-session memory.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and pipeline definition, then exit",
		RunE:  runCheckConfig,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVar(&cfg.Port, "port", getEnvInt("PORT", 8001), "HTTP server port")
	flags.StringVar(&cfg.GinMode, "gin-mode", os.Getenv("GIN_MODE"), "gin mode (debug, release)")
	flags.StringSliceVar(&cfg.TrustedProxies, "trusted-proxies", getEnvList("TRUSTED_PROXIES"), "proxies allowed to set X-Forwarded-For")

	flags.StringVar(&logLevel, "log-level", getEnvString("LOG_LEVEL", "info"), "debug, info, warn or error")
	flags.StringVar(&logDir, "log-dir", os.Getenv("LOG_DIR"), "also write JSON logs to this directory")
	flags.BoolVar(&logJSON, "log-json", getEnvString("LOG_FORMAT", "json") == "json", "JSON console logs")

	flags.StringVar(&cfg.LLMPrimaryBackend, "llm-primary", getEnvString("LLM_PRIMARY_BACKEND", "groq"), "primary model backend")
	flags.StringVar(&cfg.LLMFallbackBackend, "llm-fallback", getEnvString("LLM_FALLBACK_BACKEND", "gemini"), "fallback model backend, or none")
	flags.DurationVar(&cfg.LLMTimeout, "llm-timeout", getEnvDuration("LLM_TIMEOUT", 60*time.Second), "per-attempt model timeout")

	flags.StringVar(&cfg.WeaviateURL, "weaviate-url", os.Getenv("WEAVIATE_SERVICE_URL"), "weaviate knowledge store URL")
	flags.StringVar(&cfg.EmbeddingServiceURL, "embedding-url", os.Getenv("EMBEDDING_SERVICE_URL"), "embedding service URL")
	flags.StringVar(&cfg.TavilyAPIKey, "tavily-api-key", os.Getenv("TAVILY_API_KEY"), "Tavily API key")

	flags.StringVar(&cfg.SessionStore, "session-store", getEnvString("SESSION_STORE", orchestrator.StoreBadger), "badger, redis or memory")
	flags.StringVar(&cfg.BadgerPath, "badger-path", getEnvString("BADGER_PATH", "./data/sessions"), "badger directory")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address")
	flags.DurationVar(&cfg.SessionTTL, "session-ttl", getEnvDuration("SESSION_TTL", 24*time.Hour), "idle session expiry")

	flags.StringVar(&cfg.OTelEndpoint, "otel-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP gRPC collector")
	flags.StringVar(&cfg.N8NWebhookURL, "n8n-webhook-url", os.Getenv("N8N_WEBHOOK_URL"), "n8n webhook URL")

	flags.StringVar(&cfg.PipelineConfigDir, "pipeline-config-dir", os.Getenv("PIPELINE_CONFIG_DIR"), "agents.yaml/tasks.yaml directory")
	flags.IntVar(&cfg.PipelineMaxConcurrency, "pipeline-concurrency", getEnvInt("PIPELINE_MAX_CONCURRENCY", 1), "parallel independent pipeline tasks")
	flags.DurationVar(&cfg.PipelineTaskTimeout, "pipeline-task-timeout", getEnvDuration("PIPELINE_TASK_TIMEOUT", 0), "per-task timeout, 0 for none")

	flags.IntVar(&cfg.RateLimitPerMinute, "rate-limit", getEnvInt("RATE_LIMIT_PER_MINUTE", 5), "requests per minute per client on /api")

	// Secrets stay out of flags.
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog logger.
func setupLogging() (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "orchestrator",
		JSON:    logJSON,
	})
	slog.SetDefault(logger.Slog())
	return logger, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := setupLogging()
	if err != nil {
		return err
	}
	defer logger.Close()

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_primary", cfg.LLMPrimaryBackend,
		"llm_fallback", cfg.LLMFallbackBackend,
		"session_store", cfg.SessionStore,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		return err
	}
	if err := svc.Run(); err != nil {
		slog.Error("Orchestrator error", "error", err)
		return err
	}
	return nil
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	if _, err := logging.ParseLevel(logLevel); err != nil {
		return err
	}
	if err := orchestrator.CheckConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
	return nil
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("Ignoring non-integer environment variable", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or whole seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("Ignoring invalid duration environment variable", "key", key, "value", value)
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
