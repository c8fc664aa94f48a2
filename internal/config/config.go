package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	ClusterName string
	Kubeconfig  string

	AuthDisabled  bool
	OIDCIssuer    string
	OIDCClientID  string
	SessionSecret string

	BatchInterval     time.Duration
	BatchMaxSize      int
	HeartbeatInterval time.Duration
	SendBufferSize    int
	MaxFrameSize      int64

	LogLevel string
}

func Load() *Config {
	return &Config{
		HTTPAddr:    envOr("CLUSTERVIZ_ADDR", ":8080"),
		ClusterName: envOr("CLUSTERVIZ_CLUSTER_NAME", "default"),
		Kubeconfig:  envOr("CLUSTERVIZ_KUBECONFIG", ""),

		AuthDisabled:  envBoolOr("CLUSTERVIZ_AUTH_DISABLED", true),
		OIDCIssuer:    envOr("CLUSTERVIZ_OIDC_ISSUER", ""),
		OIDCClientID:  envOr("CLUSTERVIZ_OIDC_CLIENT_ID", ""),
		SessionSecret: envOr("CLUSTERVIZ_SESSION_SECRET", ""),

		BatchInterval:     envDurOr("CLUSTERVIZ_BATCH_INTERVAL", 100*time.Millisecond),
		BatchMaxSize:      envIntOr("CLUSTERVIZ_BATCH_MAX_SIZE", 50),
		HeartbeatInterval: envDurOr("CLUSTERVIZ_HEARTBEAT_INTERVAL", 30*time.Second),
		SendBufferSize:    envIntOr("CLUSTERVIZ_SEND_BUFFER", 256),
		MaxFrameSize:      int64(envIntOr("CLUSTERVIZ_MAX_FRAME_BYTES", 1<<20)),

		LogLevel: envOr("CLUSTERVIZ_LOG_LEVEL", "info"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
