// Package config loads and validates relay configuration from the
// environment, following the nested-sub-config shape of the reference
// stack's config layer.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds the relay's bounded-wait deadlines (§5).
type TimeoutConfig struct {
	ActivationDeadline time.Duration // bounded wait for sandbox to reach running
	ShutdownGrace      time.Duration
	HTTPReadTimeout    time.Duration
	HTTPIdleTimeout    time.Duration
}

// ReplayConfig bounds the ConnectionRegistry's per-session replay buffer (§4.2).
type ReplayConfig struct {
	WindowSeconds int
	MaxEvents     int
}

// RetryConfig holds backoff settings for container-create conflicts and
// SQLite contention. The Docker provider uses the ContainerCreate fields;
// the store does not read the SQLiteBusy fields and retries with a fixed
// 5 attempts from a 100ms base delay.
type RetryConfig struct {
	ContainerCreateAttempts int
	ContainerCreateDelay    time.Duration
	SQLiteBusyAttempts      int
	SQLiteBusyBaseDelay     time.Duration
}

// IdleWatcherConfig controls the Idle/Activity Watcher's ticker (§4.10).
type IdleWatcherConfig struct {
	TickInterval       time.Duration
	DefaultIdleTimeout time.Duration // used when an environment doesn't specify one
}

// ResourceTierOverride holds small/medium/large CPU/memory values read
// from the environment. The sandbox providers size containers from the
// fixed domain.ResourceTierTable and do not apply these values.
type ResourceTierOverride struct {
	SmallCPUShares, MediumCPUShares, LargeCPUShares    int64
	SmallMemoryMiB, MediumMemoryMiB, LargeMemoryMiB    int64
}

// Config is the relay's fully resolved configuration, loaded once at startup.
type Config struct {
	Port string
	Env  string

	EncryptionKey        []byte // 32 raw bytes, decoded from RELAY_ENCRYPTION_KEY
	EncryptionKeyVersion int

	DataDir        string // base dir for <stateDir>/sessions/<id>/{workspace,agent,git}
	SecretsBaseDir string

	DockerNetworkName string
	DockerNetworkCIDR string
	RemoteWorkerAddr  string // gRPC health-check + HTTP control-plane base address

	Timeouts     TimeoutConfig
	Replay       ReplayConfig
	Retry        RetryConfig
	IdleWatcher  IdleWatcherConfig
	ResourceTier ResourceTierOverride

	AllowedOrigins []string
}

// Load reads configuration from the environment. Callers should have
// already attempted to load a .env file (see cmd/server).
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("RELAY_ENV", "production"),
		DataDir:           getEnv("RELAY_DATA_DIR", "./data"),
		SecretsBaseDir:    getEnv("RELAY_SECRETS_DIR", "/tmp/relay-secrets"),
		DockerNetworkName: getEnv("RELAY_DOCKER_NETWORK", "relay-sandboxes"),
		DockerNetworkCIDR: getEnv("RELAY_DOCKER_NETWORK_CIDR", "172.29.0.0/16"),
		RemoteWorkerAddr:  getEnv("RELAY_REMOTE_WORKER_ADDR", ""),
		AllowedOrigins:    strings.Split(getEnv("RELAY_ALLOWED_ORIGINS", "*"), ","),

		Timeouts: TimeoutConfig{
			ActivationDeadline: getEnvDuration("RELAY_ACTIVATION_DEADLINE", 10*time.Second),
			ShutdownGrace:      getEnvDuration("RELAY_SHUTDOWN_GRACE", 10*time.Second),
			HTTPReadTimeout:    getEnvDuration("RELAY_HTTP_READ_TIMEOUT", 30*time.Second),
			HTTPIdleTimeout:    getEnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Replay: ReplayConfig{
			WindowSeconds: getEnvInt("RELAY_REPLAY_WINDOW_SECONDS", 60),
			MaxEvents:     getEnvInt("RELAY_REPLAY_MAX_EVENTS", 1000),
		},
		Retry: RetryConfig{
			ContainerCreateAttempts: getEnvInt("RELAY_CONTAINER_CREATE_ATTEMPTS", 20),
			ContainerCreateDelay:    getEnvDuration("RELAY_CONTAINER_CREATE_DELAY", 250*time.Millisecond),
			SQLiteBusyAttempts:      getEnvInt("RELAY_SQLITE_BUSY_ATTEMPTS", 5),
			SQLiteBusyBaseDelay:     getEnvDuration("RELAY_SQLITE_BUSY_BASE_DELAY", 100*time.Millisecond),
		},
		IdleWatcher: IdleWatcherConfig{
			TickInterval:       getEnvDuration("RELAY_IDLE_TICK_INTERVAL", 30*time.Second),
			DefaultIdleTimeout: getEnvDuration("RELAY_IDLE_DEFAULT_TIMEOUT", 30*time.Minute),
		},
		ResourceTier: ResourceTierOverride{
			SmallCPUShares: getEnvInt64("RELAY_TIER_SMALL_CPU_SHARES", 512),
			SmallMemoryMiB: getEnvInt64("RELAY_TIER_SMALL_MEMORY_MIB", 1024),

			MediumCPUShares: getEnvInt64("RELAY_TIER_MEDIUM_CPU_SHARES", 1024),
			MediumMemoryMiB: getEnvInt64("RELAY_TIER_MEDIUM_MEMORY_MIB", 2048),

			LargeCPUShares: getEnvInt64("RELAY_TIER_LARGE_CPU_SHARES", 2048),
			LargeMemoryMiB: getEnvInt64("RELAY_TIER_LARGE_MEMORY_MIB", 4096),
		},
	}

	keyB64 := os.Getenv("RELAY_ENCRYPTION_KEY")
	if keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err == nil {
			cfg.EncryptionKey = key
		}
	}
	cfg.EncryptionKeyVersion = getEnvInt("RELAY_ENCRYPTION_KEY_VERSION", 1)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every configuration invariant and returns a combined
// error listing all violations, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if len(c.EncryptionKey) != 32 {
		problems = append(problems, fmt.Sprintf(
			"RELAY_ENCRYPTION_KEY is required and must decode to 32 bytes of base64; generate one with: openssl rand -base64 32 (got %d bytes)",
			len(c.EncryptionKey)))
	}
	if c.Replay.WindowSeconds <= 0 {
		problems = append(problems, "RELAY_REPLAY_WINDOW_SECONDS must be positive")
	}
	if c.Replay.MaxEvents <= 0 {
		problems = append(problems, "RELAY_REPLAY_MAX_EVENTS must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
