// Package config builds runtime configuration from environment variables so
// main stays lean. Every knob has a default suitable for local development
// except the signing key, which is deliberately required: an audit trail
// signed with a made-up key is worse than one that refuses to start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the engine.
type Config struct {
	Addr string

	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	Integrity Integrity
	Retention Retention
	Hub       Hub
}

// Postgres holds connection settings for the record/rule/policy stores.
// An empty DSN selects the in-memory stores.
type Postgres struct {
	DSN string
}

// Redis holds settings for the distribution hub bridge. An empty URL
// disables cross-instance fan-out.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka holds settings for mirroring stored records to downstream consumers.
// Empty brokers disable mirroring.
type Kafka struct {
	Brokers      []string
	RecordsTopic string
	AlertsTopic  string
	Partitions   int32
}

// Integrity holds the signing key for the hash chain module.
type Integrity struct {
	SigningKeyPath string
}

// Retention controls the scheduler cadence.
type Retention struct {
	Interval time.Duration
}

// Hub controls distribution hub buffering and liveness.
type Hub struct {
	QueueSize     int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// FromEnv reads configuration from the environment. It never fails; missing
// required values (the signing key) surface when the consuming component
// starts.
func FromEnv() Config {
	return Config{
		Addr: envString("VERITAS_ADDR", ":8080"),
		Postgres: Postgres{
			DSN: os.Getenv("VERITAS_POSTGRES_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("VERITAS_REDIS_URL"),
			PoolSize:     envInt("VERITAS_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("VERITAS_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("VERITAS_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("VERITAS_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("VERITAS_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:      envList("VERITAS_KAFKA_BROKERS"),
			RecordsTopic: envString("VERITAS_KAFKA_RECORDS_TOPIC", "veritas.audit-records"),
			AlertsTopic:  envString("VERITAS_KAFKA_ALERTS_TOPIC", "veritas.alerts"),
			Partitions:   int32(envInt("VERITAS_KAFKA_PARTITIONS", 3)),
		},
		Integrity: Integrity{
			SigningKeyPath: os.Getenv("VERITAS_SIGNING_KEY"),
		},
		Retention: Retention{
			Interval: envDuration("VERITAS_RETENTION_INTERVAL", 6*time.Hour),
		},
		Hub: Hub{
			QueueSize:     envInt("VERITAS_HUB_QUEUE_SIZE", 64),
			IdleTimeout:   envDuration("VERITAS_HUB_IDLE_TIMEOUT", 90*time.Second),
			SweepInterval: envDuration("VERITAS_HUB_SWEEP_INTERVAL", 15*time.Second),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s=%q is not an integer, using %d\n", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s=%q is not a duration, using %s\n", key, v, fallback)
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
