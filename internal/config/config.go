package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL     string
	RedisURL        string
	NatsURL         string
	KafkaBrokers    []string
	FraudServiceURL string
	JaegerEndpoint  string
	Port            string
	GRPCPort        string

	// SessionStore selects the store backend: memory, redis or postgres.
	SessionStore string
	// SignalProvider selects the signal source: static, nats or http.
	SignalProvider string
	SignalSubject  string
	StaticSignals  string

	SessionTTL                  time.Duration
	SessionRetention            time.Duration
	SignalTimeout               time.Duration
	FailSafeOnSignalUnavailable bool
	PolicyFile                  string

	PaymentsTopic  string
	EventsTopic    string
	DecisionsTopic string
	ConsumerGroup  string

	// Invalid names variables that were set but could not be parsed, so
	// their defaults apply. Config loads before the logger exists.
	Invalid []string
}

func Load() *Config {
	var invalid []string
	duration := func(key string, fallback time.Duration) time.Duration {
		d, ok := getDuration(key, fallback)
		if !ok {
			invalid = append(invalid, key)
		}
		return d
	}
	boolean := func(key string, fallback bool) bool {
		b, ok := getBool(key, fallback)
		if !ok {
			invalid = append(invalid, key)
		}
		return b
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		NatsURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		FraudServiceURL: getEnv("FRAUD_SERVICE_URL", "http://localhost:8083"),
		JaegerEndpoint:  getEnv("JAEGER_ENDPOINT", "jaeger:4318"),
		Port:            getEnv("PORT", "8084"),
		GRPCPort:        getEnv("GRPC_PORT", "9094"),

		SessionStore:   strings.ToLower(getEnv("SESSION_STORE", "memory")),
		SignalProvider: strings.ToLower(getEnv("SIGNAL_PROVIDER", "static")),
		SignalSubject:  getEnv("SIGNAL_SUBJECT", "risk.signal.get"),
		StaticSignals:  os.Getenv("STATIC_SIGNALS"),

		SessionTTL:                  duration("SESSION_TTL", 10*time.Minute),
		SessionRetention:            duration("SESSION_RETENTION", 24*time.Hour),
		SignalTimeout:               duration("SIGNAL_TIMEOUT", 3*time.Second),
		FailSafeOnSignalUnavailable: boolean("FAIL_SAFE_ON_SIGNAL_UNAVAILABLE", false),
		PolicyFile:                  os.Getenv("POLICY_FILE"),

		PaymentsTopic:  getEnv("PAYMENTS_TOPIC", "payment.created"),
		EventsTopic:    getEnv("EVENTS_TOPIC", "verification.session.changed"),
		DecisionsTopic: getEnv("DECISIONS_TOPIC", "payment.risk.decided"),
		ConsumerGroup:  getEnv("CONSUMER_GROUP", "risk-gate"),
	}
	cfg.Invalid = invalid
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDuration reports false when the variable is set to something that is
// not a positive duration.
func getDuration(key string, fallback time.Duration) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback, false
	}
	return d, true
}

func getBool(key string, fallback bool) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, false
	}
	return b, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
