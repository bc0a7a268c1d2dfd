// Package config loads the environment-driven options recognized by the
// ingest middleware (spec.md §6 "Configuration"). Loading is hand-rolled
// against os.Getenv, the same way the teacher's cmd/flyio-image-manager
// resolves flags over a DefaultConfig() baseline: this project is a daemon
// with a fixed, small option set, not a library consumer who'd benefit from
// struct-tag reflection, so no third-party env-parsing library earns its
// keep here (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven option from spec.md §6.
type Config struct {
	MQTTHost     string
	MQTTPort     int
	MQTTTLS      bool
	MQTTUsername string
	MQTTPassword string

	TopicPatternData   string
	TopicPatternStatus string
	TopicPatternAck    string
	TopicPatternCmd    string

	StorageBucket string
	StorageRegion string

	SQLitePath string
	BoltPath   string
	LockPath   string

	CaptureTimeout     time.Duration
	RetransmitDelay    time.Duration
	RetransmitMax      int
	MaxImageBytes      int64
	MaxAssembliesTotal int
	MaxAssembliesPer   int

	ReaperInterval time.Duration
	PollInterval   time.Duration
	OpTimeout      time.Duration
	ShutdownGrace  time.Duration

	LogLevel string
}

// Default returns the baseline configuration, matching the defaults named
// throughout spec.md (§4.2, §5, §6).
func Default() Config {
	return Config{
		MQTTHost: "localhost",
		MQTTPort: 8883,
		MQTTTLS:  true,

		TopicPatternData:   "DEVICE/+/data",
		TopicPatternStatus: "DEVICE/+/status",
		TopicPatternAck:    "DEVICE/+/ack",
		TopicPatternCmd:    "DEVICE/%s/cmd",

		StorageBucket: "camera-captures",
		StorageRegion: "us-east-1",

		SQLitePath: "/var/lib/ingest/ingest.db",
		BoltPath:   "/var/lib/ingest/runs.bolt",
		LockPath:   "/var/lib/ingest/ingestd.lock",

		CaptureTimeout:     10 * time.Minute,
		RetransmitDelay:    3 * time.Second,
		RetransmitMax:      3,
		MaxImageBytes:      2 * 1024 * 1024,
		MaxAssembliesTotal: 512,
		MaxAssembliesPer:   4,

		ReaperInterval: 30 * time.Second,
		PollInterval:   2 * time.Second,
		OpTimeout:      10 * time.Second,
		ShutdownGrace:  15 * time.Second,

		LogLevel: "info",
	}
}

// FromEnv overlays recognized environment variables onto a baseline
// configuration. Unset variables leave the baseline value untouched.
func FromEnv(base Config) (Config, error) {
	cfg := base

	if v := os.Getenv("MQTT_HOST"); v != "" {
		cfg.MQTTHost = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MQTT_PORT %q: %w", v, err)
		}
		cfg.MQTTPort = p
	}
	if v := os.Getenv("MQTT_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MQTT_TLS %q: %w", v, err)
		}
		cfg.MQTTTLS = b
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTTUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTTPassword = v
	}

	if v := os.Getenv("TOPIC_PATTERN_DATA"); v != "" {
		cfg.TopicPatternData = v
	}
	if v := os.Getenv("TOPIC_PATTERN_STATUS"); v != "" {
		cfg.TopicPatternStatus = v
	}
	if v := os.Getenv("TOPIC_PATTERN_ACK"); v != "" {
		cfg.TopicPatternAck = v
	}
	if v := os.Getenv("TOPIC_PATTERN_CMD"); v != "" {
		cfg.TopicPatternCmd = v
	}

	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.StorageBucket = v
	}

	if v := os.Getenv("CAPTURE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CAPTURE_TIMEOUT_MS %q: %w", v, err)
		}
		cfg.CaptureTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("RETRANSMIT_DELAY_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid RETRANSMIT_DELAY_MS %q: %w", v, err)
		}
		cfg.RetransmitDelay = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("RETRANSMIT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid RETRANSMIT_MAX %q: %w", v, err)
		}
		cfg.RetransmitMax = n
	}
	if v := os.Getenv("MAX_IMAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_IMAGE_BYTES %q: %w", v, err)
		}
		cfg.MaxImageBytes = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
