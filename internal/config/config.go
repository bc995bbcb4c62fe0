// Package config loads the backbone daemon configuration from a TOML
// file, with environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`

	NATS   NATSConfig   `toml:"nats"`
	Fanout FanoutConfig `toml:"fanout"`
	Relay  RelayConfig  `toml:"relay"`
}

type NATSConfig struct {
	URL           string `toml:"url"`
	StreamName    string `toml:"stream_name"`
	SubjectPrefix string `toml:"subject_prefix"`
	PublishStream string `toml:"publish_stream"`
}

type FanoutConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	SendBuffer        int      `toml:"send_buffer"`
	RecentSize        int      `toml:"recent_size"`
	RecentTTL         duration `toml:"recent_ttl"`
}

type RelayConfig struct {
	DedupWindow duration `toml:"dedup_window"`
	DedupSize   int      `toml:"dedup_size"`
	Checkpoint  string   `toml:"checkpoint"`
}

// duration lets TOML carry values like "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() Config {
	return Config{
		Listen:        ":8080",
		MetricsListen: ":9090",
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Fanout: FanoutConfig{
			HeartbeatInterval: duration{15 * time.Second},
		},
		Relay: RelayConfig{
			Checkpoint: "relay",
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides. NATS_URL wins over the file so deployments can point one
// binary at different brokers.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}

	if cfg.Listen == "" {
		return Config{}, fmt.Errorf("listen address is empty")
	}
	return cfg, nil
}
