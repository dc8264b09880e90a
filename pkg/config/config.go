// Package config loads the runner configuration: agent definitions, the
// artifact store backend and the optional event and metrics endpoints.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is the config file the CLI reads unless told otherwise. A
// missing file at the default path is not an error.
const DefaultPath = "gantry.toml"

// Agent kinds.
const (
	KindShell  = "shell"
	KindDocker = "docker"
)

// Artifact store backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Config represents the complete runner configuration.
type Config struct {
	Agents    map[string]AgentConfig `toml:"agents"`
	Artifacts ArtifactsConfig        `toml:"artifacts"`
	Events    EventsConfig           `toml:"events"`
	Metrics   MetricsConfig          `toml:"metrics"`
}

// AgentConfig maps a machine type from pipeline definitions onto an
// execution backend. Image and Platform apply to docker agents only.
type AgentConfig struct {
	Kind     string `toml:"kind"`
	Image    string `toml:"image"`
	Platform string `toml:"platform"`
}

// ArtifactsConfig selects the artifact store backend.
type ArtifactsConfig struct {
	Backend string   `toml:"backend"`
	Dir     string   `toml:"dir"`
	S3      S3Config `toml:"s3"`
}

// S3Config contains the S3 artifact store settings. EndpointURL supports
// S3-compatible stores like MinIO, which also need path style addressing.
type S3Config struct {
	Region           string  `toml:"region"`
	Bucket           string  `toml:"bucket"`
	AccessKeyID      string  `toml:"access_key_id"`
	SecretAccessKey  string  `toml:"secret_access_key"`
	EndpointURL      *string `toml:"endpoint_url,omitempty"`
	KeyPrefix        *string `toml:"key_prefix,omitempty"`
	EnableEncryption bool    `toml:"enable_encryption"`
	VerifyUpload     bool    `toml:"verify_upload"`
}

// EventsConfig enables publishing run events to Kafka.
type EventsConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// DefaultConfig returns a Config with default values: a filesystem artifact
// store under .gantry and no agents section, which makes every machine type
// resolve to a plain shell agent.
func DefaultConfig() *Config {
	return &Config{
		Agents: map[string]AgentConfig{},
		Artifacts: ArtifactsConfig{
			Backend: BackendFS,
			Dir:     ".gantry/artifacts",
			S3: S3Config{
				EnableEncryption: true,
				VerifyUpload:     true,
			},
		},
		Events: EventsConfig{
			Topic: "gantry.runs",
		},
	}
}

// Load reads configuration from a TOML file and applies environment
// overrides. Priority: CLI flags > environment > config file > defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("GANTRY_ARTIFACTS_BACKEND"); v != "" {
		cfg.Artifacts.Backend = v
	}
	if v := os.Getenv("GANTRY_ARTIFACTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("GANTRY_S3_REGION"); v != "" {
		cfg.Artifacts.S3.Region = v
	}
	if v := os.Getenv("GANTRY_S3_BUCKET"); v != "" {
		cfg.Artifacts.S3.Bucket = v
	}
	if v := os.Getenv("GANTRY_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Artifacts.S3.AccessKeyID = v
	}
	if v := os.Getenv("GANTRY_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Artifacts.S3.SecretAccessKey = v
	}
	if v := os.Getenv("GANTRY_S3_ENDPOINT_URL"); v != "" {
		cfg.Artifacts.S3.EndpointURL = &v
	}
	if v := os.Getenv("GANTRY_S3_KEY_PREFIX"); v != "" {
		cfg.Artifacts.S3.KeyPrefix = &v
	}
	if v := os.Getenv("GANTRY_EVENTS_ENABLED"); v != "" {
		cfg.Events.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GANTRY_EVENTS_BROKERS"); v != "" {
		cfg.Events.Brokers = splitCSV(v)
	}
	if v := os.Getenv("GANTRY_EVENTS_TOPIC"); v != "" {
		cfg.Events.Topic = v
	}
	if v := os.Getenv("GANTRY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	return cfg, nil
}

// LoadDefault loads DefaultPath when the file exists, plain defaults plus
// environment overrides otherwise.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(DefaultPath); os.IsNotExist(err) {
		return Load("")
	}
	return Load(DefaultPath)
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	for name, agent := range c.Agents {
		switch agent.Kind {
		case KindShell:
		case KindDocker:
			if agent.Image == "" {
				return fmt.Errorf("agent %q: docker agents need an image", name)
			}
		default:
			return fmt.Errorf("agent %q: unknown kind %q", name, agent.Kind)
		}
	}

	switch c.Artifacts.Backend {
	case BackendFS:
		if c.Artifacts.Dir == "" {
			return fmt.Errorf("artifacts: fs backend needs a dir")
		}
	case BackendS3:
		s3 := c.Artifacts.S3
		if s3.Region == "" {
			return fmt.Errorf("artifacts: s3 region cannot be empty")
		}
		if s3.Bucket == "" {
			return fmt.Errorf("artifacts: s3 bucket cannot be empty")
		}
		if s3.AccessKeyID == "" || s3.SecretAccessKey == "" {
			return fmt.Errorf("artifacts: s3 credentials cannot be empty")
		}
	default:
		return fmt.Errorf("artifacts: unknown backend %q", c.Artifacts.Backend)
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events: enabled but no brokers configured")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events: topic cannot be empty")
		}
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
