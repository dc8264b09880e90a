package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendFS, cfg.Artifacts.Backend)
	assert.Equal(t, ".gantry/artifacts", cfg.Artifacts.Dir)
	assert.True(t, cfg.Artifacts.S3.VerifyUpload)
	assert.True(t, cfg.Artifacts.S3.EnableEncryption)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, "gantry.runs", cfg.Events.Topic)
	assert.Empty(t, cfg.Metrics.Addr)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Load_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gantry.toml")
	content := `
[agents.linux-x64]
kind = "shell"

[agents.linux-arm64]
kind = "docker"
image = "ubuntu:22.04"
platform = "linux/arm64"

[artifacts]
backend = "s3"

[artifacts.s3]
region = "us-east-1"
bucket = "gantry-artifacts"
access_key_id = "AKIATEST"
secret_access_key = "secret"
endpoint_url = "http://localhost:9000"
key_prefix = "ci"

[events]
enabled = true
brokers = ["localhost:9092"]
topic = "ci.runs"

[metrics]
addr = ":2112"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Contains(t, cfg.Agents, "linux-arm64")
	arm := cfg.Agents["linux-arm64"]
	assert.Equal(t, KindDocker, arm.Kind)
	assert.Equal(t, "ubuntu:22.04", arm.Image)
	assert.Equal(t, "linux/arm64", arm.Platform)

	assert.Equal(t, BackendS3, cfg.Artifacts.Backend)
	assert.Equal(t, "gantry-artifacts", cfg.Artifacts.S3.Bucket)
	require.NotNil(t, cfg.Artifacts.S3.EndpointURL)
	assert.Equal(t, "http://localhost:9000", *cfg.Artifacts.S3.EndpointURL)
	require.NotNil(t, cfg.Artifacts.S3.KeyPrefix)
	assert.Equal(t, "ci", *cfg.Artifacts.S3.KeyPrefix)

	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Events.Brokers)
	assert.Equal(t, "ci.runs", cfg.Events.Topic)
	assert.Equal(t, ":2112", cfg.Metrics.Addr)
}

func TestConfig_Load_EnvOverrides(t *testing.T) {
	t.Setenv("GANTRY_ARTIFACTS_BACKEND", "s3")
	t.Setenv("GANTRY_S3_REGION", "eu-west-1")
	t.Setenv("GANTRY_S3_BUCKET", "override-bucket")
	t.Setenv("GANTRY_S3_ACCESS_KEY_ID", "AKIAENV")
	t.Setenv("GANTRY_S3_SECRET_ACCESS_KEY", "envsecret")
	t.Setenv("GANTRY_EVENTS_ENABLED", "1")
	t.Setenv("GANTRY_EVENTS_BROKERS", "b1:9092, b2:9092")
	t.Setenv("GANTRY_METRICS_ADDR", ":9100")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendS3, cfg.Artifacts.Backend)
	assert.Equal(t, "eu-west-1", cfg.Artifacts.S3.Region)
	assert.Equal(t, "override-bucket", cfg.Artifacts.S3.Bucket)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Events.Brokers)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestConfig_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"unknown agent kind",
			func(c *Config) { c.Agents["m"] = AgentConfig{Kind: "vm"} },
			"unknown kind",
		},
		{
			"docker agent without image",
			func(c *Config) { c.Agents["m"] = AgentConfig{Kind: KindDocker} },
			"need an image",
		},
		{
			"unknown backend",
			func(c *Config) { c.Artifacts.Backend = "ftp" },
			"unknown backend",
		},
		{
			"fs without dir",
			func(c *Config) { c.Artifacts.Dir = "" },
			"needs a dir",
		},
		{
			"s3 without region",
			func(c *Config) {
				c.Artifacts.Backend = BackendS3
				c.Artifacts.S3.Bucket = "b"
				c.Artifacts.S3.AccessKeyID = "k"
				c.Artifacts.S3.SecretAccessKey = "s"
			},
			"region cannot be empty",
		},
		{
			"s3 without credentials",
			func(c *Config) {
				c.Artifacts.Backend = BackendS3
				c.Artifacts.S3.Region = "r"
				c.Artifacts.S3.Bucket = "b"
			},
			"credentials cannot be empty",
		},
		{
			"events without brokers",
			func(c *Config) { c.Events.Enabled = true },
			"no brokers",
		},
		{
			"events without topic",
			func(c *Config) {
				c.Events.Enabled = true
				c.Events.Brokers = []string{"localhost:9092"}
				c.Events.Topic = ""
			},
			"topic cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
