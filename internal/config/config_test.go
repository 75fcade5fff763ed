package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

const baseYAML = `
db:
  driver: sqlite
google:
  client_id: client
  client_secret: ${TEST_GOOGLE_SECRET}
  topic: projects/p/topics/gmail
completion:
  api_key: sk-test
`

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	be.Err(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(baseYAML), 0o644), nil)
	t.Setenv("CONFIG_ENV", "local")
	t.Setenv("TEST_GOOGLE_SECRET", "secret")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("PORT", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_PATH", "")

	cfg, err := Load(dir)
	be.Err(t, err, nil)

	be.Equal(t, cfg.Google.ClientSecret, "secret")
	be.Equal(t, cfg.DB.Path, "data/relay.db")
	be.Equal(t, cfg.Server.Port, ":3000")
	be.Equal(t, cfg.Google.Labels, DefaultWatchLabels)
	be.Equal(t, cfg.Renewal.Interval, 168*time.Hour)
	be.Equal(t, cfg.Renewal.Concurrency, 8)
	be.Equal(t, cfg.Completion.Timeout, 30*time.Second)
	be.Equal(t, cfg.Completion.SamplingTemperature(), 0.2)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	be.Err(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(baseYAML), 0o644), nil)
	t.Setenv("TEST_GOOGLE_SECRET", "secret")
	t.Setenv("OPENAI_MODEL", "gpt-4.1-mini")
	t.Setenv("BACKEND_URL", "https://backend.example/api/1.1/wf/receive_email_info")
	t.Setenv("PUBSUB_VERIFICATION_TOKEN", "tok")

	cfg, err := Load(dir)
	be.Err(t, err, nil)
	be.Equal(t, cfg.Completion.Model, "gpt-4.1-mini")
	be.Equal(t, cfg.Backend.URL, "https://backend.example/api/1.1/wf/receive_email_info")
	be.Equal(t, cfg.Webhook.VerificationToken, "tok")
}

func TestLoad_ExplicitZeroTemperature(t *testing.T) {
	dir := t.TempDir()
	yaml := baseYAML + "  temperature: 0\n"
	be.Err(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(yaml), 0o644), nil)
	t.Setenv("TEST_GOOGLE_SECRET", "secret")

	cfg, err := Load(dir)
	be.Err(t, err, nil)
	be.True(t, cfg.Completion.Temperature != nil)
	be.Equal(t, cfg.Completion.SamplingTemperature(), 0.0)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	err := cfg.Validate()
	be.Err(t, err, "google.client_id")
	be.Err(t, err, "completion.api_key")

	cfg.DB.Driver = "mysql"
	be.Err(t, cfg.Validate(), "unsupported db driver")
}
