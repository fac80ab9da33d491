package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QubitProducts/topNET-sub000/core/http"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

func writeJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topnet.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":8080", cfg.Addr())

	s, err := cfg.WorkerStrategy()
	require.NoError(t, err)
	require.Equal(t, workers.Queued, s)

	p, err := cfg.ResponseProtocol()
	require.NoError(t, err)
	require.Equal(t, http.ProtoUnknown, p)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeJSON(t, `{
		"port": 9000,
		"strategy": "shared",
		"idle": {"timeout": "5s"},
		"scale.down.load": 0.5,
		"wait.for.data": false
	}`)
	t.Setenv("TOPNET_PORT", "9100")
	t.Setenv("TOPNET_MIN_WORKERS", "3")

	cfg, err := Load([]string{"-config", path, "-strategy", "pooled", "-max-workers", "6"})
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Port)              // env over file
	require.Equal(t, "pooled", cfg.Strategy)      // flag over file
	require.Equal(t, 5*time.Second, cfg.IdleTimeout)
	require.Equal(t, 0.5, cfg.ScaleDownLoad)
	require.False(t, cfg.WaitForData)
	require.Equal(t, 3, cfg.MinWorkers)
	require.Equal(t, 6, cfg.MaxWorkers)
	require.NotNil(t, cfg.Logger)
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	t.Setenv("TOPNET_IDLE_TIMEOUT", "1m")
	cfg, err := Load([]string{"-idle-timeout", "2s"})
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.IdleTimeout)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "nope.json")})
		require.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("TOPNET_POLL_INTERVAL", "soon")
		_, err := Load(nil)
		require.ErrorContains(t, err, "poll.interval")
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := Load([]string{"-strategy", "magic"})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := Load([]string{"-nope"})
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":            func(c *Config) { c.Port = 70000 },
		"segment size":    func(c *Config) { c.SegmentSize = 0 },
		"message size":    func(c *Config) { c.MaxMessageSize = 10 },
		"min workers":     func(c *Config) { c.MinWorkers = 0 },
		"max below min":   func(c *Config) { c.MinWorkers, c.MaxWorkers = 4, 2 },
		"scale down load": func(c *Config) { c.ScaleDownLoad = 1.5 },
		"poll interval":   func(c *Config) { c.PollInterval = 0 },
		"placement":       func(c *Config) { c.Placement = "random" },
		"protocol":        func(c *Config) { c.Protocol = "HTTP/0.9" },
		"idle timeout":    func(c *Config) { c.IdleTimeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	cfg.Protocol = "HTTP/1.0"
	require.NoError(t, cfg.Validate())
	p, _ := cfg.ResponseProtocol()
	require.Equal(t, http.HTTP10, p)
}

func TestManagerUnmarshal(t *testing.T) {
	type target struct {
		Name    string        `config:"name"`
		Count   int           `config:"count"`
		Wait    time.Duration `config:"wait"`
		On      bool          `config:"on"`
		Skipped string        `config:"-"`
	}

	m := NewManager()
	m.Set("name", "x")
	m.Set("count", float64(7))
	m.Set("wait", float64(time.Millisecond))
	m.Set("on", "true")
	m.Set("-", "never")

	var got target
	require.NoError(t, m.Unmarshal("", &got))
	require.Equal(t, target{Name: "x", Count: 7, Wait: time.Millisecond, On: true}, got)
	require.Equal(t, []string{"-", "count", "name", "on", "wait"}, m.Keys())

	require.Error(t, m.Unmarshal("", got))
}
