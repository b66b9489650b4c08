package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "gemini-2.0-flash-live-001", cfg.Gemini.Model)
	assert.Equal(t, 16000, cfg.Voice.SampleRate)
	assert.Equal(t, 60*time.Second, cfg.Voice.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Voice.HealthInterval)
	assert.Equal(t, 3*time.Second, cfg.Voice.TranscriptFlush)
	assert.Equal(t, 3, cfg.Voice.MaxSessionsPerUser)
	assert.Equal(t, 256, cfg.Voice.OutboundQueue)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Zero(t, cfg.Store.TTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("GEMINI_API_KEY", " secret ")
	t.Setenv("VOICE_IDLE_TIMEOUT", "2m")
	t.Setenv("VOICE_MAX_SESSIONS_PER_USER", "0")
	t.Setenv("TRANSCRIPT_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TRANSCRIPT_TTL", "24h")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Gemini.APIKey)
	assert.Equal(t, 2*time.Minute, cfg.Voice.IdleTimeout)
	assert.Zero(t, cfg.Voice.MaxSessionsPerUser)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
}

func TestExplicitValuesOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	v := viper.New()
	v.Set("server.port", ":7000")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"voice.idle_timeout":   {"VOICE_IDLE_TIMEOUT": "soon"},
		"voice.outbound_queue": {"VOICE_OUTBOUND_QUEUE": "0"},
		"voice.sample_rate":    {"VOICE_SAMPLE_RATE": "fast"},
		"PORT":                 {"PORT": "80 80"},
		"DATABASE_URL":         {"TRANSCRIPT_STORE": "postgres"},
		"store.driver":         {"TRANSCRIPT_STORE": "sqlite"},
	}
	for want, vars := range cases {
		t.Run(want, func(t *testing.T) {
			for k, val := range vars {
				t.Setenv(k, val)
			}
			_, err := Load(viper.New())
			require.Error(t, err)
			assert.Contains(t, err.Error(), want)
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := loadServerConfig(":8081")
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Addr)

	cfg, err = loadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
}
