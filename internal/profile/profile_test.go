package profile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProfileFromEnv 测试从环境变量读取中继配置。
func TestProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) any
		expected any
	}{
		{
			name:     "upstream timeout",
			envVar:   "CONVRELAY_UPSTREAM_TIMEOUT_SECONDS",
			envValue: "30",
			field:    func(p *Profile) any { return p.UpstreamTimeout },
			expected: 30 * time.Second,
		},
		{
			name:     "max streams",
			envVar:   "CONVRELAY_MAX_STREAMS",
			envValue: "8",
			field:    func(p *Profile) any { return p.MaxStreams },
			expected: 8,
		},
		{
			name:     "rate burst",
			envVar:   "CONVRELAY_RATE_BURST",
			envValue: "2",
			field:    func(p *Profile) any { return p.RateBurst },
			expected: 2,
		},
		{
			name:     "model config path",
			envVar:   "CONVRELAY_MODEL_CONFIG",
			envValue: "/etc/convrelay/models.json",
			field:    func(p *Profile) any { return p.ModelConfig },
			expected: "/etc/convrelay/models.json",
		},
		{
			name:     "invalid number falls back to default",
			envVar:   "CONVRELAY_MAX_STREAMS",
			envValue: "many",
			field:    func(p *Profile) any { return p.MaxStreams },
			expected: DefaultMaxStreams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.envValue)

			profile := &Profile{}
			profile.FromEnv()

			assert.Equal(t, tt.expected, tt.field(profile))
		})
	}
}

func TestProfileFromEnvKeepsFlags(t *testing.T) {
	t.Setenv("CONVRELAY_MAX_STREAMS", "8")

	profile := &Profile{MaxStreams: 3}
	profile.FromEnv()

	assert.Equal(t, 3, profile.MaxStreams)
}

func TestProfileValidate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		dir := t.TempDir()
		profile := &Profile{Mode: "bogus", Data: dir}
		require.NoError(t, profile.Validate())

		assert.Equal(t, "demo", profile.Mode)
		assert.Equal(t, "file", profile.Driver)
		assert.Equal(t, filepath.Join(dir, "model_config.json"), profile.ModelConfig)
		assert.Equal(t, DefaultUpstreamTimeout, profile.UpstreamTimeout)
		assert.Equal(t, DefaultMaxStreams, profile.MaxStreams)
		assert.Equal(t, DefaultRateBurst, profile.RateBurst)
	})

	t.Run("sqlite dsn", func(t *testing.T) {
		dir := t.TempDir()
		profile := &Profile{Mode: "dev", Data: dir, Driver: "sqlite"}
		require.NoError(t, profile.Validate())

		assert.Equal(t, filepath.Join(dir, "convrelay_dev.db"), profile.DSN)
	})

	t.Run("unknown driver", func(t *testing.T) {
		profile := &Profile{Mode: "dev", Data: t.TempDir(), Driver: "postgres"}
		assert.Error(t, profile.Validate())
	})

	t.Run("missing data dir", func(t *testing.T) {
		profile := &Profile{Mode: "dev", Data: filepath.Join(t.TempDir(), "missing")}
		assert.Error(t, profile.Validate())
	})

	t.Run("negative rate limit", func(t *testing.T) {
		profile := &Profile{Mode: "dev", Data: t.TempDir(), RateLimit: -1}
		assert.Error(t, profile.Validate())
	})
}

func TestProfileIsDev(t *testing.T) {
	assert.True(t, (&Profile{Mode: "dev"}).IsDev())
	assert.True(t, (&Profile{Mode: "demo"}).IsDev())
	assert.False(t, (&Profile{Mode: "prod"}).IsDev())
}

func TestProfileIsRelease(t *testing.T) {
	assert.True(t, (&Profile{Version: "0.3.0"}).IsRelease())
	assert.False(t, (&Profile{Version: "0.0.0-dev"}).IsRelease())
	assert.False(t, (&Profile{}).IsRelease())
}
