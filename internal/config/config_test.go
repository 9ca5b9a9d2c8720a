package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_ROOT", "/var/lib/textscan")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "eng.traineddata", cfg.ModelFile)
	assert.Equal(t, "eng", cfg.Language())
	assert.Equal(t, "/var/lib/textscan/captures", cfg.CaptureDir)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 15*time.Minute, cfg.SessionIdleTTL)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, int64(40_000_000), cfg.MaxImagePixels)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.PickerRoots)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadParsesPickerRoots(t *testing.T) {
	t.Setenv("PICKER_ROOTS", "media=/srv/media, docs = /srv/docs")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"media": "/srv/media", "docs": "/srv/docs"}, cfg.PickerRoots)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":      {"SESSION_IDLE_TTL", "soon"},
		"bad pool size":     {"WORKER_POOL_SIZE", "0"},
		"bad int":           {"MAX_UPLOAD_BYTES", "ten"},
		"zero pixel cap":    {"MAX_IMAGE_PIXELS", "0"},
		"bad model name":    {"MODEL_FILE", "eng.bin"},
		"nested model path": {"MODEL_FILE", "x/eng.traineddata"},
		"bad picker root":   {"PICKER_ROOTS", "media"},
		"reserved picker":   {"PICKER_ROOTS", "captures=/tmp"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
