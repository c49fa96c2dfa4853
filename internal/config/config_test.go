package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.ImageSize)
	assert.Equal(t, "models", cfg.ModelDir)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harupan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
assets_dir: /srv/assets
model: models/harupan.onnx
image_size: 320
log_format: json
`), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("HARUPAN_IMAGE_SIZE", "416")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "/srv/assets", cfg.AssetsDir)
	assert.Equal(t, "models", cfg.ModelDir)
	assert.Equal(t, "models/harupan.onnx", cfg.Model)
	assert.Equal(t, 416, cfg.ImageSize)

	logger := cfg.NewLogger()
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("image_size: [1"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("HARUPAN_IMAGE_SIZE", "big")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.ImageSize = 0
	cfg.ModelDir = ""
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_size")
	assert.Contains(t, err.Error(), "model_dir")
	assert.Contains(t, err.Error(), "loud")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{"LOG_LEVEL": "debug", "HARUPAN_MODEL": "m.onnx"}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "m.onnx", cfg.Model)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestMaxImageSize(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4096, cfg.MaxImageSize)

	t.Setenv("HARUPAN_MAX_IMAGE_SIZE", "1024")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.MaxImageSize)

	cfg.MaxImageSize = 320
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_image_size")
}
