package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localizer/presence/internal/config"
)

func TestStart_WritesLogFileWithContext(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	logsDir := filepath.Join(dir, "logs")
	cfg := `{ "logLevel": "debug", "logsDir": "` + filepath.ToSlash(logsDir) + `" }`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(cfg), 0644))

	r, err := Start("localizer", config.Env{ConfigDir: dir})
	require.NoError(t, err)

	r.BindLogContext(func() []slog.Attr { return []slog.Attr{slog.Uint64("epoch", 7)} })
	r.Logger.Debug("hello")
	r.DBLogger.Info().Msg("from zerolog")
	r.Shutdown(context.Background())

	data, err := os.ReadFile(r.LogFilePath)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(filepath.Base(r.LogFilePath), "localizer."))
	assert.Contains(t, text, "msg=hello")
	assert.Contains(t, text, "epoch=7")
	assert.Contains(t, text, "from zerolog")
}

func TestStart_MissingConfigUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	r, err := Start("presence-hub", config.Env{ConfigDir: filepath.Join(tmp, "nowhere")})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	assert.Equal(t, "memory", config.GetStoreConfig().Type)
	_, err = os.Stat(filepath.Join(tmp, "logs"))
	assert.NoError(t, err)
}

func TestStart_EnvOverridesLevel(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	logsDir := filepath.Join(dir, "elsewhere")

	r, err := Start("localizer", config.Env{ConfigDir: filepath.Join(dir, "none"), LogLevel: "debug", LogsDir: logsDir})
	require.NoError(t, err)
	r.Logger.Debug("visible")
	r.Shutdown(context.Background())

	assert.Equal(t, logsDir, filepath.Dir(r.LogFilePath))
	data, err := os.ReadFile(r.LogFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=visible")
}

func TestStart_InvalidConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	cfg := `{ "logsDir": "` + filepath.ToSlash(filepath.Join(dir, "logs")) + `", "sampler": { "provider": "gps" } }`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(cfg), 0644))

	_, err := Start("localizer", config.Env{ConfigDir: dir})
	assert.ErrorContains(t, err, "invalid sampler config")
}
