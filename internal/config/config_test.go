package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/config"
	"codeberg.org/mutker/battester/internal/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "battester.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[serial]
device = "/dev/ttyUSB3"

[poll]
interval = "250ms"

[test]
cutoff_mv = 11500
allow_undercurrent = true

[records]
db_path = "/tmp/records.db"

[mqtt]
enabled = true
topic = "lab/bench1"

[bi]
i2c_address = 0x41
settle = "500ms"
`)
	t.Setenv("BATTESTER_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Device)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 11500, cfg.Test.CutoffMV)
	assert.True(t, cfg.Test.AllowUndercurrent)
	assert.Equal(t, "/tmp/records.db", cfg.Records.DBPath)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "lab/bench1", cfg.MQTT.Topic)
	assert.Equal(t, 0x41, cfg.BI.I2CAddress)
	assert.Equal(t, 500*time.Millisecond, cfg.BI.Settle)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Device)
	assert.Equal(t, 250*time.Millisecond, cfg.Link.Timeout)
	assert.Equal(t, 2, cfg.Link.Retries)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 11000, cfg.Test.CutoffMV)
	assert.Equal(t, 1000, cfg.Test.DisconnectMV)
	assert.Equal(t, 100, cfg.Test.LoadDuty)
	assert.True(t, cfg.Records.BackupOnMigrate)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9120", cfg.Metrics.Addr)
	assert.Equal(t, 0x40, cfg.BI.I2CAddress)
	assert.Equal(t, 8000, cfg.BI.CurrentMinMA)
	assert.Equal(t, 12000, cfg.BI.CurrentMaxMA)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", writeConfig(t, "This is not a valid TOML file\n"))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
	assert.Contains(t, err.Error(), "Failed to read configuration")
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", writeConfig(t, `log_level = "invalid"`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.Contains(t, string(errors.CodeOf(err)), "invalid_log_level")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", writeConfig(t, "[test]\ncutoff_mv = 11500\n"))
	t.Setenv("BATTESTER_TEST_CUTOFF_MV", "11800")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 11800, cfg.Test.CutoffMV)
}

func TestEnvPrefixOverride(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Setenv("BATTESTER_TEST_CUTOFF_MV", "11100")
	t.Setenv("BENCH2_CONFIG", writeConfig(t, "[test]\ncutoff_mv = 11500\n[mqtt]\nconnect_timeout = \"2s\"\n"))
	t.Setenv("BENCH2_TEST_CUTOFF_MV", "11900")

	cfg, err := config.Load(nil, config.WithEnvPrefix("BENCH2"))
	require.NoError(t, err)
	assert.Equal(t, 11900, cfg.Test.CutoffMV)
	assert.Equal(t, 2*time.Second, cfg.MQTT.ConnectTimeout)
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("BATTESTER_CONFIG", writeConfig(t, "log_level = \"error\"\n[serial]\ndevice = \"/dev/ttyS0\"\n"))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("device", "/dev/ttyACM0", "")
	require.NoError(t, flags.Parse([]string{"--log-level", "debug"}))

	cfg, err := config.Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "changed flag wins")
	assert.Equal(t, "/dev/ttyS0", cfg.Serial.Device, "unchanged flag does not shadow the file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		config string
		code   errors.ErrorCode
	}{
		{"poll too slow for watchdog", "[poll]\ninterval = \"1s\"\n", errors.ErrInvalidInterval},
		{"cutoff below disconnect", "[test]\ncutoff_mv = 900\n", errors.ErrInvalidConfig},
		{"duty out of range", "[test]\nload_duty = 101\n", errors.ErrInvalidConfig},
		{"current window inverted", "[bi]\ncurrent_min_ma = 12000\ncurrent_max_ma = 8000\n", errors.ErrInvalidConfig},
		{"negative retries", "[link]\nretries = -1\n", errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BATTESTER_CONFIG", writeConfig(t, tt.config))
			_, err := config.Load(nil)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := &config.Config{LogLevel: "error"}
	assert.Equal(t, "error", cfg.Level())

	cfg.Verbose = true
	assert.Equal(t, "info", cfg.Level())

	cfg.Debug = true
	assert.Equal(t, "debug", cfg.Level())
}
