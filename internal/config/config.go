package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/battester/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "BATTESTER"
	DefaultLogLevel  = string(LogLevelInfo)

	configName = "battester"
	configType = "toml"

	// The BI stops its load when no frame arrives for a second.
	maxPollInterval = time.Second
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
	PIDFile  string `mapstructure:"pid_file"`

	Serial  SerialConfig  `mapstructure:"serial"`
	Link    LinkConfig    `mapstructure:"link"`
	Poll    PollConfig    `mapstructure:"poll"`
	Test    TestConfig    `mapstructure:"test"`
	Records RecordsConfig `mapstructure:"records"`
	Control ControlConfig `mapstructure:"control"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	BI      BIConfig      `mapstructure:"bi"`
}

type SerialConfig struct {
	Device string `mapstructure:"device"`
}

type LinkConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TestConfig struct {
	CutoffMV          int  `mapstructure:"cutoff_mv"`
	DisconnectMV      int  `mapstructure:"disconnect_mv"`
	LoadDuty          int  `mapstructure:"load_duty"`
	AllowUndercurrent bool `mapstructure:"allow_undercurrent"`
}

type RecordsConfig struct {
	DBPath          string `mapstructure:"db_path"`
	BackupOnMigrate bool   `mapstructure:"backup_on_migrate"`
}

type ControlConfig struct {
	Socket string `mapstructure:"socket"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// BIConfig is read by the Battery Interface binary only.
type BIConfig struct {
	Device           string        `mapstructure:"device"`
	I2CBus           string        `mapstructure:"i2c_bus"`
	I2CAddress       int           `mapstructure:"i2c_address"`
	PresencePin      string        `mapstructure:"presence_pin"`
	PWMPin           string        `mapstructure:"pwm_pin"`
	PWMFrequencyHz   int           `mapstructure:"pwm_frequency_hz"`
	CurrentMinMA     int           `mapstructure:"current_min_ma"`
	CurrentMaxMA     int           `mapstructure:"current_max_ma"`
	IdleCurrentMaxMA int           `mapstructure:"idle_current_max_ma"`
	Settle           time.Duration `mapstructure:"settle"`
	Simulate         bool          `mapstructure:"simulate"`
}

var defaults = map[string]any{
	"log_level": DefaultLogLevel,
	"debug":     false,
	"verbose":   false,
	"pid_file":  filepath.Join(os.TempDir(), "battester.pid"),

	"serial.device": "/dev/ttyACM0",
	"link.timeout":  250 * time.Millisecond,
	"link.retries":  2,
	"poll.interval": 500 * time.Millisecond,

	"test.cutoff_mv":          11000,
	"test.disconnect_mv":      1000,
	"test.load_duty":          100,
	"test.allow_undercurrent": false,

	"records.db_path":           "/var/lib/battester/records.db",
	"records.backup_on_migrate": true,
	"control.socket":            "/run/battester/battester.sock",

	"metrics.enabled": false,
	"metrics.addr":    ":9120",

	"mqtt.enabled":   false,
	"mqtt.server":    "tcp://localhost:1883",
	"mqtt.client_id": "battester",
	"mqtt.username":  "",
	"mqtt.password":  "",
	"mqtt.topic":     "battester",

	"mqtt.connect_timeout": 5 * time.Second,

	"bi.device":              "/dev/ttyAMA0",
	"bi.i2c_bus":             "1",
	"bi.i2c_address":         0x40,
	"bi.presence_pin":        "GPIO17",
	"bi.pwm_pin":             "GPIO18",
	"bi.pwm_frequency_hz":    50,
	"bi.current_min_ma":      8000,
	"bi.current_max_ma":      12000,
	"bi.idle_current_max_ma": 100,
	"bi.settle":              200 * time.Millisecond,
	"bi.simulate":            false,
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"debug":              "debug",
	"verbose":            "verbose",
	"log-level":          "log_level",
	"pid-file":           "pid_file",
	"device":             "serial.device",
	"cutoff":             "test.cutoff_mv",
	"allow-undercurrent": "test.allow_undercurrent",
	"db":                 "records.db_path",
	"socket":             "control.socket",
	"metrics":            "metrics.enabled",
	"metrics-addr":       "metrics.addr",
	"mqtt":               "mqtt.enabled",
	"mqtt-server":        "mqtt.server",
	"bi-device":          "bi.device",
	"simulate":           "bi.simulate",
}

// Load reads defaults, the config file, BATTESTER_* environment variables
// and any flags in flags that were set, in increasing precedence.
func Load(flags *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o *options) error {
	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc/battester")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "battester"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	errFactory := errors.New()

	invalid := func(field string, value any) error {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value any
		}{
			Field: field,
			Value: value,
		})
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, struct {
			Level string
		}{
			Level: c.LogLevel,
		})
	}

	switch {
	case c.Poll.Interval <= 0 || c.Poll.Interval >= maxPollInterval:
		return errFactory.WithData(errors.ErrInvalidInterval, struct {
			Field string
			Value string
		}{
			Field: "poll.interval",
			Value: c.Poll.Interval.String(),
		})
	case c.Link.Timeout <= 0:
		return errFactory.WithData(errors.ErrInvalidInterval, struct {
			Field string
			Value string
		}{
			Field: "link.timeout",
			Value: c.Link.Timeout.String(),
		})
	case c.Link.Retries < 0:
		return invalid("link.retries", c.Link.Retries)
	case c.Test.DisconnectMV <= 0:
		return invalid("test.disconnect_mv", c.Test.DisconnectMV)
	case c.Test.CutoffMV <= c.Test.DisconnectMV:
		return invalid("test.cutoff_mv", c.Test.CutoffMV)
	case c.Test.LoadDuty < 1 || c.Test.LoadDuty > 100:
		return invalid("test.load_duty", c.Test.LoadDuty)
	case c.BI.CurrentMinMA < 0 || c.BI.CurrentMaxMA <= c.BI.CurrentMinMA:
		return invalid("bi.current_max_ma", c.BI.CurrentMaxMA)
	case c.BI.IdleCurrentMaxMA < 0:
		return invalid("bi.idle_current_max_ma", c.BI.IdleCurrentMaxMA)
	case c.BI.I2CAddress <= 0 || c.BI.I2CAddress > 0x7F:
		return invalid("bi.i2c_address", c.BI.I2CAddress)
	case c.BI.PWMFrequencyHz <= 0:
		return invalid("bi.pwm_frequency_hz", c.BI.PWMFrequencyHz)
	}

	return nil
}

// Level returns the effective log level name: debug and verbose switch on
// more output than log_level alone.
func (c *Config) Level() string {
	switch {
	case c.Debug:
		return string(LogLevelDebug)
	case c.Verbose:
		return string(LogLevelInfo)
	default:
		return c.LogLevel
	}
}
