package telemetry

import "codeberg.org/mutker/battester/internal/errors"

const (
	defaultAddr = ":9120"
	namespace   = "battester"
)

type Config struct {
	Enabled bool
	Addr    string
}

func DefaultConfig() Config {
	return Config{
		Addr: defaultAddr,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return errors.New().New(ErrInvalidAddr)
	}
	return nil
}
