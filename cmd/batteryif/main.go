// Command batteryif runs the Battery Interface: it samples the pack at a
// fixed rate, enforces the safety interlocks and answers the host over the
// serial link.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/battester/internal/bi"
	"codeberg.org/mutker/battester/internal/config"
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/hw"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
	"github.com/spf13/cobra"
)

const statsInterval = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "batteryif",
		Short:         "Battery Interface runtime",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []config.Option
			if configPath != "" {
				opts = append(opts, config.WithConfigFile(configPath))
			}
			cfg, err := config.Load(cmd.Flags(), opts...)
			if err != nil {
				return err
			}

			logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
			level, err := logger.ParseLevel(cfg.Level())
			if err != nil {
				return err
			}
			logger.SetLogLevel(level)

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "config file")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", config.DefaultLogLevel, "log level: debug|info|warning|error")
	flags.String("bi-device", "/dev/ttyAMA0", "serial device towards the host")
	flags.Bool("simulate", false, "use the bench simulator instead of hardware")

	return cmd
}

type peripherals struct {
	sensor   bi.Sensor
	presence bi.Presence
	load     bi.Load
	close    func() error
}

func openPeripherals(cfg config.BIConfig, log logger.Logger) (peripherals, error) {
	if cfg.Simulate {
		sim := hw.NewSimulator(hw.DefaultSimConfig(), time.Now)
		log.Warn().Msg("Running against the bench simulator")
		return peripherals{sensor: sim, presence: sim, load: sim, close: func() error { return nil }}, nil
	}

	board, err := hw.Open(hw.Config{
		I2CBus:       cfg.I2CBus,
		I2CAddress:   uint16(cfg.I2CAddress),
		PresencePin:  cfg.PresencePin,
		PWMPin:       cfg.PWMPin,
		PWMFrequency: int64(cfg.PWMFrequencyHz),
	})
	if err != nil {
		return peripherals{}, err
	}
	return peripherals{sensor: board.Sensor, presence: board.Presence, load: board.Load, close: board.Close}, nil
}

func run(cfg *config.Config) error {
	log := logger.New("batteryif")

	p, err := openPeripherals(cfg.BI, log.With("hw"))
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			log.Error().Err(err).Msg("Failed to release hardware")
		}
	}()

	unit, err := bi.NewUnit(bi.Config{
		Sensor:   p.sensor,
		Presence: p.presence,
		Load:     p.load,
		Limits: bi.SafetyLimits{
			CurrentMin: domain.MilliAmps(cfg.BI.CurrentMinMA),
			CurrentMax: domain.MilliAmps(cfg.BI.CurrentMaxMA),
			IdleMax:    domain.MilliAmps(cfg.BI.IdleCurrentMaxMA),
			Settle:     cfg.BI.Settle,
		},
	}, log.With("unit"))
	if err != nil {
		return err
	}

	port, err := link.OpenPort(cfg.BI.Device)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go logStats(ctx, unit, log)

	log.Info().
		Str("device", cfg.BI.Device).
		Int("current_min_ma", cfg.BI.CurrentMinMA).
		Int("current_max_ma", cfg.BI.CurrentMaxMA).
		Msg("Battery Interface running")

	if err := unit.Run(ctx, port); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info().Msg("Exiting...")
	return nil
}

func logStats(ctx context.Context, unit *bi.Unit, log logger.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := unit.Stats()
			st := unit.State()
			reading := unit.Reading()
			log.Debug().
				Uint64("ticks", stats.Ticks).
				Uint64("missed", stats.Missed).
				Uint64("faults", stats.Faults).
				Uint8("duty", st.Duty).
				Str("fault", st.Fault.String()).
				Str("voltage", reading.VoltageLatest.String()).
				Str("current_avg", reading.CurrentAvg.String()).
				Msg("Unit stats")
		}
	}
}
