package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/battester/internal/config"
	"codeberg.org/mutker/battester/internal/control"
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/link"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/notify"
	"codeberg.org/mutker/battester/internal/pid"
	"codeberg.org/mutker/battester/internal/records"
	"codeberg.org/mutker/battester/internal/session"
	"codeberg.org/mutker/battester/internal/telemetry"
	"codeberg.org/mutker/battester/internal/tester"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const ErrLinkLost = errors.ErrorCode("link_lost")

func newServeCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the test controller against a Battery Interface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("device", "/dev/ttyACM0", "serial device of the Battery Interface")
	flags.Int("cutoff", 11000, "cutoff voltage in mV")
	flags.Bool("allow-undercurrent", false, "do not enforce the lower current bound")
	flags.String("db", "", "records database path")
	flags.String("pid-file", "", "PID file path")
	flags.Bool("metrics", false, "serve Prometheus metrics")
	flags.String("metrics-addr", ":9120", "metrics listen address")
	flags.Bool("mqtt", false, "publish state and results over MQTT")
	flags.String("mqtt-server", "tcp://localhost:1883", "MQTT broker URL")

	return cmd
}

func serve(cfg *config.Config) error {
	log := logger.New("battester")
	errFactory := errors.New()

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			log.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := telemetry.NewService(telemetry.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, log.With("telemetry"))
	if err != nil {
		return err
	}

	notifier, err := notify.New(notify.Config{
		Enabled:  cfg.MQTT.Enabled,
		Server:   cfg.MQTT.Server,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Topic:    cfg.MQTT.Topic,

		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, log.With("notify"))
	if err != nil {
		return err
	}
	defer notifier.Close()

	repo, err := records.NewRepository(records.Config{
		DBPath:          cfg.Records.DBPath,
		BackupOnMigrate: cfg.Records.BackupOnMigrate,
	}, log.With("records"))
	if err != nil {
		return err
	}
	// Records are only queued by the controller, so ctrl is set before
	// the writer can report.
	var ctrl *tester.Controller
	store := records.NewService(repo, 0, log.With("records"), func(rec *domain.TestRecord, err error) {
		ctrl.RecordSaved(rec, err)
	})
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close records")
		}
	}()

	port, err := link.OpenPort(cfg.Serial.Device)
	if err != nil {
		return err
	}
	defer port.Close()

	client := session.New(port, session.Options{
		Timeout:  cfg.Link.Timeout,
		Retries:  cfg.Link.Retries,
		Observer: collector,
	}, log.With("session"))

	ctrl, err = tester.New(tester.Config{
		Cutoff:            domain.MilliVolts(cfg.Test.CutoffMV),
		Disconnect:        domain.MilliVolts(cfg.Test.DisconnectMV),
		PollInterval:      cfg.Poll.Interval,
		LoadDuty:          uint8(cfg.Test.LoadDuty),
		AllowUndercurrent: cfg.Test.AllowUndercurrent,
	}, tester.Deps{
		Link:      client,
		Store:     store,
		Collector: collector,
		Notifier:  notifier,
		Logger:    log.With("controller"),
	})
	if err != nil {
		return err
	}

	log.Info().Str("device", cfg.Serial.Device).Msg("Battery tester running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return control.Serve(gctx, cfg.Control.Socket, ctrl, log.With("control")) })
	g.Go(func() error { return collector.Serve(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			return errFactory.WithData(ErrLinkLost, struct {
				Device string
			}{
				Device: cfg.Serial.Device,
			})
		}
	})

	if err := g.Wait(); err != nil {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}

	log.Info().Msg("Exiting...")
	return nil
}
