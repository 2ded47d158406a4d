package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/records"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRecordsCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "records", Short: "Inspect completed test records"}
	cmd.PersistentFlags().String("db", "", "records database path")

	open := func(cmd *cobra.Command) (records.Repository, error) {
		cfg, err := load(cmd.Flags())
		if err != nil {
			return nil, err
		}
		return records.NewRepository(records.Config{
			DBPath:          cfg.Records.DBPath,
			BackupOnMigrate: cfg.Records.BackupOnMigrate,
		}, logger.New("records"))
	}

	var batteryID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List completed tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := open(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			summaries, err := repo.List(cmd.Context(), batteryID)
			if err != nil {
				return err
			}
			return writeSummaries(cmd.OutOrStdout(), summaries)
		},
	}
	list.Flags().StringVar(&batteryID, "battery", "", "only records for this battery ID")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := getRecord(cmd.Context(), cmd, open, args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), rec)
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a record's samples as TSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := getRecord(cmd.Context(), cmd, open, args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return writeTSV(cmd.OutOrStdout(), rec)
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := writeTSV(f, rec); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	cmd.AddCommand(list, show, export)
	return cmd
}

func getRecord(ctx context.Context, cmd *cobra.Command, open func(*cobra.Command) (records.Repository, error), raw string) (*domain.TestRecord, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New().WithData(errors.ErrInvalidArgument, struct {
			ID    string
			Error string
		}{
			ID:    raw,
			Error: err.Error(),
		})
	}

	repo, err := open(cmd)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	return repo.Get(ctx, id)
}

func writeSummaries(w io.Writer, summaries []records.Summary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no records")
		return err
	}
	for _, s := range summaries {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%.2fAh\t%s\n",
			s.ID, s.BatteryID, s.StartTime.Format(time.RFC3339), s.AmpHours, s.Duration.Truncate(time.Second)); err != nil {
			return err
		}
	}
	return nil
}

type recordView struct {
	ID        string       `yaml:"id"`
	BatteryID string       `yaml:"battery_id"`
	StartTime time.Time    `yaml:"start_time"`
	Status    string       `yaml:"status"`
	Samples   int          `yaml:"samples"`
	Result    *resultView  `yaml:"result,omitempty"`
	Voltage   *voltageView `yaml:"voltage,omitempty"`
}

type resultView struct {
	AmpHours       float64 `yaml:"amp_hours"`
	Duration       string  `yaml:"duration"`
	AverageCurrent float64 `yaml:"average_current_a"`
}

type voltageView struct {
	Start float64 `yaml:"start_v"`
	End   float64 `yaml:"end_v"`
}

func writeYAML(w io.Writer, rec *domain.TestRecord) error {
	view := recordView{
		ID:        rec.ID.String(),
		BatteryID: rec.BatteryID,
		StartTime: rec.StartTime,
		Status:    string(rec.Status),
		Samples:   len(rec.Samples),
	}
	if rec.Result != nil {
		view.Result = &resultView{
			AmpHours:       rec.Result.AmpHours,
			Duration:       rec.Result.Duration.String(),
			AverageCurrent: rec.Result.AverageCurrent,
		}
	}
	if n := len(rec.Samples); n > 0 {
		view.Voltage = &voltageView{
			Start: rec.Samples[0].Voltage.Volts(),
			End:   rec.Samples[n-1].Voltage.Volts(),
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

// writeTSV writes one line per sample: timestamp, milliseconds since the
// test started, millivolts and milliamps.
func writeTSV(w io.Writer, rec *domain.TestRecord) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write([]string{"timestamp", "elapsed_ms", "millivolts", "milliamps"}); err != nil {
		return err
	}
	for _, s := range rec.Samples {
		if err := cw.Write([]string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(s.Timestamp.Sub(rec.StartTime).Milliseconds(), 10),
			strconv.Itoa(int(s.Voltage)),
			strconv.Itoa(int(s.Current)),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
