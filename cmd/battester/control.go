package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"codeberg.org/mutker/battester/internal/control"
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/tester"
	"github.com/spf13/cobra"
)

const callTimeout = 5 * time.Second

type call func(ctx context.Context, c *control.Client, args []string) (tester.Status, error)

func newControlCmds(load loadFunc) []*cobra.Command {
	cmd := func(use, short string, args cobra.PositionalArgs, fn call) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load(cmd.Flags())
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
				defer cancel()

				st, err := fn(ctx, control.NewClient(cfg.Control.Socket), args)
				if st.State != "" {
					printStatus(cmd.OutOrStdout(), st)
				}
				return err
			},
		}
	}

	return []*cobra.Command{
		cmd("id <battery-id>", "Enter the ID of the battery under test", cobra.ExactArgs(1),
			func(ctx context.Context, c *control.Client, args []string) (tester.Status, error) {
				return c.SetBattery(ctx, args[0])
			}),
		cmd("start", "Start the discharge test", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (tester.Status, error) {
				return c.Start(ctx)
			}),
		cmd("pause", "Pause the running test", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (tester.Status, error) {
				return c.Pause(ctx)
			}),
		cmd("cancel", "Cancel and discard the current test", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (tester.Status, error) {
				return c.Cancel(ctx)
			}),
		cmd("ack", "Acknowledge a fault", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (tester.Status, error) {
				return c.Acknowledge(ctx)
			}),
		cmd("cutoff <millivolts>", "Set the cutoff voltage", cobra.ExactArgs(1),
			func(ctx context.Context, c *control.Client, args []string) (tester.Status, error) {
				mv, err := strconv.Atoi(args[0])
				if err != nil {
					return tester.Status{}, fmt.Errorf("cutoff must be millivolts: %w", err)
				}
				return c.SetCutoff(ctx, domain.MilliVolts(mv))
			}),
		cmd("status", "Show the daemon state", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (tester.Status, error) {
				return c.Status(ctx)
			}),
	}
}

func printStatus(w io.Writer, st tester.Status) {
	_, _ = fmt.Fprintf(w, "state:   %s\n", st.State)
	if st.BatteryID != "" {
		_, _ = fmt.Fprintf(w, "battery: %s\n", st.BatteryID)
	}
	if st.Fault != "" {
		_, _ = fmt.Fprintf(w, "fault:   %s (run `battester ack`)\n", st.Fault)
	}
	_, _ = fmt.Fprintf(w, "cutoff:  %s\n", st.Cutoff)
	if !st.LastPoll.IsZero() {
		_, _ = fmt.Fprintf(w, "reading: %s %s (load on %s)\n", st.Voltage, st.Current, st.LoadElapsed.Truncate(time.Second))
	}
	if st.Samples > 0 {
		_, _ = fmt.Fprintf(w, "samples: %d\n", st.Samples)
	}
	if st.RecordsFailed > 0 {
		_, _ = fmt.Fprintf(w, "unsaved: %d completed record(s) failed to store\n", st.RecordsFailed)
	}
}
