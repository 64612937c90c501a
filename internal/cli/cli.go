// Package cli implements the dosewatch command line, a thin shell over the
// daemon socket. All decisions live in the daemon; the CLI formats.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dosewatch/internal/api"
	"dosewatch/internal/appclient"
	"dosewatch/internal/config"
	"dosewatch/internal/model"
)

func NewRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "dosewatch",
		Short:         "Two-dose nightly medication window tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultConfig().SocketPath, "dosewatchd unix socket path")

	root.AddCommand(newStatusCmd(&socketPath))
	root.AddCommand(newDose1Cmd(&socketPath))
	root.AddCommand(newDose2Cmd(&socketPath))
	root.AddCommand(newSkipCmd(&socketPath))
	root.AddCommand(newSnoozeCmd(&socketPath))
	root.AddCommand(newUndoCmd(&socketPath))
	root.AddCommand(newLogCmd(&socketPath))
	root.AddCommand(newEventsCmd(&socketPath))
	root.AddCommand(newQueueCmd(&socketPath))
	root.AddCommand(newDeleteCmd(&socketPath))
	root.AddCommand(newExportCmd(&socketPath))
	return root
}

func dial(socketPath *string) *appclient.Client {
	return appclient.New(*socketPath)
}

// parseAt accepts RFC3339 or local "15:04" for backdated doses.
func parseAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	clockOnly, err := time.Parse("15:04", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or HH:MM)", raw)
	}
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), clockOnly.Hour(), clockOnly.Minute(), 0, 0, now.Location()), nil
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tonight's dose window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).Session(context.Background())
			if err != nil {
				return err
			}
			printContext(cmd, env.Context)
			return nil
		},
	}
}

func newDose1Cmd(socketPath *string) *cobra.Command {
	var at string
	c := &cobra.Command{
		Use:   "dose1",
		Short: "Record the first dose",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			env, err := dial(socketPath).TakeDose1(context.Background(), when)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("dose 1 recorded"))
			printContext(cmd, env.Context)
			return nil
		},
	}
	c.Flags().StringVar(&at, "at", "", "dose time (RFC3339 or HH:MM, default now)")
	return c
}

func newDose2Cmd(socketPath *string) *cobra.Command {
	var at string
	c := &cobra.Command{
		Use:   "dose2",
		Short: "Record the second dose",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			env, err := dial(socketPath).TakeDose2(context.Background(), when)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("dose 2 recorded"))
			printContext(cmd, env.Context)
			return nil
		},
	}
	c.Flags().StringVar(&at, "at", "", "dose time (RFC3339 or HH:MM); use for backdated recovery")
	return c
}

func newSkipCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the second dose for tonight",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).SkipDose2(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dose 2 skipped")
			printContext(cmd, env.Context)
			return nil
		},
	}
}

func newSnoozeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "snooze",
		Short: "Push the dose 2 reminder back 10 minutes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).Snooze(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reminder snoozed")
			printContext(cmd, env.Context)
			return nil
		},
	}
}

func newUndoCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Revert the last action, within its undo window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).Undo(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "undone")
			printContext(cmd, env.Context)
			return nil
		},
	}
}

func newLogCmd(socketPath *string) *cobra.Command {
	var payload string
	c := &cobra.Command{
		Use:   "log <event-type>",
		Short: "Log an ancillary event (bathroom, water, snack, wake, note)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := dial(socketPath).LogEvent(context.Background(), args[0], payload)
			if err != nil {
				return err
			}
			if !resp.Accepted {
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("ignored: same event logged moments ago"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged")
			return nil
		},
	}
	c.Flags().StringVar(&payload, "note", "", "free-form note attached to the event")
	return c
}

func newEventsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List tonight's logged events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).Events(context.Background())
			if err != nil {
				return err
			}
			if len(env.Events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}
			for _, ev := range env.Events {
				line := fmt.Sprintf("%s\t%s", ev.NotedAt, ev.EventType)
				if ev.Payload != "" {
					line += "\t" + ev.Payload
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newQueueCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending offline sync actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).Queue(context.Background())
			if err != nil {
				return err
			}
			state := color.RedString("offline")
			if env.Online {
				state = color.GreenString("online")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s, %d pending\n", state, len(env.Actions))
			for _, act := range env.Actions {
				line := fmt.Sprintf("%s\t%s\t%s", act.ActionID, act.Kind, act.SessionKey)
				if act.RetryCount > 0 {
					line += fmt.Sprintf("\t(retries: %d)", act.RetryCount)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newDeleteCmd(socketPath *string) *cobra.Command {
	var key string
	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session and everything attached to it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := dial(socketPath).DeleteSession(context.Background(), key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session deleted")
			printContext(cmd, env.Context)
			return nil
		},
	}
	c.Flags().StringVar(&key, "key", "", "session key (YYYY-MM-DD, default tonight)")
	return c
}

func newExportCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Queue an analytics export for the remote service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := dial(socketPath).Export(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "export queued")
			return nil
		},
	}
}

func printContext(cmd *cobra.Command, ctx api.SessionContext) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session  %s\n", ctx.SessionKey)
	fmt.Fprintf(out, "phase    %s\n", phaseLabel(ctx.Phase))
	if ctx.RemainingSeconds != nil {
		fmt.Fprintf(out, "closes   in %s\n", (time.Duration(*ctx.RemainingSeconds) * time.Second).Round(time.Minute))
	}
	if ctx.NextReminderAt != nil {
		fmt.Fprintf(out, "reminder %s\n", *ctx.NextReminderAt)
	}
	if ctx.SnoozeCount > 0 {
		fmt.Fprintf(out, "snoozes  %d\n", ctx.SnoozeCount)
	}
	if ctx.OffsetChanged {
		fmt.Fprintln(out, color.YellowString("note: timezone changed since dose 1; times shown in current zone"))
	}
}

func phaseLabel(phase string) string {
	switch phase {
	case string(model.PhaseNoDose1):
		return "waiting for dose 1"
	case string(model.PhaseBeforeWindow):
		return color.CyanString("before window")
	case string(model.PhaseActive):
		return color.GreenString("window open")
	case string(model.PhaseNearClose):
		return color.YellowString("window closing soon")
	case string(model.PhaseClosed):
		return color.RedString("window closed")
	case string(model.PhaseCompletedDose2):
		return color.GreenString("dose 2 taken")
	case string(model.PhaseSkippedDose2):
		return "dose 2 skipped"
	default:
		return phase
	}
}
