package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRemindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Check ANC visit reminders",
	}

	cmd.AddCommand(newRemindersRunCmd())
	cmd.AddCommand(newRemindersStartCmd())
	return cmd
}

func newRemindersRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Check every active record once and print the reminders due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sent, err := a.scheduler().RunOnce(cmd.Context(), time.Now())
			out := cmd.OutOrStdout()
			for _, r := range sent {
				fmt.Fprintf(out, "  %-16s %-8s %s\n", r.TenantID, r.Kind, r.Message)
			}
			fmt.Fprintf(out, "%d reminder(s) sent\n", len(sent))
			return err
		},
	}
}

func newRemindersStartCmd() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the reminder scheduler in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Reminders.Schedule
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := a.scheduler()
			if err := sched.Start(ctx, schedule); err != nil {
				return err
			}
			st := sched.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Reminder scheduler running (%s), next check %s\n",
				st.Schedule, st.NextRun.Format(time.RFC3339))

			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression (overrides config)")
	return cmd
}
