package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/soyeahso/companion/internal/gateway"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Start the HTTP and WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go a.manager.Run(ctx)

			opts := []gateway.ServerOption{
				gateway.WithRecords(a.records),
				gateway.WithHooks(a.hooks),
				gateway.WithMetrics(a.metrics),
			}
			if cfg.Reminders.Enabled {
				sched := a.scheduler()
				if err := sched.Start(ctx, cfg.Reminders.Schedule); err != nil {
					return err
				}
				defer sched.Stop()
				opts = append(opts, gateway.WithReminders(sched))
			}

			srv := gateway.New(cfg.Gateway, a.service, a.log, opts...)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "", "bind mode: loopback, lan, custom (overrides config)")
	return cmd
}
