package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/soyeahso/companion/internal/config"
	"github.com/soyeahso/companion/internal/gateway"
	"github.com/soyeahso/companion/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show paths and a configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n\n", version.Info())

			fmt.Fprintf(out, "Config:     %s\n", paths.Config)
			fmt.Fprintf(out, "Data:       %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:       %s\n", paths.Logs)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:     not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:     error loading: %v\n", err)
				return nil
			}

			auth := "token"
			if gateway.ResolveToken(cfg.Gateway.Auth) == "" {
				auth = "disabled"
			}
			fmt.Fprintf(out, "Gateway:    port=%d bind=%s auth=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, auth, cfg.Gateway.TLS.Enabled)

			if cfg.Store.Driver == "memory" {
				fmt.Fprintln(out, "Store:      memory")
			} else {
				fmt.Fprintf(out, "Store:      sqlite %s\n", paths.DatabasePath(cfg.Store))
			}
			fmt.Fprintf(out, "Compaction: threshold=%d keepRecent=%d\n",
				cfg.Compaction.Threshold, cfg.Compaction.KeepRecent)

			if len(cfg.LLM.Providers) > 0 {
				names := make([]string, 0, len(cfg.LLM.Providers))
				for name, p := range cfg.LLM.Providers {
					names = append(names, fmt.Sprintf("%s(%s/%s)", name, p.API, p.Model))
				}
				sort.Strings(names)
				fmt.Fprintf(out, "LLM:        %s primary=%s\n", strings.Join(names, ", "), cfg.LLM.Primary)
			} else {
				fmt.Fprintln(out, "LLM:        (none configured)")
			}

			if cfg.Reminders.Enabled {
				tz := cfg.Reminders.Timezone
				if tz == "" {
					tz = "UTC"
				}
				fmt.Fprintf(out, "Reminders:  schedule=%q tz=%s\n", cfg.Reminders.Schedule, tz)
			} else {
				fmt.Fprintln(out, "Reminders:  disabled")
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}
			return nil
		},
	}
}
