package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		user      string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message as a patient and print the reply",
		Args:  cobra.MinimumNArgs(1),
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
			if a.llm == nil {
				return errNoProviders
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reply, err := a.service.HandleMessage(ctx, user, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[session=%s seq=%d]\n", reply.SessionID, reply.Seq)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "patient id (phone number)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to continue")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		user  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a patient's conversation memory",
		Args:  cobra.MinimumNArgs(1),
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

			hits, err := a.service.Search(cmd.Context(), user, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hits) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			for _, h := range hits {
				who := h.Role
				if who == "" {
					who = string(h.Kind)
				}
				fmt.Fprintf(out, "%s  #%d  %-9s %s\n", h.SessionID, h.Seq, who, h.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "patient id (phone number)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newClearCmd() *cobra.Command {
	var (
		user      string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Archive one session, or all of a patient's sessions",
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

			n, err := a.service.Clear(cmd.Context(), user, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d session(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "patient id (phone number)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to archive (default: all)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// printJSON writes v to the command's stdout as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
