package cli

import (
	"fmt"
	"strconv"

	"github.com/soyeahso/companion/internal/records"
	"github.com/spf13/cobra"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Manage patient pregnancy records",
	}

	cmd.AddCommand(newRecordGetCmd())
	cmd.AddCommand(newRecordUpsertCmd())
	cmd.AddCommand(newRecordListCmd())
	cmd.AddCommand(newRecordVisitCmd())
	cmd.AddCommand(newRecordDeleteCmd())
	return cmd
}

// withRecords opens the app and runs fn against its record gateway.
func withRecords(fn func(gw *records.Gateway) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.records)
}

func newRecordGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <phone>",
		Short: "Show a record and its ANC schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(gw *records.Gateway) error {
				v, err := gw.Fetch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			})
		},
	}
}

func newRecordUpsertCmd() *cobra.Command {
	var (
		name, lmp, location, country, risk, status string
		age                                        int
	)

	cmd := &cobra.Command{
		Use:   "upsert <phone>",
		Short: "Create a record or update the given fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f records.Fields
			flags := cmd.Flags()
			if flags.Changed("name") {
				f.Name = &name
			}
			if flags.Changed("lmp") {
				f.LMPDate = &lmp
			}
			if flags.Changed("age") {
				f.Age = &age
			}
			if flags.Changed("location") {
				f.Location = &location
			}
			if flags.Changed("country") {
				f.Country = &country
			}
			if flags.Changed("risk") {
				r := records.RiskLevel(risk)
				f.RiskLevel = &r
			}
			if flags.Changed("status") {
				s := records.Status(status)
				f.Status = &s
			}

			return withRecords(func(gw *records.Gateway) error {
				v, err := gw.Upsert(cmd.Context(), args[0], f)
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "patient name")
	cmd.Flags().StringVar(&lmp, "lmp", "", "last menstrual period (YYYY-MM-DD)")
	cmd.Flags().IntVar(&age, "age", 0, "age in years")
	cmd.Flags().StringVar(&location, "location", "", "town or facility")
	cmd.Flags().StringVar(&country, "country", "", "country")
	cmd.Flags().StringVar(&risk, "risk", "", "risk level: low, moderate, high, unknown")
	cmd.Flags().StringVar(&status, "status", "", "record status: active, completed, inactive, archived")
	return cmd
}

func newRecordListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(gw *records.Gateway) error {
				views, err := gw.List(cmd.Context(), records.Status(status))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, v := range views {
					r := v.Record
					week := ""
					if v.Derived != nil {
						week = fmt.Sprintf("week %d+%d", v.Derived.GestationalWeeks, v.Derived.GestationalDays)
					}
					fmt.Fprintf(out, "  %-16s %-20s %-10s edd=%s %s\n", r.Phone, r.Name, r.Status, r.EDD, week)
				}
				fmt.Fprintf(out, "%d record(s)\n", len(views))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", string(records.StatusActive), "active, completed, inactive, archived or all")
	return cmd
}

func newRecordVisitCmd() *cobra.Command {
	var date, notes string

	cmd := &cobra.Command{
		Use:   "visit <phone> <visit-number>",
		Short: "Mark an ANC visit (1-8) as completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("visit number must be an integer: %q", args[1])
			}
			return withRecords(func(gw *records.Gateway) error {
				v, err := gw.CompleteVisit(cmd.Context(), args[0], number, date, notes)
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "completion date (default today)")
	cmd.Flags().StringVar(&notes, "notes", "", "visit notes")
	return cmd
}

func newRecordDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete <phone>",
		Short: "Permanently delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(func(gw *records.Gateway) error {
				if err := gw.Delete(cmd.Context(), args[0], confirm); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm deletion")
	return cmd
}
