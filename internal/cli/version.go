package cli

import (
	"fmt"

	"github.com/soyeahso/companion/internal/store"
	"github.com/soyeahso/companion/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of companion",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Info())
			fmt.Fprintf(out, "store schema: v%d\n", store.SchemaVersion())
		},
	}
}
