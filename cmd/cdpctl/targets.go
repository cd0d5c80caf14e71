package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/grafana/cdpdriver/common"
)

func getCmdTargets(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the targets of a running browser",
		Long: `List the targets of a running browser.

  Use the global --port flag to choose the remote debugging port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := launchOptions(cmd.Flags())
			if err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err //nolint:wrapcheck
			}

			dir := common.NewTargetDirectory(opts.Endpoint(), c.logger)
			targets, err := dir.List(cmd.Context())
			if err != nil {
				return err //nolint:wrapcheck
			}

			w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tTITLE\tURL")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
			}
			return w.Flush() //nolint:wrapcheck
		},
	}
}
