package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/cdpdriver/chromium"
)

func getCmdEval(c *rootCommand) *cobra.Command {
	var (
		waitFor    string
		timeout    time.Duration
		screenshot string
	)

	cmd := &cobra.Command{
		Use:   "eval <url> <expression>",
		Short: "Evaluate an expression in a page",
		Long: `Launch a browser, open url in a new page and print the value of
expression as JSON.`,
		Example: `  cdpctl eval https://example.com 'document.title'
  cdpctl eval --wait-for '() => document.readyState === "complete"' https://example.com 'location.href'`,
		Args: exactArgsWithMsg(2, "arg should be the URL and the expression to evaluate"),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := launchOptions(cmd.Flags())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			browser, err := chromium.NewBrowserType().Launch(ctx, opts, c.logger)
			if err != nil {
				return err //nolint:wrapcheck
			}
			defer browser.Close()

			page, err := browser.Open(ctx, args[0])
			if err != nil {
				return err //nolint:wrapcheck
			}
			defer func() {
				if err := page.Close(ctx); err != nil {
					c.logger.Warnf("cdpctl:eval", "closing page: %v", err)
				}
			}()

			if waitFor != "" {
				if _, err := page.PollUntil(ctx, waitFor, timeout); err != nil {
					return err //nolint:wrapcheck
				}
			}

			value, err := page.Execute(ctx, args[1])
			if err != nil {
				return err //nolint:wrapcheck
			}
			if len(value) == 0 {
				value = []byte("undefined")
			}
			fmt.Fprintf(c.stdout, "%s\n", pretty(value))

			if screenshot != "" {
				return page.Screenshot(ctx, screenshot) //nolint:wrapcheck
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&waitFor, "wait-for", "", "function polled until it returns a truthy value before evaluating")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to poll the --wait-for function")
	cmd.Flags().StringVar(&screenshot, "screenshot", "", "save a PNG screenshot of the page to this path")

	return cmd
}
