package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/spf13/cobra"

	"github.com/grafana/cdpdriver/cdp"
)

func getCmdRepl(c *rootCommand) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "repl <ws-url>",
		Short: "Send raw CDP requests to a target",
		Long: `Connect to the WebSocket of a target and send one request per input line,
written as the method name optionally followed by its JSON params:

  Runtime.evaluate {"expression": "1 + 1", "returnByValue": true}`,
		Args: exactArgsWithMsg(1, "arg should be the WebSocket URL of a target"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c.logger.Infof("cdpctl:repl", "connecting to %q", args[0])
			conn := cdp.NewConnection(ctx, args[0], c.logger)
			defer conn.Close()

			out := &lockedWriter{w: c.stdout}

			for _, name := range events {
				conn.On(name, func(evt *cdp.Event) {
					fmt.Fprintf(out, "<- %s %s\n", evt.Name, pretty(evt.Params))
				})
			}

			sc := bufio.NewScanner(c.stdin)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}

				method, params, err := splitRequest(line)
				if err != nil {
					fmt.Fprintf(out, "<- error: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "-> %s %s\n", method, pretty(params))
				res, err := conn.Send(ctx, method, params)
				if err != nil {
					if conn.Err() != nil {
						return err //nolint:wrapcheck
					}
					fmt.Fprintf(out, "<- error: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "<- %s\n", pretty(res))
			}

			return sc.Err() //nolint:wrapcheck
		},
	}

	cmd.Flags().StringSliceVar(&events, "event", nil, "print every occurrence of this event, can be repeated")

	return cmd
}

// splitRequest splits a "Method {params}" line. params is nil when the line
// has none.
func splitRequest(line string) (method string, params easyjson.RawMessage, err error) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, nil, nil
	}
	method = line[:i]
	p := bytes.TrimSpace([]byte(line[i:]))
	if len(p) == 0 {
		return method, nil, nil
	}
	if !json.Valid(p) {
		return "", nil, fmt.Errorf("params of %s are not valid JSON: %s", method, p)
	}

	return method, easyjson.RawMessage(p), nil
}
