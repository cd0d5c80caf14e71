package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cdpdriver/browserprocess"
	"github.com/grafana/cdpdriver/common"
	"github.com/grafana/cdpdriver/log"
)

// rootCommand keeps what every cdpctl command needs.
type rootCommand struct {
	ctx    context.Context
	logger *log.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cmd     *cobra.Command
	verbose bool
}

func newRootCommand(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *rootCommand {
	l := logrus.New()
	l.SetOutput(stderr)
	l.SetLevel(logrus.InfoLevel)

	c := &rootCommand{
		ctx:    ctx,
		logger: log.New(l, nil),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
	c.cmd = &cobra.Command{
		Use:               "cdpctl",
		Short:             "drive a Chrome DevTools protocol browser",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetIn(stdin)
	c.cmd.SetOut(stdout)
	c.cmd.SetErr(stderr)
	c.cmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(&c.verbose))
	c.cmd.AddCommand(
		getCmdTargets(c),
		getCmdEval(c),
		getCmdRepl(c),
	)

	return c
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	if c.verbose {
		return c.logger.SetLevel("debug")
	}
	return nil
}

func rootCmdPersistentFlagSet(verbose *bool) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(verbose, "verbose", "v", false, "enable debug logging")
	flags.String("executable-path", "", "path of the browser executable (env CDP_EXECUTABLE_PATH)")
	flags.Int64("port", common.DefaultPort, "remote debugging port of the browser (env CDP_PORT)")
	flags.Bool("headless", true, "run the browser without a window (env CDP_HEADLESS)")
	flags.Bool("debug", false, "log the CDP traffic (env CDP_DEBUG)")
	flags.String("log-category-filter", ".*", "only log categories matching this regexp (env CDP_LOG_CATEGORY_FILTER)")
	flags.StringSlice("arg", nil, "extra browser flag as name[=value], can be repeated (env CDP_ARGS)")
	flags.StringToString("env", nil, "extra browser environment variable as KEY=VALUE (env CDP_ENV)")

	return flags
}

// launchOptions layers the defaults, the environment and the flags that
// were set on the command line, in this order.
func launchOptions(flags *pflag.FlagSet) (common.LaunchOptions, error) {
	env, err := common.LaunchOptionsFromEnv()
	if err != nil {
		return common.LaunchOptions{}, err //nolint:wrapcheck
	}

	args, err := flags.GetStringSlice("arg")
	if err != nil {
		return common.LaunchOptions{}, fmt.Errorf("reading --arg: %w", err)
	}
	envVars, err := flags.GetStringToString("env")
	if err != nil {
		return common.LaunchOptions{}, fmt.Errorf("reading --env: %w", err)
	}
	cli := common.LaunchOptions{
		ExecutablePath:    getNullString(flags, "executable-path"),
		Port:              getNullInt64(flags, "port"),
		Headless:          getNullBool(flags, "headless"),
		Debug:             getNullBool(flags, "debug"),
		LogCategoryFilter: getNullString(flags, "log-category-filter"),
		Args:              args,
		Env:               envVars,
	}

	return common.NewLaunchOptions().Apply(env).Apply(cli), nil
}

// run executes the command line. Browsers still registered when it fails or
// panics are killed, nothing else would stop them.
func (c *rootCommand) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			browserprocess.ForceProcessShutdown(c.ctx)
			panic(r)
		}
		if err != nil {
			browserprocess.ForceProcessShutdown(c.ctx)
		}
	}()

	return c.cmd.ExecuteContext(c.ctx) //nolint:wrapcheck
}

func execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := newRootCommand(ctx, os.Stdin, os.Stdout, os.Stderr)
	if err := c.run(); err != nil {
		c.logger.Errorf("cdpctl", "%v", err)
		cancel()
		os.Exit(1) //nolint:gocritic
	}
}
