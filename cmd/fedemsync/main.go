package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createBatchCommand(c),
		createWatchCommand(c),
		createServeCommand(c),
		createStatusCommand(c),
		createAbortCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fedemsync",
		Short: "FEDEM solver batch runner and result file monitor",
		Long: `Fedemsync launches FEDEM solver stages as child processes and keeps an
index of the result files they write up to date while they run.

Examples:
  fedemsync batch solve=dynamic,stress
  fedemsync batch prepareBatch=reducer
  fedemsync watch ./results --once
  fedemsync serve --config=fedemsync.toml
  fedemsync status vars --api-url=http://127.0.0.1:8090/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	return root
}

func createBatchCommand(c command) *cobra.Command {
	flags := &BatchFlags{}
	cmd := &cobra.Command{
		Use:   "batch <directive>...",
		Short: "Run a solver batch",
		Long: `Run a batch described by key=value directives and wait until every
launched solver has exited.

Directives:
  solve=<stage>[,<stage>...]    run stages in order (reduce, dynamic, stress, modes, rosette, strain-coat)
  prepareBatch=<stage>          write the option file of one stage only
  timerange=[start,stop[,incr]] time interval of the stress recovery stages
  events=<file>                 event definition file, one event per line

Examples:
  fedemsync batch solve=reduce,dynamic
  fedemsync batch solve=dynamic,stress timerange=[0,2,0.01] --listen=:8090`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Directives = args
			return c.Batch(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "serve the status API on this address while the batch runs")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "abort the batch after this duration (0 waits forever)")
	return cmd
}

func createWatchCommand(c command) *cobra.Command {
	flags := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch [dir]...",
		Short: "Watch result directories and report index changes",
		Long: `Index the result files found in the given directories (and rdb.dirs) and
print the variable index whenever a header changes.

Examples:
  fedemsync watch ./solver --once
  fedemsync watch ./solver ./stress --pattern='*.frs' --interval=250ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Dirs = args
			return c.Watch(cmd, *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Patterns, "pattern", nil, "result file glob (repeatable, default rdb.patterns)")
	cmd.Flags().BoolVar(&flags.Once, "once", false, "scan once, print the index and exit")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 0, "poll interval (default rdb.interval)")
	return cmd
}

func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Serve the status API",
		Long: `Run a session with the status API and metrics endpoint until interrupted.
Batches given with --batch are started once the session is up.

Examples:
  fedemsync serve                       # uses --config or fedemsync.toml
  fedemsync serve fedemsync.toml --batch=solve=dynamic`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return c.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	cmd.Flags().StringArrayVar(&flags.Batch, "batch", nil, "batch directive to run at startup (repeatable)")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [processes|groups|vars|rdb-groups|files]",
		Short: "Query a running fedemsync server",
		Long: `Fetch one view of a running session over its status API.

Examples:
  fedemsync status                      # processes
  fedemsync status vars --api-url=http://host:8090/api`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: statusViews(),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.View = "processes"
			if len(args) > 0 {
				flags.View = args[0]
			}
			return c.Status(cmd, *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func createAbortCommand(c command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Kill every solver of a running fedemsync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Abort(cmd, *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "server URL (e.g. http://127.0.0.1:8090/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}
