package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(cmd),
		createStopCommand(cmd),
		createKillCommand(cmd),
		createRestartCommand(cmd),
		createStatusCommand(cmd),
		createClearCommand(cmd),
		createDeployCommand(cmd),
		createUndeployCommand(cmd),
		createListCommand(cmd),
		createDescribeCommand(cmd),
		createCallCommand(cmd),
		createGetLogsCommand(cmd),
		createServeCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fnemu",
		Short: "Run cloud functions locally",
		Long: `fnemu emulates a cloud functions runtime on your machine. Modules are
directories with a function.json manifest; deployed exports are served over
HTTP on the emulator port.

Examples:
  fnemu start --project-id=my-project
  fnemu deploy ./hello helloWorld --trigger-http
  fnemu call helloWorld --data='{"name":"x"}'
  fnemu get-logs --limit=50
  fnemu stop`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createStartCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the emulator in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project-id", "", "project id exposed to functions (default from config)")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "start with debug logging")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the emulator gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createKillCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Force-stop the emulator using its PID file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill()
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the emulator keeping its project id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the emulator is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createClearCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Undeploy every function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Clear(cmd.Context())
		},
	}
}

func createDeployCommand(c *command) *cobra.Command {
	f := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy <module> <entryPoint>",
		Short: "Deploy an export of a module directory",
		Long: `Deploy registers entryPoint, an export of the function.json manifest in
the module directory, under its own name.

Examples:
  fnemu deploy ./hello helloWorld --trigger-http
  fnemu deploy ./jobs nightlyCleanup`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deploy(cmd.Context(), args[0], args[1], *f)
		},
	}
	cmd.Flags().BoolVar(&f.TriggerHTTP, "trigger-http", false, "deploy as an HTTP function (default background)")
	return cmd
}

func createUndeployCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "undeploy <name>",
		Short: "Remove a deployed function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Undeploy(cmd.Context(), args[0])
		},
	}
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

func createDescribeCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show one deployed function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Describe(cmd.Context(), args[0])
		},
	}
}

func createCallCommand(c *command) *cobra.Command {
	f := &CallFlags{}
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Invoke a deployed function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Call(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVarP(&f.Data, "data", "d", "", "JSON payload sent as the request body")
	return cmd
}

func createGetLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "get-logs",
		Short: "Print the last lines of the emulator log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.GetLogs(*f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of lines to print")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the emulator in the foreground",
		Long: `Serve runs the dispatcher in the foreground until it receives DELETE /,
SIGINT or SIGTERM. start launches this command detached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project-id", "", "project id exposed to functions (default from config)")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "enable debug logging")
	return cmd
}
