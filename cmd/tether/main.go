package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root, cleanup := buildRoot()
	err := root.Execute()
	cleanup()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached. The
// returned func releases whatever the executed command opened.
func buildRoot() (*cobra.Command, func()) {
	global := &GlobalFlags{}
	cmd := &command{global: global}

	root := createRootCommand(global)
	root.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		cmd.out = c.OutOrStdout()
		cmd.errOut = c.ErrOrStderr()
		return nil
	}

	root.AddCommand(
		createStartCommand(cmd),
		createStopCommand(cmd),
		createRestartCommand(cmd),
		createStatusCommand(cmd),
		createChatCommand(cmd),
		createServeCommand(cmd),
		createDevBackendCommand(cmd),
		createHashPasswordCommand(cmd),
		createInitCommand(cmd),
	)
	return root, cmd.close
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Supervise a local backend and talk to its event stream",
		Long: `Tether starts a backend process per profile on a free local port,
waits for its health endpoint, watches it for crashes and streams chat
events from it.

Examples:
  tether start --profile dev           # spawn and wait until healthy
  tether status                        # pid, port and health
  tether chat "hello there"            # stream a reply
  tether serve --autostart             # control API + supervision
  tether status --api-url=http://127.0.0.1:7070/api   # ask a running serve`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.Profile, "profile", "", "profile name (optional with a single profile)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "talk to a running 'tether serve' instead of acting locally")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "timeout for --api-url requests")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", os.Getenv("TETHER_API_TOKEN"), "bearer token for --api-url (default $TETHER_API_TOKEN)")
	root.PersistentFlags().StringVar(&flags.APICA, "api-ca", "", "PEM certificate to trust for an https --api-url")
	return root
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the profile's backend and wait until it is healthy",
		Long: `Start spawns the backend detached from this process, so it keeps
running after tether exits. Use 'tether stop' to end it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd.Context())
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the profile's backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the profile's backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pid, port, state and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.All, "all", false, "show every configured profile")
	return cmd
}

func createChatCommand(c *command) *cobra.Command {
	flags := &ChatFlags{}
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message and print the streamed reply",
		Long: `Chat posts the message to the backend's /chat/stream endpoint and
prints events as they arrive. Text goes to stdout; thinking, tool calls
and tool results go to stderr.

Examples:
  tether chat "summarize the repo"
  tether chat --new-session "start over"
  tether chat --session abc --json "next step"
  tether chat --url http://127.0.0.1:9000 "hi"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Chat(cmd.Context(), *flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "backend base URL (defaults to the profile's running backend)")
	cmd.Flags().StringVar(&flags.SessionID, "session", "", "session id sent with the message")
	cmd.Flags().BoolVar(&flags.NewSession, "new-session", false, "generate a fresh session id and print it to stderr")
	cmd.MarkFlagsMutuallyExclusive("session", "new-session")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print every event as a JSON line")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "give up after this long (0 = no limit)")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise configured profiles and expose the control API",
		Long: `Serve loads every profile from the config, supervises them and serves
the HTTP control API and /metrics on [server].listen.

Examples:
  tether serve --config tether.toml
  tether serve --autostart --listen :7070
  tether serve --daemonize --pidfile /run/tether.pid --logfile /var/log/tether.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start every profile on launch")
	cmd.Flags().BoolVar(&flags.KeepRunning, "keep-running", false, "leave backends running when serve exits")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "pid file for the daemonized serve process")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createDevBackendCommand(c *command) *cobra.Command {
	flags := &DevBackendFlags{}
	cmd := &cobra.Command{
		Use:   "devbackend",
		Short: "Run the built-in reference backend",
		Long: `Devbackend serves GET /health and POST /chat/stream with scripted
replies. It listens on --addr, or on 127.0.0.1:$PORT when run by a
supervisor, so it can serve as a profile's command:

  [[profiles]]
  name = "demo"
  command = "tether"
  args = ["devbackend"]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DevBackend(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Addr, "addr", "", "listen address (default 127.0.0.1:$PORT)")
	cmd.Flags().DurationVar(&flags.FrameDelay, "frame-delay", 0, "pause between streamed frames")
	cmd.Flags().DurationVar(&flags.ReadyAfter, "ready-after", 0, "report unhealthy until this long after start")
	return cmd
}

func createHashPasswordCommand(c *command) *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a control API password read from stdin",
		Long: `Hash-password reads one line from stdin and prints its bcrypt hash
for a [[server.auth.users]] password_hash entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.HashPassword(cmd.InOrStdin(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}

func createInitCommand(c *command) *cobra.Command {
	flags := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter tether.toml",
		Long: `Init writes a config with one profile generated from a template:
devbackend (this binary's built-in backend), python, node or binary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Init(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Template, "template", "devbackend", "profile template")
	cmd.Flags().StringVar(&flags.Name, "name", "default", "profile name")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", defaultConfigFile, "file to write, - for stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}
