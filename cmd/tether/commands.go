package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/loykin/tether/internal/auth"
	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/devbackend"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/logger"
	"github.com/loykin/tether/internal/profile"
	"github.com/loykin/tether/internal/stream"
	"github.com/loykin/tether/internal/supervisor"
	"github.com/loykin/tether/pkg/client"
	"github.com/loykin/tether/pkg/template"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "tether.toml"

// command carries what every subcommand needs. Config and logger are loaded
// on first use so that commands like devbackend work without a config.
type command struct {
	global *GlobalFlags
	out    io.Writer
	errOut io.Writer

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
}

func (c *command) close() {
	if c.logCloser != nil {
		_ = c.logCloser.Close()
		c.logCloser = nil
	}
}

func (c *command) stdout() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

func (c *command) stderr() io.Writer {
	if c.errOut == nil {
		return os.Stderr
	}
	return c.errOut
}

func (c *command) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := c.global.ConfigPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *command) logger() (*slog.Logger, error) {
	if c.log != nil {
		return c.log, nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	c.log, c.logCloser = log, closer
	return log, nil
}

func (c *command) profile() (profile.Profile, error) {
	cfg, err := c.config()
	if err != nil {
		return profile.Profile{}, err
	}
	return cfg.Profile(c.global.Profile)
}

// options returns the configured supervisor tunables wired to the logger
// and, when configured, the history sinks. The returned closer releases the
// sinks.
func (c *command) options() (supervisor.Options, io.Closer, error) {
	cfg, err := c.config()
	if err != nil {
		return supervisor.Options{}, nil, err
	}
	log, err := c.logger()
	if err != nil {
		return supervisor.Options{}, nil, err
	}
	opts := cfg.Supervisor
	opts.Logger = log
	sinks, err := factory.NewSinks(cfg.History.All()...)
	if err != nil {
		return supervisor.Options{}, nil, fmt.Errorf("history: %w", err)
	}
	if len(sinks) > 0 {
		opts.History = sinks
	}
	return opts, sinks, nil
}

func (c *command) api() (*client.Client, error) {
	if c.global.APIUrl == "" {
		return nil, nil
	}
	cfg := client.Config{
		BaseURL: c.global.APIUrl,
		Timeout: c.global.APITimeout,
		Token:   c.global.APIToken,
		Logger:  logger.Discard(),
	}
	if c.global.APICA != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.global.APICA}
	}
	return client.New(cfg)
}

// Init writes a generated config to flags.Output.
func (c *command) Init(flags InitFlags) error {
	exe, err := os.Executable()
	if err != nil {
		exe = "tether"
	}
	data, err := template.NewGenerator(exe).GenerateTOML(template.TemplateType(flags.Template), flags.Name)
	if err != nil {
		return err
	}
	if flags.Output == "-" {
		_, err = c.stdout().Write(data)
		return err
	}
	mode := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !flags.Force {
		mode |= os.O_EXCL
	}
	f, err := os.OpenFile(flags.Output, mode, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists; use --force to overwrite", flags.Output)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "wrote %s\n", flags.Output)
	return nil
}

// HashPassword prints the bcrypt hash of the first line of in.
func (c *command) HashPassword(in io.Reader, flags HashPasswordFlags) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"), flags.Cost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout(), hash)
	return err
}

// Start spawns the profile's backend detached and waits until it is
// healthy. A backend that is already up is reported, not treated as an
// error.
func (c *command) Start(ctx context.Context) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	if api != nil {
		st, err := api.Start(ctx, c.global.Profile)
		if err != nil {
			return err
		}
		printJSON(c.stdout(), st)
		return nil
	}
	prof, err := c.profile()
	if err != nil {
		return err
	}
	opts, sinks, err := c.options()
	if err != nil {
		return err
	}
	defer func() { _ = sinks.Close() }()
	opts.Detached = true

	s, err := supervisor.New(prof, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		var running *supervisor.AlreadyRunningError
		if errors.As(err, &running) {
			printJSON(c.stdout(), supervisor.Inspect(ctx, prof, opts))
			return nil
		}
		var timeout *supervisor.BackendTimeoutError
		if errors.As(err, &timeout) {
			return fmt.Errorf("%w (still running; see %s, stop it with 'tether stop')", err, prof.LogFile)
		}
		return err
	}
	printJSON(c.stdout(), s.Status())
	return nil
}

// Stop ends the backend recorded in the profile's pid file.
func (c *command) Stop(ctx context.Context) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	if api != nil {
		st, err := api.Stop(ctx, c.global.Profile)
		if err != nil {
			return err
		}
		printJSON(c.stdout(), st)
		return nil
	}
	prof, err := c.profile()
	if err != nil {
		return err
	}
	opts, sinks, err := c.options()
	if err != nil {
		return err
	}
	defer func() { _ = sinks.Close() }()

	pid, err := supervisor.TerminateRecorded(ctx, prof, opts)
	if err != nil {
		return fmt.Errorf("stop %s: %w", prof.Name, err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintf(c.stdout(), "%s: not running\n", prof.Name)
		return nil
	}
	_, _ = fmt.Fprintf(c.stdout(), "%s: stopped pid %d\n", prof.Name, pid)
	return nil
}

func (c *command) Restart(ctx context.Context) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	if api != nil {
		st, err := api.Restart(ctx, c.global.Profile)
		if err != nil {
			return err
		}
		printJSON(c.stdout(), st)
		return nil
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *command) Status(ctx context.Context, flags StatusFlags) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	if api != nil {
		if flags.All {
			sts, err := api.Profiles(ctx)
			if err != nil {
				return err
			}
			printJSON(c.stdout(), sts)
			return nil
		}
		st, err := api.Status(ctx, c.global.Profile)
		if err != nil {
			return err
		}
		printJSON(c.stdout(), st)
		return nil
	}
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if flags.All {
		out := make([]supervisor.Status, 0, len(cfg.Profiles))
		for _, p := range cfg.Profiles {
			out = append(out, supervisor.Inspect(ctx, p, cfg.Supervisor))
		}
		printJSON(c.stdout(), out)
		return nil
	}
	prof, err := cfg.Profile(c.global.Profile)
	if err != nil {
		return err
	}
	printJSON(c.stdout(), supervisor.Inspect(ctx, prof, cfg.Supervisor))
	return nil
}

// Chat streams one reply. Interrupting with Ctrl-C ends the stream quietly.
func (c *command) Chat(ctx context.Context, flags ChatFlags, args []string) error {
	log, err := c.logger()
	if err != nil {
		return err
	}
	baseURL := flags.URL
	if baseURL == "" {
		prof, err := c.profile()
		if err != nil {
			return err
		}
		st := supervisor.Inspect(ctx, prof, c.cfg.Supervisor)
		if st.State != supervisor.StateRunning || st.BaseURL == "" {
			return fmt.Errorf("backend for profile %q is not running; start it with 'tether start'", prof.Name)
		}
		baseURL = st.BaseURL
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}

	sessionID := flags.SessionID
	if flags.NewSession {
		sessionID = ulid.Make().String()
		_, _ = fmt.Fprintf(c.stderr(), "session: %s\n", sessionID)
	}

	sc := stream.NewClient(baseURL, log)
	req := stream.Request{Message: strings.Join(args, " "), SessionID: sessionID}
	p := &eventPrinter{out: c.stdout(), errOut: c.stderr(), json: flags.JSON}
	for ev, err := range sc.Stream(ctx, req) {
		if err != nil {
			p.finish()
			return err
		}
		p.print(ev)
	}
	p.finish()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("chat timed out after %s", flags.Timeout)
	}
	return nil
}

// DevBackend runs the reference backend until interrupted.
func (c *command) DevBackend(ctx context.Context, flags DevBackendFlags) error {
	addr := flags.Addr
	if addr == "" {
		p := os.Getenv("PORT")
		if p == "" {
			return errors.New("devbackend needs --addr or PORT in the environment")
		}
		addr = "127.0.0.1:" + p
	}
	cfg, err := c.config()
	if err != nil {
		return err
	}
	logCfg := cfg.Log
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logCfg.Level = lvl
	}
	log, closer, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return devbackend.New(devbackend.Options{
		Addr:       addr,
		FrameDelay: flags.FrameDelay,
		ReadyAfter: flags.ReadyAfter,
		Logger:     log,
	}).Run(ctx)
}
