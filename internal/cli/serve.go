package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/console"
	"github.com/snehjoshi/epochalarm/internal/consumer"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	transphttp "github.com/snehjoshi/epochalarm/internal/transport/http"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoConsole bool
	NoHTTP    bool
	// Drain exits once console input ends and every pending alarm has
	// fired. Useful for piping a script of commands into alarmd.
	Drain bool

	// Stdin, Stdout and Stderr default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alarm scheduler",
		Long: `Run the alarm scheduler.

Commands typed at the "Alarm>" prompt:
  <seconds> Message(<n>) <text>    schedule, replacing any pending Message(<n>)
  Cancel: Message(<n>)             cancel the pending Message(<n>)

Example:
  alarmd serve --config ./config.yaml
  printf '2 Message(1) hello\n' | alarmd serve --no-http --drain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Stdin == nil {
				opts.Stdin = cmd.InOrStdin()
			}
			if opts.Stdout == nil {
				opts.Stdout = cmd.OutOrStdout()
			}
			if opts.Stderr == nil {
				opts.Stderr = cmd.ErrOrStderr()
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoConsole, "no-console", false, "disable the interactive prompt")
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "disable the HTTP API")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "exit after console input ends and all alarms have fired")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("load config: %w", err)}
	}
	if opts.NoConsole {
		cfg.Console.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("invalid config: %w", err)}
	}
	if opts.Drain && !cfg.Console.Enabled {
		return usageError("--drain needs the console")
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	// Logs go to stderr so they never interleave with the prompt.
	logger := NewLogger(cfg.Log, opts.Stderr)
	slog.SetDefault(logger)

	slog.Info("alarmd starting",
		"addr", cfg.Addr(),
		"data_dir", cfg.Node.DataDir,
		"history", cfg.History.Enabled,
		"console", cfg.Console.Enabled,
		"http", !opts.NoHTTP,
	)

	// ── 3. Initialise metrics registry and broker ────────────────────────────
	metricsReg := &metrics.Registry{}
	b, err := broker.New(cfg, broker.WithMetrics(metricsReg), broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("broker close error", "err", err)
		}
	}()

	// ── 4. Initialise webhook consumer manager ───────────────────────────────
	timeout, backoff, _ := cfg.WebhookTimings() // validated above
	cm := consumer.NewManager(b, consumer.Options{
		Timeout:     timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Backoff:     backoff,
		Metrics:     metricsReg,
		Logger:      logger,
	})
	defer cm.Close()
	for _, ep := range cfg.Webhook.Endpoints {
		if _, err := cm.Register(ep.URL, ep.Secret, ep.AlarmID); err != nil {
			return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("webhook %s: %w", ep.URL, err)}
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 5. Start HTTP / WebSocket transport ──────────────────────────────────
	serveErr := make(chan error, 1)
	var srv *transphttp.Server
	if !opts.NoHTTP {
		srv = transphttp.New(b, cm, cfg, metricsReg)
		go func() {
			slog.Info("alarmd ready", "addr", cfg.Addr())
			if err := srv.ListenAndServe(cfg.Addr()); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			} else {
				serveErr <- nil
			}
		}()
	}

	// ── 6. Start console ─────────────────────────────────────────────────────
	consoleDone := make(chan error, 1)
	if cfg.Console.Enabled {
		var copts []console.Option
		if opts.Drain {
			copts = append(copts, console.WithDrain())
		}
		c := console.New(b, opts.Stdin, opts.Stdout, opts.Stderr, cfg.Console.Prompt, copts...)
		go func() { consoleDone <- c.Run(runCtx) }()
	}

	// ── 7. Wait for a reason to stop ─────────────────────────────────────────
	var runErr error
	select {
	case <-runCtx.Done():
		slog.Info("shutting down", "reason", context.Cause(runCtx))
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-consoleDone:
		if err != nil {
			slog.Warn("console stopped", "err", err)
		}
		switch {
		case opts.Drain:
			// Console already waited for the last alarm.
		case opts.NoHTTP:
			// Nothing left to serve but the scheduler itself.
			<-runCtx.Done()
		default:
			select {
			case <-runCtx.Done():
			case err := <-serveErr:
				if err != nil {
					runErr = fmt.Errorf("http server: %w", err)
				}
			}
		}
	}

	if srv != nil {
		// Give in-flight requests 5 seconds to complete.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
	}

	slog.Info("alarmd stopped")
	return runErr
}

// NewLogger builds the process logger from log settings.
func NewLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
