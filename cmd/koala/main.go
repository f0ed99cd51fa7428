// Command koala runs one guest script inside the sandbox host, speaking the
// line protocol on stdin and stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/joeycumines/koala/internal/config"
	"github.com/joeycumines/koala/internal/logging"
	"github.com/joeycumines/koala/internal/metrics"
	"github.com/joeycumines/koala/internal/network"
	"github.com/joeycumines/koala/internal/sandbox"
)

const version = "0.0.1"

// exitError carries a process exit status. err may be nil when there is
// nothing left to report.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

// exitCode reports err, if any, and maps it to a process status.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return ec.ExitCode()
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

type options struct {
	configPath  string
	proxy       string
	logLevel    string
	logFile     string
	metricsAddr string
	version     bool
}

func newFlagSet(opts *options, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("koala", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file (default $KOALA_CONFIG or ~/.koala/config)")
	fs.StringVar(&opts.proxy, "proxy", "", "proxy as [http|socks5://]host:port")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFile, "log-file", "", "write logs to this file instead of stderr")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVarP(&opts.version, "version", "v", false, "print the version and exit")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: koala [options] <script.js>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	return fs
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &exitError{code: 1}
	}

	if opts.version {
		_, _ = fmt.Fprintf(stdout, "koala %s\n", version)
		return nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return &exitError{code: 1}
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}

	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		path = fs.Arg(0)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Couldn't read %s: %v\n", path, err)
		return &exitError{code: 1}
	}

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := m.Serve(mctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	var proxy *network.Proxy
	if cfg.Proxy.Enabled() {
		proxy = &network.Proxy{Type: cfg.Proxy.Type, Host: cfg.Proxy.Host, Port: cfg.Proxy.Port}
	}

	host, err := sandbox.New(sandbox.Config{
		UserAgent:       cfg.Sandbox.UserAgent,
		Proxy:           proxy,
		RequestTimeout:  cfg.Sandbox.RequestTimeout,
		ScriptTimeLimit: cfg.Sandbox.ScriptTimeLimit,
	}, sandbox.Options{
		Stdin:   stdin,
		Stdout:  stdout,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("start sandbox: %w", err)}
	}
	if err := host.Launch(path, string(src)); err != nil {
		host.Close()
		return &exitError{code: 1, err: err}
	}

	code, err := host.Run(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Info("interrupted")
		return &exitError{code: 130}
	default:
		return &exitError{code: 1, err: err}
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// loadConfig applies the file, then the environment, then flags.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if fs.Changed("proxy") {
		p, err := config.ParseProxy(opts.proxy)
		if err != nil {
			return nil, err
		}
		cfg.Proxy = p
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if fs.Changed("log-file") {
		cfg.Log.File = opts.logFile
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
