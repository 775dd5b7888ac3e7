// Command mcp-bridge connects a stdio JSON-RPC peer to a remote SSE/HTTP
// endpoint. Protocol payloads are the only bytes ever written to stdout;
// all diagnostics go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	bridge "github.com/streampipe/mcp-bridge"
)

type options struct {
	Config            string        `short:"c" long:"config" description:"path to a YAML configuration file"`
	ReconnectInterval time.Duration `long:"reconnect-interval" description:"fixed wait between SSE reconnect attempts"`
	MaxLineBytes      int           `long:"max-line-bytes" description:"maximum accepted length of a local message"`
	MaxEventBytes     int           `long:"max-event-bytes" description:"maximum accepted size of an SSE event"`
	Suppress          []string      `short:"s" long:"suppress" description:"additional notification method patterns to drop (glob with '/' separator)"`
	LogLevel          string        `long:"log-level" description:"diagnostic log level: debug, info, warn, error"`

	Args struct {
		SSEURL string `positional-arg-name:"sse-url" description:"URL of the remote SSE endpoint"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				return
			}
			// go-flags already printed the usage message.
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return err
	}

	cfg := bridge.DefaultConfig()
	if opts.Config != "" {
		var err error
		cfg, err = bridge.LoadConfig(opts.Config)
		if err != nil {
			return err
		}
	}

	// Flags win over the config file.
	if opts.ReconnectInterval > 0 {
		cfg.ReconnectInterval = bridge.Duration(opts.ReconnectInterval)
	}
	if opts.MaxLineBytes > 0 {
		cfg.MaxLineBytes = opts.MaxLineBytes
	}
	if opts.MaxEventBytes > 0 {
		cfg.MaxEventBytes = opts.MaxEventBytes
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	cfg.SuppressMethods = append(cfg.SuppressMethods, opts.Suppress...)

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bridgeOpts := append(cfg.Options(), bridge.WithLogger(logger))
	b, err := bridge.New(opts.Args.SSEURL, bridgeOpts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return b.Run(ctx)
}

func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
