// Package tidepool parses CLI flags and dispatches the tidepool
// subcommands against a local database directory.
package tidepool

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	db "github.com/louisbranch/tidepool"
	entrypoint "github.com/louisbranch/tidepool/internal/platform/cmd"
	"github.com/louisbranch/tidepool/internal/platform/logging"
)

// Config holds tidepool command configuration shared by all subcommands.
type Config struct {
	Dir      string        `env:"TIDEPOOL_DIR"`
	Timeout  time.Duration `env:"TIDEPOOL_TIMEOUT"            envDefault:"30s"`
	Debounce time.Duration `env:"TIDEPOOL_ADD_BATCH_DEBOUNCE" envDefault:"250ms"`
	BoxKeys  string        `env:"TIDEPOOL_BOX_KEYS"`
	Verbose  bool          `env:"TIDEPOOL_VERBOSE"`
}

// ParseConfig parses environment and global flags into a Config. The
// returned slice holds the subcommand name and its arguments.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, []string, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, nil, err
	}

	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "database directory (default: ~/.tidepool)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout for bounded commands")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "index batch debounce window")
	fs.StringVar(&cfg.BoxKeys, "box-keys", cfg.BoxKeys, "comma-separated base64 keys for reading private content")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "verbose logging to stderr")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, nil, err
	}

	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".tidepool")
	}
	return cfg, fs.Args(), nil
}

// Run dispatches the subcommand named by args[0].
func Run(ctx context.Context, cfg Config, args []string, out, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if len(args) == 0 {
		usage(errOut)
		return fmt.Errorf("a command is required")
	}

	name, rest := args[0], args[1:]
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTidepool, func(ctx context.Context) error {
		switch name {
		case "init":
			return runInit(cfg, out, errOut)
		case "publish":
			return runPublish(ctx, cfg, rest, out, errOut)
		case "get":
			return runGet(ctx, cfg, rest, out, errOut)
		case "log":
			return runLog(ctx, cfg, rest, out, errOut)
		case "status":
			return runStatus(ctx, cfg, rest, out, errOut)
		case "verify":
			return runVerify(ctx, cfg, rest, out, errOut)
		default:
			usage(errOut)
			return fmt.Errorf("unknown command %q", name)
		}
	})
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: tidepool [flags] <command> [command flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  init      create the database directory and identity")
	fmt.Fprintln(w, "  publish   sign and append a message to the local feed")
	fmt.Fprintln(w, "  get       fetch one stored message by ref")
	fmt.Fprintln(w, "  log       print admitted records in log order")
	fmt.Fprintln(w, "  status    report log position, index watermarks, and feeds")
	fmt.Fprintln(w, "  verify    re-validate a stored feed chain")
}

// openStore opens the database at cfg.Dir and loads any configured box
// keys into the keystore.
func openStore(cfg Config, errOut io.Writer) (*db.DB, error) {
	logger := logging.Nop()
	if cfg.Verbose {
		logger = logging.NewConsole(errOut, "tidepool")
	}

	store, err := db.Open(cfg.Dir,
		db.WithAddBatchDebounce(cfg.Debounce),
		db.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	for _, enc := range strings.Split(cfg.BoxKeys, ",") {
		enc = strings.TrimSpace(enc)
		if enc == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("decode box key: %w", err)
		}
		if err := store.AddBoxKey(key); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// waitCaughtUp blocks until the named index has absorbed the log.
func waitCaughtUp(ctx context.Context, store *db.DB, index string) error {
	done := make(chan struct{}, 1)
	cancel, err := store.OnDrain(index, func() {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// boundedCtx applies the configured timeout. A zero timeout leaves ctx
// unbounded.
func boundedCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}
