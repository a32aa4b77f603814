// Command health-cache tracks blood pressure, weight and meals in a local
// database and runs the offline request cache for the app shell.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/health-cache/backend"
	"github.com/wolfeidau/health-cache/config"
	"github.com/wolfeidau/health-cache/memo"
	"github.com/wolfeidau/health-cache/repo"
	"github.com/wolfeidau/health-cache/store/cachestorage"
	"github.com/wolfeidau/health-cache/store/localdb"
)

var version = "dev"

// Globals are flags shared by every command. Set flags override the config file
// and environment.
type Globals struct {
	Config    string `help:"YAML config file." type:"path" placeholder:"PATH"`
	DataDir   string `help:"Directory holding the database and caches." type:"path" placeholder:"DIR"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." placeholder:"LEVEL"`
	LogFormat string `help:"Log format (text, json, tint)." placeholder:"FORMAT"`
}

// CLI is the command line of health-cache.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print the version and exit."`

	Add     AddCmd     `cmd:"" help:"Add a blood pressure, weight or meal record."`
	List    ListCmd    `cmd:"" aliases:"ls" help:"List recent records."`
	Summary SummaryCmd `cmd:"" help:"Show today's calories and latest readings."`
	Target  TargetCmd  `cmd:"" help:"Show or set the daily calories target."`
	Geocode GeocodeCmd `cmd:"" help:"Turn coordinates into an address."`
	Fetch   FetchCmd   `cmd:"" help:"Fetch a URL through a page of the request cache controller."`
	Cache   CacheCmd   `cmd:"" help:"Inspect or purge the request caches."`
	Serve   ServeCmd   `cmd:"" help:"Serve the app shell as the development origin."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("health-cache"),
		kong.Description("Local health tracker with an offline request cache."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	app, err := newApp(cli.Globals, stdout, stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(app)
}

// App holds what commands share. Databases are opened on first use.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	now    func() time.Time

	db      *localdb.Database
	repo    *repo.Repository
	storage *cachestorage.Storage
}

func newApp(g Globals, stdout, stderr io.Writer) (*App, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &App{cfg: cfg, logger: logger, out: stdout, now: time.Now}, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "tint":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

func (a *App) ensureDataDir() error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// Repo returns the record repositories over the health database.
func (a *App) Repo() (*repo.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	if err := a.ensureDataDir(); err != nil {
		return nil, err
	}
	a.db = localdb.New(a.cfg.DatabasePath(), localdb.DefaultSchema, localdb.WithLogger(a.logger))
	a.repo = repo.New(a.db, repo.WithLogger(a.logger), repo.WithNow(a.now))
	return a.repo, nil
}

// Memo returns a read-through cache over Repo.
func (a *App) Memo() (*memo.Store, error) {
	r, err := a.Repo()
	if err != nil {
		return nil, err
	}
	return memo.New(r, memo.WithTTL(a.cfg.Memo.TTL), memo.WithLogger(a.logger)), nil
}

// Storage returns the request cache storage.
func (a *App) Storage() (*cachestorage.Storage, error) {
	if a.storage != nil {
		return a.storage, nil
	}
	if err := a.ensureDataDir(); err != nil {
		return nil, err
	}
	fs, err := backend.NewFilesystem(a.cfg.BodiesDir())
	if err != nil {
		return nil, fmt.Errorf("creating body store: %w", err)
	}
	s, err := cachestorage.Open(a.cfg.CacheIndexPath(), backend.NewInstrumentedBackend(fs, "filesystem"),
		cachestorage.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.storage = s
	return s, nil
}

// Close releases the databases.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("closing cache storage", "error", err)
		}
	}
}
