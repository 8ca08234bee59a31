package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fblifecycle"
	"github.com/brandur/fadeboard/internal/fbmedia"
	"github.com/brandur/fadeboard/internal/fbmetrics"
	"github.com/brandur/fadeboard/internal/fbstore"
	"github.com/brandur/fadeboard/internal/fbstore/fbfilestore"
	"github.com/brandur/fadeboard/internal/fbstore/fbgcpstoragestore"
	"github.com/brandur/fadeboard/internal/fbstore/fbmemorystore"
	"github.com/brandur/fadeboard/internal/fbstore/fbredisstore"
)

const defaultPort = 8083

const shutdownTimeout = 10 * time.Second

const (
	SnapshotBackendFile   = "file"
	SnapshotBackendGCS    = "gcs"
	SnapshotBackendMemory = "memory"
	SnapshotBackendRedis  = "redis"
)

func main() {
	time.Local = time.UTC

	rootCmd := &cobra.Command{
		Use:   "fadeboard",
		Short: "Ephemeral message board server and tools",
		Long: strings.TrimSpace(`
An anonymous message board where everything fades. Posts expire after a short
time to live, rooms disappear once nobody's been around for a while, and
uploaded images go along with the posts that referenced them.

Running with no arguments starts the server.
			`),
		Example: strings.TrimSpace(`
# start the server listening on $PORT
fadeboard serve

# run a single maintenance pass and exit
fadeboard sweep

# print counts of what's currently stored
fadeboard inspect
		`),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(); err != nil {
				abortErr(err)
			}
		},
	}

	// fadeboard inspect
	{
		cmd := &cobra.Command{
			Use:   "inspect",
			Short: "Print counts of stored posts and rooms",
			Long: strings.TrimSpace(`
Loads the snapshot from the configured backend and prints how many posts and
rooms are live, along with how many have lapsed and are waiting for the next
maintenance pass. Nothing is modified.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runInspect(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// fadeboard serve
	{
		cmd := &cobra.Command{
			Use:   "serve",
			Short: "Start fadeboard server",
			Long: strings.TrimSpace(fmt.Sprintf(`
Starts a fadeboard server, binding to $PORT, or default to %d. Maintenance
passes run in the background every $MAINTENANCE_INTERVAL so that content
expires even when nobody's making requests.
			`, defaultPort)),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runServe(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// fadeboard sweep
	{
		cmd := &cobra.Command{
			Use:   "sweep",
			Short: "Run a single maintenance pass",
			Long: strings.TrimSpace(`
Runs one maintenance pass against the configured backend and uploads directory,
removing expired posts, dead rooms, and orphaned media, then exits. Useful from
cron when the server isn't running its own scheduler.
			`),
			Run: func(cmd *cobra.Command, args []string) {
				if err := runSweep(); err != nil {
					abortErr(err)
				}
			},
		}
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		abortErr(err)
	}
}

func abort(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func abortErr(err error) {
	abort("error: %v", err)
}

//
// Configuration
//

type Config struct {
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	Port      int    `env:"PORT" envDefault:"8083"`

	SnapshotBackend    string `env:"SNAPSHOT_BACKEND" envDefault:"file"`
	SnapshotPath       string `env:"SNAPSHOT_PATH" envDefault:"data/snapshot.json"`
	GCSBucket          string `env:"GCS_BUCKET"`
	GCSCredentialsJSON string `env:"GCS_CREDENTIALS_JSON"`
	GCSObject          string `env:"GCS_OBJECT"`
	RedisKey           string `env:"REDIS_KEY"`
	RedisURL           string `env:"REDIS_URL"`

	MaxUploadBytes    int64  `env:"MAX_UPLOAD_BYTES" envDefault:"5242880"`
	MediaPublicPrefix string `env:"MEDIA_PUBLIC_PREFIX" envDefault:"/uploads"`
	UploadDir         string `env:"UPLOAD_DIR" envDefault:"data/uploads"`

	DefaultTTL          time.Duration `env:"DEFAULT_TTL" envDefault:"10m"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"60s"`
	MaxTTL              time.Duration `env:"MAX_TTL" envDefault:"60m"`
	MinTTL              time.Duration `env:"MIN_TTL" envDefault:"1m"`
	OrphanAge           time.Duration `env:"ORPHAN_AGE" envDefault:"1h"`
	RoomGracePeriod     time.Duration `env:"ROOM_GRACE_PERIOD" envDefault:"10m"`
}

func parseConfig() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}
	return config, nil
}

func newLogger(config *Config) (*logrus.Logger, error) {
	logger := logrus.New()

	switch config.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
	default:
		return nil, xerrors.Errorf("unknown log format %q (expected one of: json, text)", config.LogFormat)
	}

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, xerrors.Errorf("error parsing log level: %w", err)
	}
	logger.SetLevel(level)

	return logger, nil
}

// Returns the configured snapshot store along with a function to release any
// resources it holds.
func newSnapshotStore(ctx context.Context, logger *logrus.Logger, config *Config) (fbstore.SnapshotStore, func(), error) {
	noop := func() {}

	switch config.SnapshotBackend {
	case SnapshotBackendFile:
		return fbfilestore.NewFileStore(logger, config.SnapshotPath), noop, nil

	case SnapshotBackendGCS:
		if config.GCSBucket == "" {
			return nil, nil, xerrors.New("GCS_BUCKET is required with the gcs snapshot backend")
		}

		store, err := fbgcpstoragestore.NewGCPStorageStore(ctx, logger,
			config.GCSCredentialsJSON, config.GCSBucket, config.GCSObject)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case SnapshotBackendMemory:
		logger.Warnf("Using memory snapshot backend; nothing will survive a restart")
		return fbmemorystore.NewMemoryStore(logger), noop, nil

	case SnapshotBackendRedis:
		if config.RedisURL == "" {
			return nil, nil, xerrors.New("REDIS_URL is required with the redis snapshot backend")
		}

		store, err := fbredisstore.NewRedisStore(logger, config.RedisURL, config.RedisKey)
		if err != nil {
			return nil, nil, err
		}

		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}

		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warnf("Error closing Redis client: %v", err)
			}
		}, nil
	}

	return nil, nil, xerrors.Errorf("unknown snapshot backend %q (expected one of: %s, %s, %s, %s)",
		config.SnapshotBackend, SnapshotBackendFile, SnapshotBackendGCS, SnapshotBackendMemory, SnapshotBackendRedis)
}

// application bundles everything that the commands share.
type application struct {
	close    func()
	config   *Config
	logger   *logrus.Logger
	manager  *fblifecycle.Manager
	registry *prometheus.Registry
}

func newApp(ctx context.Context) (*application, error) {
	config, err := parseConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(config)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := newSnapshotStore(ctx, logger, config)
	if err != nil {
		return nil, xerrors.Errorf("error initializing snapshot store: %w", err)
	}

	media, err := fbmedia.NewStore(logger, config.UploadDir, config.MediaPublicPrefix, config.MaxUploadBytes)
	if err != nil {
		closeStore()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := fblifecycle.NewManager(logger, store, media, fbmetrics.NewMetrics(registry), fblifecycle.Config{
		DefaultTTL:      config.DefaultTTL,
		MaxTTL:          config.MaxTTL,
		MinTTL:          config.MinTTL,
		OrphanAge:       config.OrphanAge,
		RoomGracePeriod: config.RoomGracePeriod,
	})
	if err != nil {
		closeStore()
		return nil, xerrors.Errorf("error initializing lifecycle manager: %w", err)
	}

	return &application{
		close:    closeStore,
		config:   config,
		logger:   logger,
		manager:  manager,
		registry: registry,
	}, nil
}

//
// Commands
//

func runInspect() error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	stats, err := app.manager.Stats(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return xerrors.Errorf("error marshaling stats: %w", err)
	}

	fmt.Printf("%s\n", out)
	return nil
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	server := NewServer(app.logger, app.manager, app.registry, app.config.Port, app.config.MaxUploadBytes)
	scheduler := fblifecycle.NewScheduler(app.logger, app.manager, app.config.MaintenanceInterval)

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		return server.Start()
	})

	errGroup.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})

	// Stops the server once a signal comes in or either of the above fails.
	errGroup.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return errGroup.Wait()
}

func runSweep() error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	start := time.Now()

	res, err := app.manager.RunMaintenancePass(ctx, start)
	if err != nil {
		return err
	}

	fmt.Printf("Pass completed in %v: removed %d expired post(s), %d cascaded post(s), %d room(s), %d orphan file(s)\n",
		time.Since(start), res.NumExpired, res.NumCascaded, res.NumRoomsRemoved, res.NumOrphansRemoved)

	return nil
}
