package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"renko-cloud/config"
	"renko-cloud/eventcache"
	"renko-cloud/gcal"
	"renko-cloud/metrics"
	"renko-cloud/notify"
	"renko-cloud/schedule"
	"renko-cloud/security"
	"renko-cloud/stores"
	"renko-cloud/syncer"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.1.0"

var configPath string

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// serve is the default command
	root := &cobra.Command{
		Use:          "renko-cloud",
		Short:        "Renko calendar service: Google Calendar sync and the weekly schedule API",
		RunE:         func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", pickEnv("RENKO_CONFIG", "config.yaml"), "Path to YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the calendar jobs",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe(cmd.Context()) },
	})

	var syncUser string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one calendar sync for a user, or for every connected user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if syncUser != "" {
					res, err := a.orch.SyncUser(ctx, syncUser)
					if err != nil {
						return fmt.Errorf("sync %s failed (%s): %w", syncUser, res.ErrorKind, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "synced %s: %d events (%d new, %d updated)\n", syncUser, res.EventCount, res.Inserted, res.Updated)
					return nil
				}
				batch, err := a.orch.SyncAllUsers(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d users, %d errors\n", batch.SyncedCount, batch.ErrorCount)
				return batch.Err
			})
		},
	}
	syncCmd.Flags().StringVar(&syncUser, "user", "", "Only sync this user")
	root.AddCommand(syncCmd)

	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Purge cached external events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.orch.CleanupOldEvents(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d cached events\n", n)
				return nil
			})
		},
	})

	return root
}

func setupLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// app holds every wired component. Constructed once per process.
type app struct {
	cfg      *config.Config
	redis    *redis.Client
	metrics  *metrics.Metrics
	tokens   *security.TokenStore
	calendar *gcal.Client
	cache    eventcache.Store
	events   *stores.EventStore
	tasks    *stores.TaskStore
	projects *stores.ProjectStore
	builder  *schedule.Builder
	mutator  *schedule.Mutator
	bus      *notify.Bus
	orch     *syncer.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	redisClient, err := notify.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.S().Infof("Connected to Redis")

	cache, err := openEventCache(cfg.Cache, redisClient)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	var oauthConfig *oauth2.Config
	if cfg.GoogleEnabled() {
		oauthConfig = security.NewGoogleOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		zap.S().Infof("Initialized Calendar OAuth with client ID: %s", cfg.Google.ClientID)
	} else {
		zap.S().Warnf("Calendar OAuth credentials not provided, connect and refresh are disabled")
	}

	m := metrics.NewMetrics("renko")
	a := &app{
		cfg:      cfg,
		redis:    redisClient,
		metrics:  m,
		tokens:   security.NewTokenStore(redisClient, oauthConfig).WithMetrics(m),
		calendar: gcal.NewClient(cfg.Sync.ProviderTimeout),
		cache:    cache,
		events:   stores.NewEventStore(redisClient),
		tasks:    stores.NewTaskStore(redisClient),
		projects: stores.NewProjectStore(redisClient),
		bus:      notify.NewBus(redisClient),
	}

	loc := cfg.Location()
	layout := schedule.Layout{
		RowHeightPx:      cfg.Schedule.RowHeightPx,
		MinEventHeightPx: cfg.Schedule.MinEventHeightPx,
		Location:         loc,
	}
	a.builder = schedule.NewBuilder(a.events, a.tasks, a.cache, a.projects, layout, cfg.Schedule.ProjectColorTTL)
	a.mutator = schedule.NewMutator(a.events, a.tasks, loc, m)
	a.orch = syncer.New(a.tokens, a.calendar, a.cache, redisClient, a.bus, m, syncer.Options{
		Window:      cfg.Sync.Window,
		Retention:   cfg.Sync.Retention,
		Concurrency: cfg.Sync.Concurrency,
		UserTimeout: cfg.Sync.UserTimeout,
	})
	return a, nil
}

func openEventCache(cfg config.CacheConfig, redisClient *redis.Client) (eventcache.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := eventcache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open event cache: %w", err)
		}
		zap.S().Infof("Event cache: sqlite at %s", cfg.SQLitePath)
		return store, nil
	default:
		zap.S().Infof("Event cache: redis")
		return eventcache.NewRedisStore(redisClient), nil
	}
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		zap.S().Warnf("Event cache close: %v", err)
	}
	if err := a.redis.Close(); err != nil {
		zap.S().Warnf("Redis close: %v", err)
	}
}

func (a *app) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.metrics.Middleware)

	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	NewCalendarAuthHandler(a.tokens, a.orch, a.bus, a.cfg.AppBaseURL).RegisterRoutes(r)
	registerCalendarSyncRoutes(r, a.orch, a.tasks, a.cfg.Timezone)
	registerScheduleRoutes(r, a.builder, a.mutator, a.bus, a.cfg.Location())
	registerCalendarUpdateRoutes(r, a.bus)
	return r
}

// withApp loads config, sets up logging and runs fn against a fully wired app.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServe(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		zap.S().Infof("Starting Renko Cloud Server...")

		var jobs *syncer.Jobs
		if a.cfg.Sync.JobsEnabled {
			var err error
			jobs, err = syncer.NewJobs(a.orch, a.cfg.Sync.Schedule, a.cfg.Sync.CleanupSchedule, a.cfg.Location())
			if err != nil {
				return err
			}
			jobs.Start()
		} else {
			zap.S().Infof("Calendar jobs disabled")
		}

		srv := &http.Server{
			Handler:      a.router(),
			Addr:         "0.0.0.0:" + a.cfg.Port,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE and WebSocket streams stay open
		}

		zap.S().Infof("Renko Cloud Server v%s starting on %s", VERSION, srv.Addr)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		}
		zap.S().Infof("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if jobs != nil {
			jobs.Stop(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnf("Server forced to shutdown: %v", err)
		}

		zap.S().Infof("Server exited")
		return nil
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "renko-cloud",
	})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Renko Cloud API Server",
		"version": VERSION,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Helper function to get environment variable with default
func pickEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
