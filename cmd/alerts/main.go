package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
	"github.com/smartdevs17/deal-alerts/internal/ratelimit"
	"github.com/smartdevs17/deal-alerts/internal/scheduler"
	"github.com/smartdevs17/deal-alerts/internal/server"
	"github.com/smartdevs17/deal-alerts/internal/storage"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// AppVersion is overridden at build time with -ldflags "-X main.AppVersion=...".
var AppVersion = "1.0.0"

// Application holds the wired components of one process.
type Application struct {
	config       *config.Config
	logger       *logrus.Entry
	storage      *storage.StorageWithMetrics
	metrics      *metrics.Manager
	notification *notification.NotificationManager
	dispatcher   *dispatcher.Dispatcher
	scheduler    *scheduler.Scheduler
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewApplication connects storage and builds every component. Nothing is
// started until Start.
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := app.initializeComponents(); err != nil {
		cancel()
		if app.storage != nil {
			_ = app.storage.Close()
		}
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}
	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":       logCfg.Level,
		"format":      logCfg.Format,
		"instance_id": app.config.App.InstanceID,
	}).Info("Logger initialized")
	return nil
}

func (app *Application) initializeComponents() error {
	cfg := app.config
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return err
	}

	app.notification = notification.NewNotificationManagerFromConfig(&cfg.Notifications, app.metrics)
	app.logger.WithField("channels", app.notification.Channels()).Info("Notification channels registered")

	app.dispatcher = dispatcher.New(dispatcher.Dependencies{
		Store:       app.storage,
		Preferences: preferences.NewResolver(app.storage, cfg.Preferences.DefaultMaxPerDay),
		Limiter:     ratelimit.NewStoreLimiter(app.storage),
		Senders:     app.notification,
		Metrics:     app.metrics,
	}, cfg.Dispatcher)

	var err error
	app.scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Options{
		Runner:        app.dispatcher,
		Leases:        app.storage,
		Holder:        cfg.App.InstanceID,
		Metrics:       app.metrics,
		Maintenance:   app.storage,
		RetentionDays: cfg.Storage.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.Server.Enabled {
		app.server, err = server.NewHTTPServer(&cfg.Server, server.Dependencies{
			Storage:      app.storage,
			Dispatcher:   app.dispatcher,
			Scheduler:    app.scheduler,
			Notification: app.notification,
			Metrics:      app.metrics,
			Version:      AppVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

func (app *Application) initializeStorage() error {
	store, err := openStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized")
	return nil
}

// openStorage connects and migrates the configured database.
func openStorage(cfg *config.StorageConfig) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run storage migrations: %w", err)
	}
	return store, nil
}

// Start starts the notification manager, the scheduler and the HTTP server.
func (app *Application) Start() error {
	if err := app.notification.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start notification manager: %w", err)
	}
	if app.config.Scheduler.Enabled {
		if err := app.scheduler.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		app.logger.Warn("Scheduler disabled; passes only run on demand")
	}
	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}
	app.logger.WithField("version", AppVersion).Info("Deal alerts started")
	return nil
}

// Stop shuts components down in reverse start order. In-flight passes see
// their context cancelled and stop at the next listing boundary.
func (app *Application) Stop() error {
	app.logger.Info("Stopping deal alerts")
	app.cancel()

	var firstErr error
	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
			firstErr = err
		}
	}
	app.scheduler.Stop()
	if err := app.notification.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := app.storage.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close storage")
		if firstErr == nil {
			firstErr = err
		}
	}
	app.logger.Info("Deal alerts stopped")
	return firstErr
}

// rootCmd serves by default when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:          "deal-alerts",
	Short:        "Deal alert matching and notification dispatch",
	Long:         `Matches saved alert rules and price watches against new marketplace listings and notifies users over email, Discord, SMS and push.`,
	Version:      AppVersion,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and management API until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(); err != nil {
		_ = app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	app.logger.Info("Received shutdown signal")
	return app.Stop()
}

// loadConfig reads the config file named by --config, applies flag
// overrides and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeConfiguration, "invalid configuration", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd, runOnceCmd, migrateCmd, configCmd, testChannelCmd, versionCmd)
	configCmd.AddCommand(validateConfigCmd)

	testChannelCmd.Flags().String("channel", "email", "channel to test (email, discord, sms, push)")
	testChannelCmd.Flags().String("to", "", "destination: email address, webhook URL, phone number or comma-separated push tokens")
	testChannelCmd.Flags().Duration("timeout", 30*time.Second, "overall time limit for the test send")
	_ = testChannelCmd.MarkFlagRequired("to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
