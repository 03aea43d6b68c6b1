// File: cmd/seclog/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/security-event-chain/internal/config"
	"github.com/smartdevs17/security-event-chain/internal/integrity"
	"github.com/smartdevs17/security-event-chain/internal/metrics"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/internal/processor"
	"github.com/smartdevs17/security-event-chain/internal/server"
	"github.com/smartdevs17/security-event-chain/internal/storage"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config         *config.Config
	logger         *logrus.Logger
	storage        storage.Storage
	metricsManager *metrics.Manager
	processor      *processor.EventProcessor
	server         *server.HTTPServer
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	// Initialize logger
	if err := app.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize components
	if err := app.initializeComponents(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")

	return nil
}

// initializeComponents initializes storage, the processor and the HTTP server
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metricsManager = metrics.NewManager()

	// Initialize storage
	app.logger.WithField("type", app.config.Storage.Type).Info("Initializing storage layer")
	store, err := storage.OpenStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metricsManager)

	// Initialize event processor
	app.processor, err = processor.NewEventProcessor(app.config, app.storage, app.metricsManager)
	if err != nil {
		return fmt.Errorf("failed to create event processor: %w", err)
	}

	// Initialize HTTP server
	if app.config.Server.Enabled {
		serverCfg := &server.ServerConfig{
			Port:          app.config.Server.Port,
			Host:          app.config.Server.Host,
			ReadTimeout:   app.config.Server.ReadTimeout,
			WriteTimeout:  app.config.Server.WriteTimeout,
			EnableMetrics: app.config.Server.EnableMetrics,
			EnableHealth:  app.config.Server.EnableHealth,
			Version:       AppVersion,
		}
		app.server, err = server.NewHTTPServer(serverCfg, app.processor, app.metricsManager)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// Run starts the application and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"storage":     app.config.Storage.Type,
	}).Info("Starting security event chain")

	if err := app.processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event processor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			app.stopProcessor()
			return err
		}
		app.logger.WithField("address", fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)).
			Info("HTTP server listening")
	}

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	return g.Wait()
}

// shutdown stops the server first so no new events arrive, then drains the processor
func (app *Application) shutdown() error {
	app.logger.Info("Stopping security event chain")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if app.server != nil {
		if err := app.server.Stop(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
			errs = append(errs, err)
		}
	}
	if err := app.processor.Stop(ctx); err != nil {
		app.logger.WithError(err).Error("Failed to stop event processor")
		errs = append(errs, err)
	}

	app.Close()
	app.logger.Info("Security event chain stopped")
	return errors.Join(errs...)
}

func (app *Application) stopProcessor() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.processor.Stop(ctx); err != nil {
		app.logger.WithError(err).Error("Failed to stop event processor")
	}
	app.Close()
}

// Close releases storage
func (app *Application) Close() {
	if app.storage == nil {
		return
	}
	if err := app.storage.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close storage")
	}
	app.storage = nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "seclog",
	Short:         "Tamper-evident security event log",
	Long:          `Records security events in a hash-chained append-only log, evaluates threat rules against them and dispatches alerts.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event pipeline and HTTP API",
	RunE:  runServe,
}

// loadConfig loads and validates configuration from the --config flag
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runServe is the main command running the pipeline until a shutdown signal
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

// withProcessor opens storage and builds an unstarted processor for one-shot commands
func withProcessor(fn func(ctx context.Context, ep *processor.EventProcessor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Alerts.Enabled = false

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, "stderr", ""); err != nil {
		return err
	}

	store, err := storage.OpenStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	ep, err := processor.NewEventProcessor(cfg, store, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, ep)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "seclog %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := storage.ValidateStorageConfig(&cfg.Storage); err != nil {
			return fmt.Errorf("invalid storage configuration: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration is valid")
		fmt.Fprintf(out, "Environment: %s\n", cfg.App.Environment)
		fmt.Fprintf(out, "Storage: %s\n", cfg.Storage.Type)
		fmt.Fprintf(out, "Chain digest: %s\n", cfg.Integrity.Algorithm)
		fmt.Fprintf(out, "Alerts: %t (floor %s)\n", cfg.Alerts.Enabled, cfg.Alerts.SeverityFloor)
		fmt.Fprintf(out, "Archival: %t (retention %s)\n", cfg.Archival.Enabled, cfg.Archival.Retention)
		return nil
	},
}

// verifyCmd verifies the hash chain
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromSeq, _ := cmd.Flags().GetInt64("from")
		toSeq, _ := cmd.Flags().GetInt64("to")

		return withProcessor(func(ctx context.Context, ep *processor.EventProcessor) error {
			var (
				result *integrity.VerificationResult
				err    error
			)
			if fromSeq > 0 || toSeq > 0 {
				if fromSeq <= 0 {
					fromSeq = 1
				}
				result, err = ep.VerifyChainRange(ctx, fromSeq, toSeq)
			} else {
				result, err = ep.VerifyChainIntegrity(ctx)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d entries (%d..%d) with %s\n",
				result.EntriesChecked, result.VerifiedFrom, result.VerifiedThrough, result.Algorithm)
			if !result.Valid {
				return utils.NewAppError(utils.ErrCodeIntegrity, "Chain verification failed", result.Reason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chain is intact")
			return nil
		})
	},
}

// archiveCmd runs one archival pass
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive entries older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcessor(func(ctx context.Context, ep *processor.EventProcessor) error {
			result, err := ep.ArchiveOldEntries(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived %d entries older than %s\n",
				result.ArchivedCount, result.Cutoff.Format(time.RFC3339))
			return nil
		})
	},
}

// rulesCmd groups rule management commands
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Threat rule management commands",
}

var listRulesCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored threat rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		return withProcessor(func(ctx context.Context, ep *processor.EventProcessor) error {
			filter := models.RuleFilter{}
			if status != "" {
				s := models.RuleStatus(status)
				if !s.Valid() {
					return utils.NewAppError(utils.ErrCodeValidation, "Invalid rule status", status)
				}
				filter.Status = &s
			}

			list, err := ep.ListRules(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, rule := range list {
				fmt.Fprintf(out, "%-24s %-9s %-9s %-8s v%d  %s\n",
					rule.ID, rule.ConditionType, rule.Status, rule.Severity, rule.Version, rule.Name)
			}
			fmt.Fprintf(out, "%d rules\n", len(list))
			return nil
		})
	},
}

var importRulesCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a YAML rule pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read rule pack: %w", err)
		}
		importedBy, _ := cmd.Flags().GetString("by")

		return withProcessor(func(ctx context.Context, ep *processor.EventProcessor) error {
			result, err := ep.ImportRules(ctx, data, importedBy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %d, updated %d, failed %d\n", result.Created, result.Updated, result.Failed)
			for id, msg := range result.Errors {
				fmt.Fprintf(out, "  %s: %s\n", id, msg)
			}
			if result.Failed > 0 {
				return utils.NewAppError(utils.ErrCodeValidation, "Some rules failed to import", fmt.Sprintf("%d failed", result.Failed))
			}
			return nil
		})
	},
}

// init initializes the CLI commands
func init() {
	// Add persistent flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	verifyCmd.Flags().Int64("from", 0, "first sequence number to verify")
	verifyCmd.Flags().Int64("to", 0, "last sequence number to verify (0 means the tail)")
	listRulesCmd.Flags().String("status", "", "only list rules with this status (ACTIVE, TESTING, INACTIVE)")
	importRulesCmd.Flags().String("by", "cli", "operator recorded as the importer")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(rulesCmd)
	configCmd.AddCommand(validateConfigCmd)
	rulesCmd.AddCommand(listRulesCmd)
	rulesCmd.AddCommand(importRulesCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
