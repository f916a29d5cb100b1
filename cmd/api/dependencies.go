package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/FACorreiaa/echo-ledger/internal/domain/import/categorizer"
	importhandler "github.com/FACorreiaa/echo-ledger/internal/domain/import/handler"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/normalizer"
	importrepo "github.com/FACorreiaa/echo-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/echo-ledger/internal/domain/import/rowparser"
	importservice "github.com/FACorreiaa/echo-ledger/internal/domain/import/service"
	"github.com/FACorreiaa/echo-ledger/internal/domain/staging"

	"github.com/FACorreiaa/echo-ledger/pkg/config"
	"github.com/FACorreiaa/echo-ledger/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	// DB is nil with in-memory storage.
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	StateRepo importrepo.StateRepository

	// Services
	Pipeline      *importservice.Pipeline
	Controller    *staging.Controller
	ImportService *importservice.ImportService

	// Handlers
	ImportHandler *importhandler.ImportHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	// Initialize repositories
	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	// Initialize services
	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	// Initialize handlers
	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully", slog.String("storage", cfg.Storage.Driver))

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	if d.Config.Storage.Driver != config.StoragePostgres {
		return nil
	}

	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        d.Config.Database.MaxConns,
		MinConns:        d.Config.Database.MinConns,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	// Run migrations
	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	if d.DB != nil {
		d.StateRepo = importrepo.NewPostgresStateRepository(d.DB.Pool, d.Config.Storage.WorkspaceKey)
	} else {
		d.StateRepo = importrepo.NewMemoryStateRepository(nil)
	}

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	pipelineCfg, err := PipelineConfig(d.Config.Import)
	if err != nil {
		return err
	}

	d.Pipeline = importservice.NewPipeline(pipelineCfg, d.Logger)
	d.Controller = staging.NewController(d.StateRepo, StagingSettings(d.Config), time.Now, d.Logger)
	d.ImportService = importservice.NewImportService(d.Pipeline, d.Controller, StreamThresholds(d.Config), d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportService, d.Controller, d.Config.Server.MaxUploadBytes, d.Logger)

	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}

// PipelineConfig builds the ingestion settings from the import configuration.
func PipelineConfig(c config.ImportConfig) (importservice.PipelineConfig, error) {
	rules := categorizer.DefaultRules()
	if c.RulesFile != "" {
		loaded, err := categorizer.LoadRules(c.RulesFile)
		if err != nil {
			return importservice.PipelineConfig{}, err
		}
		rules = loaded
	}
	rules.SavingsPatterns = append(rules.SavingsPatterns, c.SavingsPatterns...)

	loc, err := c.Location()
	if err != nil {
		return importservice.PipelineConfig{}, err
	}

	return importservice.PipelineConfig{
		Parser: rowparser.Options{ChunkSize: c.StreamChunkSize},
		Normalizer: normalizer.Config{
			NumberFormat:       normalizer.NumberFormat(c.NumberFormat),
			DateFormat:         c.DateFormat,
			Location:           loc,
			AllowTodayFallback: c.AllowTodayFallback,
			Rules:              rules,
		},
	}, nil
}

// StagingSettings reads the staging thresholds from cfg at every call.
func StagingSettings(cfg *config.Config) func() staging.Settings {
	return func() staging.Settings {
		return staging.Settings{
			UndoWindow:           cfg.Import.UndoWindow(),
			HistoryMaxEntries:    cfg.Import.HistoryMaxEntries,
			HistoryMaxAge:        cfg.Import.HistoryMaxAge(),
			StagedAutoExpireDays: cfg.Import.StagedAutoExpireDays,
		}
	}
}

// StreamThresholds reads the streaming thresholds from cfg at every call.
func StreamThresholds(cfg *config.Config) func() importservice.StreamThresholds {
	return func() importservice.StreamThresholds {
		return importservice.StreamThresholds{
			Lines: cfg.Import.StreamingLineThreshold,
			Bytes: cfg.Import.StreamingByteThreshold,
		}
	}
}
