package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/serviplace/membership-engine/internal/domain/membership"
	"github.com/serviplace/membership-engine/internal/domain/tiers"
	"github.com/serviplace/membership-engine/internal/platform/payments"
	"github.com/serviplace/membership-engine/pkg/config"
	"github.com/serviplace/membership-engine/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	TierRepo       tiers.Repository
	MembershipRepo membership.Repository

	// Services
	TierService       tiers.Service
	MembershipService membership.Service
	Reconciler        *membership.Reconciler
	Sweeper           *membership.Sweeper

	// Platform
	Provider       membership.ProviderClient
	WebhookDecoder *payments.WebhookDecoder
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	deps.initRepositories()
	deps.initServices()

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.TierRepo = tiers.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.MembershipRepo = membership.NewRepositoryImpl(d.DB.Pool, d.Logger)
	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initServices() {
	d.Provider = payments.NewStripeClient(d.Config.Stripe.APIKey, d.Config.Stripe.Currency, d.Logger)
	d.WebhookDecoder = payments.NewWebhookDecoder(d.Config.Stripe.WebhookSecret)

	d.TierService = tiers.NewService(d.TierRepo, d.Logger)
	d.MembershipService = membership.NewService(d.MembershipRepo, d.TierService, d.Provider, d.Logger)
	d.Reconciler = membership.NewReconciler(d.MembershipRepo, d.TierService, d.Logger)
	d.Sweeper = membership.NewSweeper(
		d.MembershipRepo,
		d.Config.Scheduler.SweepBatchSize,
		d.Config.Scheduler.SweepConcurrency,
		d.Logger,
	)

	d.Logger.Info("services initialized")
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
