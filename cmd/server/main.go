package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/velora-hq/be-hr-payroll/internal/client"
	"github.com/velora-hq/be-hr-payroll/internal/config"
	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/handler"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
	"github.com/velora-hq/be-hr-payroll/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting HR Payroll Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional; a nil connection makes every publish a no-op.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	publisher := client.NewNotificationPublisher(nc, log)

	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	payrollRepo := repository.NewPayrollRepository(db)
	employeeRepo := repository.NewEmployeeRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	advanceSource := repository.NewSalaryAdvanceSource(db)

	identityClient := client.NewIdentityHTTPClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)

	registry, err := repository.NewWorkflowRegistry(repository.DefaultTemplates()...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid workflow templates")
	}

	payrollService := service.NewPayrollService(
		payrollRepo,
		employeeRepo,
		[]service.RunItemSourceInterface{advanceSource},
		publisher,
		log,
	)

	adapters := service.NewAdapterRegistry(log)
	adapters.Register(repository.DocumentTimesheet, service.NewTimesheetAdapter(documentRepo))
	adapters.Register(repository.DocumentSalaryAdvance, service.NewSalaryAdvanceAdapter(documentRepo))
	adapters.Register(repository.DocumentProcurement, service.NewProcurementAdapter(documentRepo))
	adapters.Register(repository.DocumentPayrollRun, service.NewPayrollRunAdapter(payrollService, log))

	approvalService := service.NewApprovalService(
		approvalRepo,
		auditRepo,
		registry,
		identityClient,
		adapters,
		publisher,
		log,
	)

	httpHandler := handler.NewHTTPHandler(approvalService, payrollService, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
