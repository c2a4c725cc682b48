// Command workflowd runs the Workflow Engine as a standalone process: it
// opens the embedded database, loads the policy rule set, registers the
// example io.fs capability provider, recovers any in-flight workflows
// from the last run, and serves the admin HTTP API until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/governedrun/workflowcore/applications/adminapi"
	"github.com/governedrun/workflowcore/domain/audit"
	"github.com/governedrun/workflowcore/domain/policy"
	"github.com/governedrun/workflowcore/examples/iofs"
	"github.com/governedrun/workflowcore/infrastructure/config"
	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/metrics"
	"github.com/governedrun/workflowcore/infrastructure/persistence"
	"github.com/governedrun/workflowcore/infrastructure/serviceauth"
	"github.com/governedrun/workflowcore/services/approvalmanager"
	"github.com/governedrun/workflowcore/services/engine"
	"github.com/governedrun/workflowcore/services/policyengine"
	"github.com/governedrun/workflowcore/services/registry"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.New("workflowd", "info", "json").WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	logger := logging.New("workflowd", cfg.LogLevel, cfg.LogFormat)
	logging.InitDefault("workflowd", cfg.LogLevel, cfg.LogFormat)

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init("workflowd")
	}

	if err := run(cfg, logger, m); err != nil {
		logger.WithError(err).Error("workflowd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) error {
	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	policyBytes, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		return err
	}
	policyEngine, err := policyengine.LoadFromYAML(policyBytes)
	if err != nil {
		return err
	}

	reg := registry.New(logger)
	fsProvider, err := iofs.NewProvider(config.GetEnv("IOFS_ROOT", "./workflowcore-data/iofs"))
	if err != nil {
		return err
	}
	handlers := fsProvider.Handlers()
	for _, spec := range fsProvider.Specs() {
		if err := reg.Register(spec, handlers[spec.ID]); err != nil {
			return err
		}
	}

	var tokenGen *serviceauth.ServiceTokenGenerator
	var approverVerifier *serviceauth.ApproverTokenVerifier
	if keyPath := config.GetEnv("SERVICE_SIGNING_KEY_PATH", ""); keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		privateKey, err := serviceauth.ParseRSAPrivateKeyFromPEM(keyPEM)
		if err != nil {
			return err
		}
		tokenGen = serviceauth.NewServiceTokenGenerator(privateKey, "workflowd", serviceauth.DefaultServiceTokenExpiry)
	}
	if keyPath := config.GetEnv("APPROVER_PUBLIC_KEY_PATH", ""); keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		publicKey, err := serviceauth.ParseRSAPublicKeyFromPEM(keyPEM)
		if err != nil {
			return err
		}
		approverVerifier = serviceauth.NewApproverTokenVerifier(publicKey)
	}

	approvals := approvalmanager.New(approvalmanager.Config{
		WebhookURL:     cfg.ApprovalWebhookURL,
		WebhookTimeout: cfg.WebhookTimeout,
		FailMode:       cfg.WebhookFailMode,
		TokenGenerator: tokenGen,
		Logger:         logger,
		Metrics:        m,
	})

	auditSink := audit.NewSink(logger, audit.LevelDetailed)

	eng := engine.New(engine.Config{
		Registry:  reg,
		Store:     store,
		Policy:    policyEngine,
		Approvals: approvals,
		Audit:     auditSink,
		Metrics:   m,
		Logger:    logger,
		Principal: policy.Principal{Type: "service", ID: "workflowd"},
	})

	if cfg.AutoResumeOnStartup {
		if err := eng.RecoverOnStartup(context.Background()); err != nil {
			logger.WithError(err).Error("recovery failed")
		}
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 30s", func() {
		eng.HandleApprovalTimeouts(time.Now().UTC())
	}); err != nil {
		return err
	}
	if m != nil {
		if _, err := sweeper.AddFunc("@every 15s", func() {
			m.SetActiveWorkflows(eng.ActiveWorkflowCount())
		}); err != nil {
			return err
		}
	}
	sweeper.Start()
	defer sweeper.Stop()

	api := adminapi.New(adminapi.Config{Engine: eng, Logger: logger, ApproverVerifier: approverVerifier})

	port := config.GetEnv("ADMIN_API_PORT", "8080")
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           api.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"port": port}).Info("admin api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin api server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(context.Background(), "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
