package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsbedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsrdsdata "github.com/aws/aws-sdk-go-v2/service/rdsdata"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"healthcare-agent/handler"
	"healthcare-agent/internal/agent"
	appconfig "healthcare-agent/internal/config"
	"healthcare-agent/internal/integrations/bedrock"
	"healthcare-agent/internal/integrations/mcpgateway"
	"healthcare-agent/internal/integrations/paramstore"
	"healthcare-agent/internal/logging"
	"healthcare-agent/internal/metrics"
	"healthcare-agent/internal/patient"
	"healthcare-agent/internal/records"
	"healthcare-agent/internal/repository"
	"healthcare-agent/internal/session"
	"healthcare-agent/internal/usecase"
)

const (
	gatewayMaxRetries = 3
	shutdownTimeout   = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	if err := appconfig.LoadDotEnv(""); err != nil {
		slog.Error("failed to load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := appconfig.LoadAgent()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithCacheTTL(cfg.ParamCacheTTL))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	llm, err := bedrock.NewClient(awsbedrockruntime.NewFromConfig(awsCfg),
		bedrock.WithInference(bedrock.Inference{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}),
		bedrock.WithGuardrail(cfg.GuardrailID, cfg.GuardrailVersion),
	)
	if err != nil {
		fatal("failed to create Bedrock client", err)
	}
	s3Client := awss3.NewFromConfig(awsCfg)
	history, err := session.NewManager(s3Client, cfg.SessionBucket, cfg.SessionPrefix, logger)
	if err != nil {
		fatal("failed to create session manager", err)
	}
	sessions, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.SessionTable)
	if err != nil {
		fatal("failed to create session table client", err)
	}
	m := metrics.New()

	// ---- Tools ----
	var local []agent.Tool
	if cfg.DocumentsBucket != "" {
		local = append(local, agent.NewDocumentListTool(s3Client, cfg.DocumentsBucket))
	}
	if cfg.Database.Enabled() {
		store, err := records.New(awsrdsdata.NewFromConfig(awsCfg), cfg.ClusterARN, cfg.SecretARN, cfg.Name)
		if err != nil {
			fatal("failed to create records store", err)
		}
		local = append(local, agent.NewRecordsTool(store))
	}
	var gateway agent.GatewayClient
	if cfg.GatewayURL != "" {
		gw, err := mcpgateway.NewClient(mcpgateway.Config{
			URL:        cfg.GatewayURL,
			Region:     awsCfg.Region,
			Service:    cfg.GatewayService,
			MaxRetries: gatewayMaxRetries,
		}, awsCfg.Credentials, mcpgateway.WithLogger(logger))
		if err != nil {
			fatal("failed to create gateway client", err)
		}
		gateway = gw
	}
	registry := agent.NewRegistry(gateway, logger, local...)
	runner, err := agent.New(llm, registry,
		agent.WithMaxIterations(cfg.MaxToolIterations),
		agent.WithMetrics(m),
		agent.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create agent", err)
	}

	// ---- Use case ----
	var svc *usecase.InvokeService
	var completer patient.Completer
	if cfg.PatientLLMFallback {
		completer = llm
	}
	deps := usecase.Deps{
		Agent:    runner,
		Patients: patient.NewExtractor(completer, func() string { return svc.ModelID() }),
		History:  history,
		Sessions: sessions,
		Logger:   logger,
	}
	if cfg.ParamPrefix != "" {
		deps.Params = params
	}
	if llm.GuardrailEnabled() {
		deps.Guardrail = llm
	}
	svc, err = usecase.NewInvokeService(deps, usecase.Config{
		ParamPrefix:        cfg.ParamPrefix,
		ModelID:            cfg.ModelID,
		SystemPrompt:       cfg.SystemPrompt,
		MaxPromptLength:    cfg.MaxPromptLength,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		MaxSessionTurns:    cfg.MaxSessionTurns,
	})
	if err != nil {
		fatal("failed to create invoke service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(svc, handler.WithMetrics(m), handler.WithLogger(logger))
	if err != nil {
		fatal("failed to create handler", err)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "addr", srv.Addr, "gateway", cfg.GatewayURL != "", "local_tools", len(local))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
