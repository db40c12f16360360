package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbedrockagent "github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	awsrdsdata "github.com/aws/aws-sdk-go-v2/service/rdsdata"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "healthcare-agent/internal/config"
	"healthcare-agent/internal/events"
	"healthcare-agent/internal/extraction"
	"healthcare-agent/internal/integrations/knowledgebase"
	"healthcare-agent/internal/logging"
	"healthcare-agent/internal/records"
)

func main() {
	ctx := context.Background()

	cfg, err := appconfig.LoadExtractor()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	store, err := records.New(awsrdsdata.NewFromConfig(awsCfg), cfg.ClusterARN, cfg.SecretARN, cfg.Name)
	if err != nil {
		slog.Error("failed to create records store", "err", err)
		os.Exit(1)
	}
	ingester, err := knowledgebase.New(awsbedrockagent.NewFromConfig(awsCfg), cfg.KnowledgeBase.ID, cfg.DataSourceID, logger)
	if err != nil {
		slog.Error("failed to create knowledge base client", "err", err)
		os.Exit(1)
	}
	publisher, err := events.NewPublisher(awseventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logger)
	if err != nil {
		slog.Error("failed to create event publisher", "err", err)
		os.Exit(1)
	}

	extractor, err := extraction.New(extraction.Clients{
		S3:       awss3.NewFromConfig(awsCfg),
		Records:  store,
		Ingester: ingester,
		Events:   publisher,
	}, logger)
	if err != nil {
		slog.Error("failed to create extractor", "err", err)
		os.Exit(1)
	}

	lambda.Start(extractor.Handle)
}
