package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsbda "github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssfn "github.com/aws/aws-sdk-go-v2/service/sfn"

	appconfig "healthcare-agent/internal/config"
	"healthcare-agent/internal/documents"
	"healthcare-agent/internal/events"
	"healthcare-agent/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := appconfig.LoadRouter()
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

	publisher, err := events.NewPublisher(awseventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logger)
	if err != nil {
		slog.Error("failed to create event publisher", "err", err)
		os.Exit(1)
	}
	router, err := documents.NewRouter(documents.Clients{
		S3:     awss3.NewFromConfig(awsCfg),
		BDA:    awsbda.NewFromConfig(awsCfg),
		SFN:    awssfn.NewFromConfig(awsCfg),
		Events: publisher,
	}, documents.Config{
		ProcessingBucket: cfg.ProcessingBucket,
		BDAProjectARN:    cfg.BDAProjectARN,
		BDAProfileARN:    cfg.BDAProfileARN,
		BDAStage:         cfg.BDAStage,
		StateMachineARN:  cfg.StateMachineARN,
		SniffBytes:       cfg.SniffBytes,
	}, logger)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	lambda.Start(router.Handle)
}
