// Package knowledgebase triggers Bedrock Knowledge Base ingestion after new
// clinical documents are stored.
package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/google/uuid"
)

type agentAPI interface {
	StartIngestionJob(ctx context.Context, in *bedrockagent.StartIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.StartIngestionJobOutput, error)
}

// Ingester starts data source syncs. With no knowledge base configured every
// call is a no-op.
type Ingester struct {
	api          agentAPI
	kbID         string
	dataSourceID string
	logger       *slog.Logger
}

func New(api agentAPI, kbID, dataSourceID string, logger *slog.Logger) (*Ingester, error) {
	kbID, dataSourceID = strings.TrimSpace(kbID), strings.TrimSpace(dataSourceID)
	if kbID != "" && dataSourceID != "" && api == nil {
		return nil, errors.New("knowledgebase: api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{api: api, kbID: kbID, dataSourceID: dataSourceID, logger: logger}, nil
}

// Enabled reports whether ingestion is configured.
func (i *Ingester) Enabled() bool {
	return i != nil && i.kbID != "" && i.dataSourceID != ""
}

// StartIngestion starts a sync and returns its job ID. An ingestion already
// in progress counts as success since it will pick up the new objects.
func (i *Ingester) StartIngestion(ctx context.Context, reason string) (string, error) {
	if !i.Enabled() {
		return "", nil
	}
	out, err := i.api.StartIngestionJob(ctx, &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(i.kbID),
		DataSourceId:    aws.String(i.dataSourceID),
		ClientToken:     aws.String(newClientToken()),
		Description:     aws.String(truncate(reason, 200)),
	})
	if err != nil {
		var conflict *types.ConflictException
		if errors.As(err, &conflict) {
			i.logger.Info("ingestion already running", "knowledge_base_id", i.kbID, "reason", reason)
			return "", nil
		}
		return "", fmt.Errorf("knowledgebase: start ingestion: %w", err)
	}
	jobID := ""
	if out.IngestionJob != nil {
		jobID = aws.ToString(out.IngestionJob.IngestionJobId)
	}
	i.logger.Info("ingestion started", "knowledge_base_id", i.kbID, "job_id", jobID, "reason", reason)
	return jobID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var newClientToken = func() string {
	return uuid.NewString()
}
