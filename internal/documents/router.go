// Package documents routes patient uploads to managed extraction or to the
// HealthScribe workflow based on their media type.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime"
	bdatypes "github.com/aws/aws-sdk-go-v2/service/bedrockdataautomationruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/events"
)

type bdaAPI interface {
	InvokeDataAutomationAsync(ctx context.Context, in *bedrockdataautomationruntime.InvokeDataAutomationAsyncInput, optFns ...func(*bedrockdataautomationruntime.Options)) (*bedrockdataautomationruntime.InvokeDataAutomationAsyncOutput, error)
}

type sfnAPI interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

type publisher interface {
	Publish(ctx context.Context, detailType string, detail any) error
}

// Config names the processing targets.
type Config struct {
	// ProcessingBucket receives extraction output; empty means the upload bucket.
	ProcessingBucket string
	BDAProjectARN    string
	BDAProfileARN    string
	BDAStage         string
	StateMachineARN  string
	SniffBytes       int
}

// Clients are the AWS APIs used by Router. Events may be nil.
type Clients struct {
	S3     s3GetAPI
	BDA    bdaAPI
	SFN    sfnAPI
	Events publisher
}

type Router struct {
	clients Clients
	cfg     Config
	logger  *slog.Logger
}

// ObjectCreatedDetail is the detail of an S3 "Object Created" EventBridge event.
type ObjectCreatedDetail struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
		ETag string `json:"etag"`
	} `json:"object"`
}

// Result describes what was done with one upload.
type Result struct {
	Route         domain.Route `json:"route"`
	Key           string       `json:"key"`
	PatientID     string       `json:"patient_id,omitempty"`
	Category      string       `json:"category,omitempty"`
	ContentType   string       `json:"content_type,omitempty"`
	DocumentID    string       `json:"document_id,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	InvocationARN string       `json:"invocation_arn,omitempty"`
	ExecutionARN  string       `json:"execution_arn,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// WorkflowInput is the HealthScribe state machine input.
type WorkflowInput struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	PatientID string `json:"patient_id"`
	SessionID string `json:"session_id"`
}

func NewRouter(clients Clients, cfg Config, logger *slog.Logger) (*Router, error) {
	if clients.S3 == nil || clients.BDA == nil || clients.SFN == nil {
		return nil, errors.New("documents: s3, bda and sfn clients must not be nil")
	}
	if cfg.BDAProjectARN == "" || cfg.BDAProfileARN == "" {
		return nil, errors.New("documents: bda project and profile ARNs are required")
	}
	if cfg.StateMachineARN == "" {
		return nil, errors.New("documents: state machine ARN is required")
	}
	if cfg.BDAStage == "" {
		cfg.BDAStage = string(bdatypes.DataAutomationStageLive)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{clients: clients, cfg: cfg, logger: logger}, nil
}

// Handle is the Lambda entry point for S3 Object Created events.
func (r *Router) Handle(ctx context.Context, event lambdaevents.EventBridgeEvent) (*Result, error) {
	var detail ObjectCreatedDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		r.logger.Warn("ignoring malformed object event", "id", event.ID, "err", err)
		return &Result{Route: domain.RouteSkip, Reason: "malformed_event"}, nil
	}
	return r.Route(ctx, detail)
}

// Route classifies one upload and starts its processing.
func (r *Router) Route(ctx context.Context, detail ObjectCreatedDetail) (*Result, error) {
	obj, ok := ParseKey(detail.Bucket.Name, detail.Object.Key, detail.Object.ETag, detail.Object.Size)
	if !ok {
		r.logger.Info("skipping object outside the upload convention", "bucket", detail.Bucket.Name, "key", detail.Object.Key)
		return &Result{Route: domain.RouteSkip, Key: detail.Object.Key, Reason: "key_convention"}, nil
	}

	contentType, err := DetectContentType(ctx, r.clients.S3, obj, r.cfg.SniffBytes)
	if err != nil {
		return nil, err
	}
	obj.ContentType = contentType
	res := &Result{
		Route:       Classify(contentType),
		Key:         obj.Key,
		PatientID:   obj.PatientID,
		Category:    obj.Category,
		ContentType: contentType,
	}

	switch res.Route {
	case domain.RouteHealthScribe:
		if err := r.startHealthScribe(ctx, obj, res); err != nil {
			return nil, err
		}
	case domain.RouteDataAutomation:
		if err := r.startExtraction(ctx, obj, res); err != nil {
			return nil, err
		}
	default:
		res.Reason = "unsupported_type"
		r.logger.Info("skipping unsupported document type", "key", obj.Key, "content_type", contentType)
		return res, nil
	}

	if r.clients.Events != nil {
		if err := r.clients.Events.Publish(ctx, events.DetailTypeRouted, res); err != nil {
			r.logger.Warn("failed to publish routed event", "key", obj.Key, "err", err)
		}
	}
	r.logger.Info("document routed", "key", obj.Key, "route", res.Route, "content_type", contentType, "patient_id", obj.PatientID)
	return res, nil
}

func (r *Router) startHealthScribe(ctx context.Context, obj domain.UploadedObject, res *Result) error {
	sessionID := SessionID(obj)
	input, err := json.Marshal(WorkflowInput{Bucket: obj.Bucket, Key: obj.Key, PatientID: obj.PatientID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("documents: encode workflow input: %w", err)
	}
	out, err := r.clients.SFN.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(r.cfg.StateMachineARN),
		Name:            aws.String(executionName(obj.PatientID, sessionID)),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		var exists *sfntypes.ExecutionAlreadyExists
		if !errors.As(err, &exists) {
			return fmt.Errorf("documents: start healthscribe workflow for %s: %w", obj.Key, err)
		}
		r.logger.Info("healthscribe workflow already started", "key", obj.Key, "session_id", sessionID)
	} else {
		res.ExecutionARN = aws.ToString(out.ExecutionArn)
	}
	res.SessionID = sessionID
	return nil
}

func (r *Router) startExtraction(ctx context.Context, obj domain.UploadedObject, res *Result) error {
	documentID := DocumentID(obj)
	outBucket := r.cfg.ProcessingBucket
	if outBucket == "" {
		outBucket = obj.Bucket
	}
	out, err := r.clients.BDA.InvokeDataAutomationAsync(ctx, &bedrockdataautomationruntime.InvokeDataAutomationAsyncInput{
		ClientToken: aws.String(documentID),
		InputConfiguration: &bdatypes.InputConfiguration{
			S3Uri: aws.String(S3URI(obj.Bucket, obj.Key)),
		},
		OutputConfiguration: &bdatypes.OutputConfiguration{
			S3Uri: aws.String(S3URI(outBucket, OutputPrefix(obj, documentID))),
		},
		DataAutomationConfiguration: &bdatypes.DataAutomationConfiguration{
			DataAutomationProjectArn: aws.String(r.cfg.BDAProjectARN),
			Stage:                    bdatypes.DataAutomationStage(strings.ToUpper(r.cfg.BDAStage)),
		},
		DataAutomationProfileArn: aws.String(r.cfg.BDAProfileARN),
		NotificationConfiguration: &bdatypes.NotificationConfiguration{
			EventBridgeConfiguration: &bdatypes.EventBridgeConfiguration{EventBridgeEnabled: aws.Bool(true)},
		},
	})
	if err != nil {
		return fmt.Errorf("documents: start extraction for %s: %w", obj.Key, err)
	}
	res.DocumentID = documentID
	res.InvocationARN = aws.ToString(out.InvocationArn)
	return nil
}

// executionName fits Step Functions' 80 character name limit.
func executionName(patientID, sessionID string) string {
	name := "hs-" + patientID + "-" + sessionID
	if len(name) > 80 {
		name = "hs-" + patientID[:80-len("hs--")-len(sessionID)] + "-" + sessionID
	}
	return name
}
