// Package extraction stores Bedrock Data Automation results as clinical
// documents once a job completes.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"healthcare-agent/internal/documents"
	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/events"
)

const (
	jobMetadataFile = "job_metadata.json"
	maxObjectBytes  = 20 << 20
	maxBodyBytes    = 256 << 10
	maxSummaryRunes = 2000
)

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc domain.ExtractedDocument) error
}

type Ingester interface {
	StartIngestion(ctx context.Context, reason string) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, detailType string, detail any) error
}

// Clients are the collaborators of Extractor. Ingester and Events may be nil.
type Clients struct {
	S3       s3API
	Records  DocumentStore
	Ingester Ingester
	Events   publisher
}

// S3Location is a bucket/key pair as reported in BDA job events.
type S3Location struct {
	Bucket string `json:"s3_bucket"`
	Name   string `json:"name"`
}

// JobEventDetail is the detail of a BDA job status EventBridge event.
type JobEventDetail struct {
	JobID            string     `json:"job_id"`
	JobStatus        string     `json:"job_status"`
	SemanticModality string     `json:"semantic_modality"`
	InputS3Object    S3Location `json:"input_s3_object"`
	OutputS3Location S3Location `json:"output_s3_location"`
}

// Result describes what happened to one job event.
type Result struct {
	Stored         bool   `json:"stored"`
	Reason         string `json:"reason,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
	Category       string `json:"category,omitempty"`
	Segments       int    `json:"segments,omitempty"`
	IngestionJobID string `json:"ingestion_job_id,omitempty"`
}

type Extractor struct {
	clients Clients
	logger  *slog.Logger
	now     func() time.Time
}

func New(clients Clients, logger *slog.Logger) (*Extractor, error) {
	if clients.S3 == nil {
		return nil, errors.New("extraction: s3 client must not be nil")
	}
	if clients.Records == nil {
		return nil, errors.New("extraction: records store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{clients: clients, logger: logger, now: time.Now}, nil
}

// Handle is the Lambda entry point for BDA job events.
func (e *Extractor) Handle(ctx context.Context, event lambdaevents.EventBridgeEvent) (*Result, error) {
	var detail JobEventDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		e.logger.Warn("ignoring malformed job event", "id", event.ID, "err", err)
		return &Result{Reason: "malformed_event"}, nil
	}
	return e.Process(ctx, detail)
}

func succeeded(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESS", "SUCCEEDED", "PROCESSED":
		return true
	}
	return false
}

// Process reads the job output and stores it as one document.
func (e *Extractor) Process(ctx context.Context, detail JobEventDetail) (*Result, error) {
	if !succeeded(detail.JobStatus) {
		e.logger.Warn("skipping unsuccessful extraction job", "job_id", detail.JobID, "status", detail.JobStatus)
		return &Result{Reason: "job_" + strings.ToLower(detail.JobStatus)}, nil
	}
	out := detail.OutputS3Location
	if out.Bucket == "" || out.Name == "" {
		e.logger.Warn("skipping job event without output location", "job_id", detail.JobID)
		return &Result{Reason: "missing_output"}, nil
	}
	patientID, category, documentID := identify(detail)
	if patientID == "" {
		e.logger.Warn("skipping job output outside the patient layout", "job_id", detail.JobID, "output", out.Name)
		return &Result{Reason: "key_convention"}, nil
	}

	metaKey := strings.TrimSuffix(out.Name, "/") + "/" + jobMetadataFile
	raw, err := e.read(ctx, out.Bucket, metaKey)
	if err != nil {
		return nil, err
	}
	var meta jobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("extraction: decode %s: %w", metaKey, err)
	}

	var c content
	segments := 0
	for _, asset := range meta.OutputMetadata {
		for _, seg := range asset.SegmentMetadata {
			if seg.StandardOutputPath != "" {
				raw, err := e.readURI(ctx, seg.StandardOutputPath)
				if err != nil {
					return nil, err
				}
				if err := c.addStandard(raw); err != nil {
					return nil, err
				}
			}
			if seg.CustomOutputPath != "" {
				raw, err := e.readURI(ctx, seg.CustomOutputPath)
				if err != nil {
					return nil, err
				}
				if err := c.addCustom(raw); err != nil {
					return nil, err
				}
			}
			segments++
		}
	}

	doc := domain.ExtractedDocument{
		DocumentID:  documentID,
		PatientID:   patientID,
		Category:    category,
		SourceKey:   detail.InputS3Object.Name,
		Summary:     summaryOf(c),
		Body:        truncateBytes(strings.Join(c.markdown, "\n\n"), maxBodyBytes),
		Fields:      c.fields,
		ProcessedAt: e.now().UTC(),
	}
	if err := e.clients.Records.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("extraction: store %s: %w", documentID, err)
	}
	res := &Result{Stored: true, DocumentID: documentID, PatientID: patientID, Category: category, Segments: segments}
	if e.clients.Ingester != nil {
		jobID, err := e.clients.Ingester.StartIngestion(ctx, "extraction "+documentID)
		if err != nil {
			return nil, fmt.Errorf("extraction: start ingestion: %w", err)
		}
		res.IngestionJobID = jobID
	}
	if e.clients.Events != nil {
		if err := e.clients.Events.Publish(ctx, events.DetailTypeProcessed, res); err != nil {
			e.logger.Warn("failed to publish processed event", "document_id", documentID, "err", err)
		}
	}
	e.logger.Info("extraction stored", "document_id", documentID, "patient_id", patientID, "category", category, "segments", segments, "fields", len(doc.Fields))
	return res, nil
}

// identify resolves patient, category and document id. Patient and category
// come only from the input key, since both may contain underscores and the
// output segment processed/{patient}_{category} cannot be split reliably. The
// output layout still supplies the document id.
func identify(detail JobEventDetail) (patientID, category, documentID string) {
	if rest, ok := strings.CutPrefix(detail.OutputS3Location.Name, documents.ProcessedPrefix); ok {
		if parts := strings.Split(rest, "/"); len(parts) >= 2 {
			documentID = parts[1]
		}
	}
	in := detail.InputS3Object
	if obj, ok := documents.ParseKey(in.Bucket, in.Name, "", 0); ok {
		patientID, category = obj.PatientID, obj.Category
		if documentID == "" {
			documentID = documents.DocumentID(obj)
		}
	}
	if documentID == "" {
		documentID = detail.JobID
	}
	if category == "" {
		category = "general"
	}
	return patientID, category, documentID
}

func summaryOf(c content) string {
	text := strings.Join(c.summaries, " ")
	if text == "" && len(c.markdown) > 0 {
		text = c.markdown[0]
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxSummaryRunes {
		text = string(r[:maxSummaryRunes])
	}
	return text
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func (e *Extractor) readURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := documents.ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	return e.read(ctx, bucket, key)
}

func (e *Extractor) read(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := e.clients.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("extraction: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	buf, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("extraction: read %s: %w", key, err)
	}
	return buf, nil
}
