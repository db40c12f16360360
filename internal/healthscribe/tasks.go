// Package healthscribe implements the Step Functions task steps that turn
// an audio upload into stored, indexed medical notes.
package healthscribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	ttypes "github.com/aws/aws-sdk-go-v2/service/transcribe/types"

	"healthcare-agent/internal/documents"
	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/events"
)

const (
	ActionStart   = "start"
	ActionStatus  = "status"
	ActionCopy    = "copy"
	ActionCleanup = "cleanup"
	ActionStore   = "store"

	transcriptFile = "transcript.json"
	summaryFile    = "summary.json"
	noteFile       = "clinical_notes.md"

	maxOutputBytes = 10 << 20
)

var errUnknownAction = errors.New("healthscribe: unknown action")

type transcribeAPI interface {
	StartMedicalScribeJob(ctx context.Context, in *transcribe.StartMedicalScribeJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartMedicalScribeJobOutput, error)
	GetMedicalScribeJob(ctx context.Context, in *transcribe.GetMedicalScribeJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetMedicalScribeJobOutput, error)
	DeleteMedicalScribeJob(ctx context.Context, in *transcribe.DeleteMedicalScribeJobInput, optFns ...func(*transcribe.Options)) (*transcribe.DeleteMedicalScribeJobOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DocumentStore persists the finished note.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc domain.ExtractedDocument) error
}

// Ingester syncs the knowledge base after new notes land.
type Ingester interface {
	StartIngestion(ctx context.Context, reason string) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, detailType string, detail any) error
}

type Config struct {
	OutputBucket      string
	ProcessedBucket   string
	DataAccessRoleARN string
	MaxSpeakers       int
}

// Clients are the collaborators of Tasks. Records, Ingester and Events may
// be nil.
type Clients struct {
	Transcribe transcribeAPI
	S3         s3API
	Records    DocumentStore
	Ingester   Ingester
	Events     publisher
}

// State is threaded through the state machine; every task returns it
// updated so the next step sees what came before.
type State struct {
	Bucket              string `json:"bucket"`
	Key                 string `json:"key"`
	PatientID           string `json:"patient_id"`
	SessionID           string `json:"session_id"`
	JobName             string `json:"job_name,omitempty"`
	Status              string `json:"status,omitempty"`
	FailureReason       string `json:"failure_reason"`
	TranscriptURI       string `json:"transcript_uri,omitempty"`
	ClinicalDocumentURI string `json:"clinical_document_uri,omitempty"`
	ProcessedPrefix     string `json:"processed_prefix,omitempty"`
	DocumentID          string `json:"document_id,omitempty"`
	IngestionJobID      string `json:"ingestion_job_id,omitempty"`
}

// TaskInput is the Lambda payload built by the state machine.
type TaskInput struct {
	Action string `json:"action"`
	State  State  `json:"state"`
}

type Tasks struct {
	clients Clients
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewTasks(clients Clients, cfg Config, logger *slog.Logger) (*Tasks, error) {
	if clients.Transcribe == nil || clients.S3 == nil {
		return nil, errors.New("healthscribe: transcribe and s3 clients must not be nil")
	}
	if cfg.OutputBucket == "" || cfg.DataAccessRoleARN == "" {
		return nil, errors.New("healthscribe: output bucket and data access role are required")
	}
	if cfg.ProcessedBucket == "" {
		cfg.ProcessedBucket = cfg.OutputBucket
	}
	if cfg.MaxSpeakers < 2 {
		cfg.MaxSpeakers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{clients: clients, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Handle is the Lambda entry point; it dispatches on the action name.
func (t *Tasks) Handle(ctx context.Context, in TaskInput) (State, error) {
	st := in.State
	if st.PatientID == "" || st.SessionID == "" {
		return st, errors.New("healthscribe: patient_id and session_id are required")
	}
	if st.JobName == "" {
		st.JobName = JobName(st.PatientID, st.SessionID)
	}
	var err error
	switch in.Action {
	case ActionStart:
		err = t.start(ctx, &st)
	case ActionStatus:
		err = t.status(ctx, &st)
	case ActionCopy:
		err = t.copy(ctx, &st)
	case ActionCleanup:
		err = t.cleanup(ctx, &st)
	case ActionStore:
		err = t.store(ctx, &st)
	default:
		err = fmt.Errorf("%w: %q", errUnknownAction, in.Action)
	}
	return st, err
}

// JobName is the HealthScribe job name for one session.
func JobName(patientID, sessionID string) string {
	return "healthscribe-" + patientID + "-" + sessionID
}

// ProcessedPrefix is where a session's notes are kept.
func ProcessedPrefix(patientID, sessionID string) string {
	return fmt.Sprintf("processed/%s_%s/session_%s/", patientID, domain.CategoryMedicalNotes, sessionID)
}

func (t *Tasks) start(ctx context.Context, st *State) error {
	if st.Bucket == "" || st.Key == "" {
		return errors.New("healthscribe: bucket and key are required to start a job")
	}
	_, err := t.clients.Transcribe.StartMedicalScribeJob(ctx, &transcribe.StartMedicalScribeJobInput{
		MedicalScribeJobName: aws.String(st.JobName),
		Media:                &ttypes.Media{MediaFileUri: aws.String(documents.S3URI(st.Bucket, st.Key))},
		OutputBucketName:     aws.String(t.cfg.OutputBucket),
		DataAccessRoleArn:    aws.String(t.cfg.DataAccessRoleARN),
		Settings: &ttypes.MedicalScribeSettings{
			ShowSpeakerLabels: aws.Bool(true),
			MaxSpeakerLabels:  aws.Int32(int32(t.cfg.MaxSpeakers)),
		},
		Tags: []ttypes.Tag{
			{Key: aws.String("patient_id"), Value: aws.String(st.PatientID)},
			{Key: aws.String("session_id"), Value: aws.String(st.SessionID)},
		},
	})
	if err != nil {
		var conflict *ttypes.ConflictException
		if !errors.As(err, &conflict) {
			return fmt.Errorf("healthscribe: start job %s: %w", st.JobName, err)
		}
		t.logger.Info("healthscribe job already exists", "job", st.JobName)
	}
	st.Status = string(ttypes.MedicalScribeJobStatusInProgress)
	t.logger.Info("healthscribe job started", "job", st.JobName, "patient_id", st.PatientID, "key", st.Key)
	return nil
}

func (t *Tasks) status(ctx context.Context, st *State) error {
	out, err := t.clients.Transcribe.GetMedicalScribeJob(ctx, &transcribe.GetMedicalScribeJobInput{
		MedicalScribeJobName: aws.String(st.JobName),
	})
	if err != nil {
		return fmt.Errorf("healthscribe: get job %s: %w", st.JobName, err)
	}
	job := out.MedicalScribeJob
	if job == nil {
		return fmt.Errorf("healthscribe: job %s: empty response", st.JobName)
	}
	st.Status = string(job.MedicalScribeJobStatus)
	st.FailureReason = aws.ToString(job.FailureReason)
	if o := job.MedicalScribeOutput; o != nil {
		st.TranscriptURI = aws.ToString(o.TranscriptFileUri)
		st.ClinicalDocumentURI = aws.ToString(o.ClinicalDocumentUri)
	}
	t.logger.Debug("healthscribe job status", "job", st.JobName, "status", st.Status)
	return nil
}

func (t *Tasks) copy(ctx context.Context, st *State) error {
	st.ProcessedPrefix = ProcessedPrefix(st.PatientID, st.SessionID)
	for _, src := range []struct{ uri, name string }{
		{st.TranscriptURI, transcriptFile},
		{st.ClinicalDocumentURI, summaryFile},
	} {
		bucket, key, err := documents.ParseS3URI(src.uri)
		if err != nil {
			return err
		}
		dest := st.ProcessedPrefix + src.name
		if _, err := t.clients.S3.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:      aws.String(t.cfg.ProcessedBucket),
			Key:         aws.String(dest),
			CopySource:  aws.String(copySource(bucket, key)),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("healthscribe: copy %s to %s: %w", key, dest, err)
		}
	}
	t.logger.Info("healthscribe output copied", "job", st.JobName, "prefix", st.ProcessedPrefix)
	return nil
}

func (t *Tasks) cleanup(ctx context.Context, st *State) error {
	for _, uri := range []string{st.TranscriptURI, st.ClinicalDocumentURI} {
		if uri == "" {
			continue
		}
		bucket, key, err := documents.ParseS3URI(uri)
		if err != nil {
			return err
		}
		// Copies made under processed/ must survive when both buckets are the same.
		if bucket == t.cfg.ProcessedBucket && strings.HasPrefix(key, "processed/") {
			continue
		}
		if _, err := t.clients.S3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			return fmt.Errorf("healthscribe: delete %s: %w", key, err)
		}
	}
	if _, err := t.clients.Transcribe.DeleteMedicalScribeJob(ctx, &transcribe.DeleteMedicalScribeJobInput{
		MedicalScribeJobName: aws.String(st.JobName),
	}); err != nil {
		var nf *ttypes.NotFoundException
		if !errors.As(err, &nf) {
			return fmt.Errorf("healthscribe: delete job %s: %w", st.JobName, err)
		}
	}
	t.logger.Info("healthscribe temporary output removed", "job", st.JobName)
	return nil
}

func (t *Tasks) store(ctx context.Context, st *State) error {
	if st.ProcessedPrefix == "" {
		st.ProcessedPrefix = ProcessedPrefix(st.PatientID, st.SessionID)
	}
	raw, err := t.read(ctx, t.cfg.ProcessedBucket, st.ProcessedPrefix+summaryFile)
	if err != nil {
		return err
	}
	sections, err := ParseSummary(raw)
	if err != nil {
		return err
	}
	transcript := ""
	if raw, err := t.read(ctx, t.cfg.ProcessedBucket, st.ProcessedPrefix+transcriptFile); err != nil {
		t.logger.Warn("transcript unavailable", "job", st.JobName, "err", err)
	} else if transcript, err = ParseTranscript(raw); err != nil {
		t.logger.Warn("transcript unreadable", "job", st.JobName, "err", err)
	}

	body := renderNote(st.PatientID, st.SessionID, sections, transcript)
	noteKey := st.ProcessedPrefix + noteFile
	if _, err := t.clients.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.cfg.ProcessedBucket),
		Key:         aws.String(noteKey),
		Body:        bytes.NewReader([]byte(body)),
		ContentType: aws.String("text/markdown"),
	}); err != nil {
		return fmt.Errorf("healthscribe: put %s: %w", noteKey, err)
	}

	fields := make(map[string]string, len(sections))
	for _, s := range sections {
		fields[strings.ToLower(s.Name)] = s.Text
	}
	doc := domain.ExtractedDocument{
		DocumentID:  "session_" + st.SessionID,
		PatientID:   st.PatientID,
		Category:    domain.CategoryMedicalNotes,
		SourceKey:   st.Key,
		Summary:     summarize(sections),
		Body:        body,
		Fields:      fields,
		ProcessedAt: t.now().UTC(),
	}
	st.DocumentID = doc.DocumentID
	if t.clients.Records != nil {
		if err := t.clients.Records.SaveDocument(ctx, doc); err != nil {
			return fmt.Errorf("healthscribe: store notes: %w", err)
		}
	}
	if t.clients.Ingester != nil {
		jobID, err := t.clients.Ingester.StartIngestion(ctx, "medical notes "+st.JobName)
		if err != nil {
			return fmt.Errorf("healthscribe: start ingestion: %w", err)
		}
		st.IngestionJobID = jobID
	}
	if t.clients.Events != nil {
		if err := t.clients.Events.Publish(ctx, events.DetailTypeProcessed, map[string]any{
			"document_id": doc.DocumentID,
			"patient_id":  doc.PatientID,
			"category":    doc.Category,
			"source_key":  doc.SourceKey,
			"note_key":    noteKey,
		}); err != nil {
			t.logger.Warn("failed to publish processed event", "job", st.JobName, "err", err)
		}
	}
	t.logger.Info("medical notes stored", "job", st.JobName, "patient_id", st.PatientID, "sections", len(sections))
	return nil
}

func (t *Tasks) read(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := t.clients.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("healthscribe: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	buf, err := io.ReadAll(io.LimitReader(out.Body, maxOutputBytes))
	if err != nil {
		return nil, fmt.Errorf("healthscribe: read %s: %w", key, err)
	}
	return buf, nil
}

func copySource(bucket, key string) string {
	return bucket + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}
