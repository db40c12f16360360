// Package records stores extracted clinical documents in Aurora through the
// RDS Data API.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata/types"

	"healthcare-agent/internal/domain"
)

const timestampLayout = "2006-01-02 15:04:05"

const schemaDocuments = `CREATE TABLE IF NOT EXISTS documents (
  id           TEXT PRIMARY KEY,
  patient_id   TEXT NOT NULL,
  category     TEXT NOT NULL,
  source_key   TEXT NOT NULL,
  summary      TEXT NOT NULL DEFAULT '',
  body         TEXT NOT NULL DEFAULT '',
  processed_at TIMESTAMP NOT NULL
)`

const schemaDocumentsIndex = `CREATE INDEX IF NOT EXISTS documents_patient_idx ON documents (patient_id, processed_at DESC)`

const schemaFields = `CREATE TABLE IF NOT EXISTS document_fields (
  document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
  name        TEXT NOT NULL,
  value       TEXT NOT NULL,
  PRIMARY KEY (document_id, name)
)`

const upsertDocument = `INSERT INTO documents (id, patient_id, category, source_key, summary, body, processed_at)
VALUES (:id, :patient_id, :category, :source_key, :summary, :body, :processed_at)
ON CONFLICT (id) DO UPDATE SET
  patient_id = EXCLUDED.patient_id,
  category = EXCLUDED.category,
  source_key = EXCLUDED.source_key,
  summary = EXCLUDED.summary,
  body = EXCLUDED.body,
  processed_at = EXCLUDED.processed_at`

const deleteFields = `DELETE FROM document_fields WHERE document_id = :document_id`

const insertField = `INSERT INTO document_fields (document_id, name, value) VALUES (:document_id, :name, :value)`

const listByPatient = `SELECT id AS document_id, patient_id, category, source_key, summary,
  to_char(processed_at, 'YYYY-MM-DD"T"HH24:MI:SS"Z"') AS processed_at
FROM documents WHERE patient_id = :patient_id
ORDER BY processed_at DESC LIMIT :limit`

type rdsDataAPI interface {
	BeginTransaction(ctx context.Context, in *rdsdata.BeginTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BeginTransactionOutput, error)
	CommitTransaction(ctx context.Context, in *rdsdata.CommitTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.CommitTransactionOutput, error)
	RollbackTransaction(ctx context.Context, in *rdsdata.RollbackTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.RollbackTransactionOutput, error)
	ExecuteStatement(ctx context.Context, in *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
	BatchExecuteStatement(ctx context.Context, in *rdsdata.BatchExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BatchExecuteStatementOutput, error)
}

type Store struct {
	api        rdsDataAPI
	clusterARN string
	secretARN  string
	database   string
}

func New(api rdsDataAPI, clusterARN, secretARN, database string) (*Store, error) {
	if api == nil {
		return nil, errors.New("records: api must not be nil")
	}
	if strings.TrimSpace(clusterARN) == "" || strings.TrimSpace(secretARN) == "" {
		return nil, errors.New("records: cluster and secret ARNs are required")
	}
	if strings.TrimSpace(database) == "" {
		return nil, errors.New("records: database must not be empty")
	}
	return &Store{api: api, clusterARN: clusterARN, secretARN: secretARN, database: database}, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{schemaDocuments, schemaDocumentsIndex, schemaFields} {
		if _, err := s.exec(ctx, "", stmt, nil); err != nil {
			return fmt.Errorf("records: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveDocument upserts doc and replaces its fields in one transaction.
func (s *Store) SaveDocument(ctx context.Context, doc domain.ExtractedDocument) (err error) {
	if doc.DocumentID == "" || doc.PatientID == "" {
		return errors.New("records: document and patient ids are required")
	}
	processed := doc.ProcessedAt
	if processed.IsZero() {
		processed = time.Now()
	}

	tx, err := s.api.BeginTransaction(ctx, &rdsdata.BeginTransactionInput{
		ResourceArn: aws.String(s.clusterARN),
		SecretArn:   aws.String(s.secretARN),
		Database:    aws.String(s.database),
	})
	if err != nil {
		return fmt.Errorf("records: begin transaction: %w", err)
	}
	txID := aws.ToString(tx.TransactionId)
	defer func() {
		if err == nil {
			return
		}
		if _, rbErr := s.api.RollbackTransaction(context.WithoutCancel(ctx), &rdsdata.RollbackTransactionInput{
			ResourceArn:   aws.String(s.clusterARN),
			SecretArn:     aws.String(s.secretARN),
			TransactionId: aws.String(txID),
		}); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("records: rollback: %w", rbErr))
		}
	}()

	if _, err = s.exec(ctx, txID, upsertDocument, []types.SqlParameter{
		stringParam("id", doc.DocumentID),
		stringParam("patient_id", doc.PatientID),
		stringParam("category", doc.Category),
		stringParam("source_key", doc.SourceKey),
		stringParam("summary", doc.Summary),
		stringParam("body", doc.Body),
		timestampParam("processed_at", processed),
	}); err != nil {
		return fmt.Errorf("records: upsert document %s: %w", doc.DocumentID, err)
	}
	if _, err = s.exec(ctx, txID, deleteFields, []types.SqlParameter{stringParam("document_id", doc.DocumentID)}); err != nil {
		return fmt.Errorf("records: clear fields %s: %w", doc.DocumentID, err)
	}
	if len(doc.Fields) > 0 {
		names := make([]string, 0, len(doc.Fields))
		for name := range doc.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		sets := make([][]types.SqlParameter, 0, len(names))
		for _, name := range names {
			sets = append(sets, []types.SqlParameter{
				stringParam("document_id", doc.DocumentID),
				stringParam("name", name),
				stringParam("value", doc.Fields[name]),
			})
		}
		if _, err = s.api.BatchExecuteStatement(ctx, &rdsdata.BatchExecuteStatementInput{
			ResourceArn:   aws.String(s.clusterARN),
			SecretArn:     aws.String(s.secretARN),
			Database:      aws.String(s.database),
			TransactionId: aws.String(txID),
			Sql:           aws.String(insertField),
			ParameterSets: sets,
		}); err != nil {
			return fmt.Errorf("records: insert fields %s: %w", doc.DocumentID, err)
		}
	}

	if _, err = s.api.CommitTransaction(ctx, &rdsdata.CommitTransactionInput{
		ResourceArn:   aws.String(s.clusterARN),
		SecretArn:     aws.String(s.secretARN),
		TransactionId: aws.String(txID),
	}); err != nil {
		return fmt.Errorf("records: commit: %w", err)
	}
	return nil
}

// ListByPatient returns the most recent documents for a patient.
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.DocumentRecord, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, errors.New("records: patient id is required")
	}
	if limit <= 0 {
		limit = 10
	}
	out, err := s.exec(ctx, "", listByPatient, []types.SqlParameter{
		stringParam("patient_id", patientID),
		{Name: aws.String("limit"), Value: &types.FieldMemberLongValue{Value: int64(limit)}},
	})
	if err != nil {
		return nil, fmt.Errorf("records: list %s: %w", patientID, err)
	}
	recs := []domain.DocumentRecord{}
	if raw := aws.ToString(out.FormattedRecords); raw != "" {
		if err := json.Unmarshal([]byte(raw), &recs); err != nil {
			return nil, fmt.Errorf("records: decode records: %w", err)
		}
	}
	return recs, nil
}

func (s *Store) exec(ctx context.Context, txID, sql string, params []types.SqlParameter) (*rdsdata.ExecuteStatementOutput, error) {
	in := &rdsdata.ExecuteStatementInput{
		ResourceArn:     aws.String(s.clusterARN),
		SecretArn:       aws.String(s.secretARN),
		Database:        aws.String(s.database),
		Sql:             aws.String(sql),
		Parameters:      params,
		FormatRecordsAs: types.RecordsFormatTypeJson,
	}
	if txID != "" {
		in.TransactionId = aws.String(txID)
	}
	return s.api.ExecuteStatement(ctx, in)
}

func stringParam(name, value string) types.SqlParameter {
	return types.SqlParameter{Name: aws.String(name), Value: &types.FieldMemberStringValue{Value: value}}
}

func timestampParam(name string, t time.Time) types.SqlParameter {
	return types.SqlParameter{
		Name:     aws.String(name),
		Value:    &types.FieldMemberStringValue{Value: t.UTC().Format(timestampLayout)},
		TypeHint: types.TypeHintTimestamp,
	}
}
