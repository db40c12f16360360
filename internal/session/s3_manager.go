// Package session persists agent conversation history in S3, one object per
// message, namespaced by patient.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"healthcare-agent/internal/domain"
)

const (
	messageFilePrefix = "message_"
	messageFileSuffix = ".json"
	maxMessageBytes   = 1 << 20
)

// s3API is the minimal S3 interface required by Manager. It also satisfies
// s3.ListObjectsV2APIClient for the paginator.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is the history interface consumed by the invocation use case.
type Store interface {
	Load(ctx context.Context, key domain.SessionKey, limit int) ([]domain.ChatMessage, error)
	Append(ctx context.Context, key domain.SessionKey, msgs ...domain.ChatMessage) error
}

// Manager reads and writes session messages under
// {prefix}{patient}/session_{id}/messages/message_{n}.json.
type Manager struct {
	api    s3API
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(api s3API, bucket, prefix string, logger *slog.Logger) (*Manager, error) {
	if api == nil {
		return nil, errors.New("session: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("session: bucket must not be empty")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{api: api, bucket: bucket, prefix: prefix, logger: logger, now: time.Now}, nil
}

// MessagesPrefix returns the key prefix holding a session's messages.
func (m *Manager) MessagesPrefix(key domain.SessionKey) string {
	return fmt.Sprintf("%s%s/session_%s/messages/", m.prefix, key.PatientNamespace, key.SessionID)
}

func messageKey(prefix string, index int) string {
	return fmt.Sprintf("%s%s%06d%s", prefix, messageFilePrefix, index, messageFileSuffix)
}

// messageIndex parses the index out of a message object key.
func messageIndex(key string) (int, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, messageFilePrefix) || !strings.HasSuffix(base, messageFileSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, messageFilePrefix), messageFileSuffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func validKey(key domain.SessionKey) error {
	if strings.TrimSpace(key.PatientNamespace) == "" || strings.TrimSpace(key.SessionID) == "" {
		return errors.New("session: patient namespace and session id are required")
	}
	if strings.Contains(key.PatientNamespace, "/") || strings.Contains(key.SessionID, "/") {
		return errors.New("session: key segments must not contain '/'")
	}
	return nil
}

// indices lists the message indices stored for a session in ascending order.
func (m *Manager) indices(ctx context.Context, prefix string) ([]int, error) {
	var out []int
	p := s3.NewListObjectsV2Paginator(m.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if n, ok := messageIndex(aws.ToString(obj.Key)); ok {
				out = append(out, n)
			}
		}
	}
	sort.Ints(out)
	return out, nil
}

// Load returns up to limit of the most recent messages in chronological
// order. A session with no stored messages yields an empty slice.
func (m *Manager) Load(ctx context.Context, key domain.SessionKey, limit int) ([]domain.ChatMessage, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	prefix := m.MessagesPrefix(key)
	idx, err := m.indices(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(idx) > limit {
		idx = idx[len(idx)-limit:]
	}
	msgs := make([]domain.ChatMessage, 0, len(idx))
	for _, n := range idx {
		msg, err := m.read(ctx, messageKey(prefix, n))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	// Keep the window starting on a user turn so replayed history alternates.
	for len(msgs) > 0 && msgs[0].Role != domain.RoleUser {
		msgs = msgs[1:]
	}
	return msgs, nil
}

func (m *Manager) read(ctx context.Context, key string) (domain.ChatMessage, error) {
	out, err := m.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(m.bucket), Key: aws.String(key)})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("session: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	buf, err := io.ReadAll(io.LimitReader(out.Body, maxMessageBytes))
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("session: read %s: %w", key, err)
	}
	var msg domain.ChatMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("session: decode %s: %w", key, err)
	}
	return msg, nil
}

// Append writes msgs after the last stored message.
func (m *Manager) Append(ctx context.Context, key domain.SessionKey, msgs ...domain.ChatMessage) error {
	if err := validKey(key); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	prefix := m.MessagesPrefix(key)
	idx, err := m.indices(ctx, prefix)
	if err != nil {
		return err
	}
	next := 0
	if len(idx) > 0 {
		next = idx[len(idx)-1] + 1
	}
	for i, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = m.now().UTC()
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("session: encode message: %w", err)
		}
		k := messageKey(prefix, next+i)
		if _, err := m.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("session: put %s: %w", k, err)
		}
	}
	m.logger.Debug("session messages stored", "session_id", key.SessionID, "namespace", key.PatientNamespace, "count", len(msgs), "first_index", next)
	return nil
}
