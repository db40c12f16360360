package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"healthcare-agent/internal/domain"
)

const (
	pkPrefixSession = "SESSION#"
	skMeta          = "META#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL
)

// ErrStaleSession is returned when a concurrent writer already stored a
// newer turn count for the session.
var ErrStaleSession = errors.New("repository: session meta is stale")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// SessionStore defines the session metadata operations consumed by the use case.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, error)
	SaveSession(ctx context.Context, meta domain.SessionMeta) error
}

// Client wraps a DynamoDB table for session metadata.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// GetSession returns the stored metadata for a session. An unknown session
// yields a zero-turn meta carrying the session ID.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionMeta{}, errors.New("repository: GetSession: session id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionMeta{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionMeta{PK: sessionPK(sessionID), SK: skMeta, SessionID: sessionID}, nil
	}
	meta, err := itemToMeta(out.Item)
	if err != nil {
		return domain.SessionMeta{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	if meta.SessionID == "" {
		meta.SessionID = sessionID
	}
	return meta, nil
}

// SaveSession writes meta unless the stored item already has as many turns.
func (c *Client) SaveSession(ctx context.Context, meta domain.SessionMeta) error {
	if meta.PK == "" || meta.SK == "" {
		return errors.New("repository: SaveSession: PK and SK are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                metaItem(meta),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR turns < :turns"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":turns": &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: SaveSession %s: %w", meta.SessionID, ErrStaleSession)
		}
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	return nil
}

// NextTurn returns the meta to persist after a completed turn.
func (c *Client) NextTurn(prev domain.SessionMeta, patientID string) domain.SessionMeta {
	now := c.now().UTC()
	return domain.SessionMeta{
		PK:           sessionPK(prev.SessionID),
		SK:           skMeta,
		SessionID:    prev.SessionID,
		PatientID:    patientID,
		LastActivity: now.Format(time.RFC3339),
		Turns:        prev.Turns + 1,
		TTL:          now.Add(ttlDuration).Unix(),
	}
}

func itemToMeta(item map[string]types.AttributeValue) (domain.SessionMeta, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.SessionMeta{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.SessionMeta{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.SessionMeta{}, err
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty
	patientID, _ := strAttr(item, "patientId") // allow empty
	last, _ := strAttr(item, "lastActivity")   // allow empty
	ttl, _ := intAttr(item, "ttl")             // allow empty

	return domain.SessionMeta{
		PK:           pk,
		SK:           sk,
		SessionID:    sessionID,
		PatientID:    patientID,
		LastActivity: last,
		Turns:        turns,
		TTL:          int64(ttl),
	}, nil
}

func metaItem(meta domain.SessionMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: meta.PK},
		"SK":           &types.AttributeValueMemberS{Value: meta.SK},
		"sessionId":    &types.AttributeValueMemberS{Value: meta.SessionID},
		"patientId":    &types.AttributeValueMemberS{Value: meta.PatientID},
		"lastActivity": &types.AttributeValueMemberS{Value: meta.LastActivity},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.TTL, 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
