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

	"wellbeing-agent/internal/domain"
)

const (
	skState    = "STATE"
	defaultTTL = 24 * time.Hour
)

var (
	// ErrNotFound is returned when no live snapshot exists for a session.
	ErrNotFound = errors.New("repository: session not found")
	// ErrConflict is returned when the stored snapshot changed since it was
	// loaded.
	ErrConflict = errors.New("repository: session modified concurrently")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store defines the session snapshot operations consumed by the check-in
// service.
type Store interface {
	Load(ctx context.Context, sessionID string) (domain.SessionState, error)
	Save(ctx context.Context, st domain.SessionState) (domain.SessionState, error)
	Delete(ctx context.Context, sessionID string) error
}

// Client wraps a DynamoDB table holding one snapshot item per session.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a new repository Client. A non-positive ttl uses the default
// of one day.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func (c *Client) key(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

// Load reads the snapshot for sessionID. Items past their TTL are treated as
// absent since DynamoDB expiry is lazy.
func (c *Client) Load(ctx context.Context, sessionID string) (domain.SessionState, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionState{}, errors.New("repository: Load: session id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionState{}, ErrNotFound
	}

	st, err := itemToState(out.Item)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("repository: Load decode: %w", err)
	}
	if st.TTL > 0 && st.TTL <= c.now().Unix() {
		return domain.SessionState{}, ErrNotFound
	}
	return st, nil
}

// Save writes st if the stored version still equals st.Version (or, for a
// new session with version 0, if nothing is stored yet). It returns the
// state as written, with Version incremented and TTL refreshed.
func (c *Client) Save(ctx context.Context, st domain.SessionState) (domain.SessionState, error) {
	if strings.TrimSpace(st.SessionID) == "" {
		return domain.SessionState{}, errors.New("repository: Save: session id is required")
	}
	now := c.now()
	expected := st.Version
	st.Version++
	st.TTL = now.Add(c.ttl).Unix()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(st),
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numAttr(int64(expected)),
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.SessionState{}, ErrConflict
		}
		return domain.SessionState{}, fmt.Errorf("repository: Save: %w", err)
	}
	return st, nil
}

// Delete removes the snapshot. Deleting a missing session is not an error.
func (c *Client) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: Delete: session id is required")
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(sessionID),
	})
	if err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

func stateItem(st domain.SessionState) map[string]types.AttributeValue {
	msgs := make([]types.AttributeValue, 0, len(st.Messages))
	for _, m := range st.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: string(m.Role)},
			"content": &types.AttributeValueMemberS{Value: m.Content},
			"ts":      numAttr(m.Timestamp.UnixMilli()),
		}})
	}

	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: sessionPK(st.SessionID)},
		"SK":            &types.AttributeValueMemberS{Value: skState},
		"sessionId":     &types.AttributeValueMemberS{Value: st.SessionID},
		"messages":      &types.AttributeValueMemberL{Value: msgs},
		"minIntervalMs": numAttr(st.MinInterval.Milliseconds()),
		"version":       numAttr(int64(st.Version)),
		"createdAt":     numAttr(st.CreatedAt.UnixMilli()),
		"ttl":           numAttr(st.TTL),
	}
	if !st.LastRequest.IsZero() {
		item["lastRequestAt"] = numAttr(st.LastRequest.UnixMilli())
	}
	return item
}

// itemToState converts a DynamoDB attribute map to a SessionState.
func itemToState(item map[string]types.AttributeValue) (domain.SessionState, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.SessionState{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.SessionState{}, err
	}
	intervalMs, err := intAttr(item, "minIntervalMs")
	if err != nil {
		return domain.SessionState{}, err
	}
	createdMs, err := intAttr(item, "createdAt")
	if err != nil {
		return domain.SessionState{}, err
	}
	var ttl int64
	if _, ok := item["ttl"]; ok {
		if ttl, err = intAttr(item, "ttl"); err != nil {
			return domain.SessionState{}, err
		}
	}

	st := domain.SessionState{
		SessionID:   id,
		MinInterval: time.Duration(intervalMs) * time.Millisecond,
		CreatedAt:   time.UnixMilli(createdMs).UTC(),
		Version:     int(version),
		TTL:         ttl,
	}
	if _, ok := item["lastRequestAt"]; ok {
		lastMs, err := intAttr(item, "lastRequestAt")
		if err != nil {
			return domain.SessionState{}, err
		}
		st.LastRequest = time.UnixMilli(lastMs).UTC()
	}

	raw, ok := item["messages"]
	if !ok {
		return st, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return domain.SessionState{}, errors.New("repository: attribute \"messages\" is not a list")
	}
	st.Messages = make([]domain.Message, 0, len(list.Value))
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.SessionState{}, fmt.Errorf("repository: message %d is not a map", i)
		}
		msg, err := itemToMessage(m.Value)
		if err != nil {
			return domain.SessionState{}, fmt.Errorf("repository: message %d: %w", i, err)
		}
		st.Messages = append(st.Messages, msg)
	}
	return st, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	if r := domain.Role(role); r != domain.RoleUser && r != domain.RoleAssistant {
		return domain.Message{}, fmt.Errorf("repository: unknown role %q", role)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := intAttr(item, "ts")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		Role:      domain.Role(role),
		Content:   content,
		Timestamp: time.UnixMilli(ts).UTC(),
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
