package store

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

	"github.com/ashureev/dala-chat/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	historyTTL    = 30 * 24 * time.Hour
	dynamoMaxPage = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoHistoryStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoHistoryStore keeps chat history in a single DynamoDB table keyed by
// user and timestamp. Items expire after 30 days through the ttl attribute.
type DynamoHistoryStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoHistory creates a DynamoDB-backed history store.
func NewDynamoHistory(api dynamodbAPI, tableName string) (*DynamoHistoryStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoHistoryStore{api: api, tableName: tableName, now: time.Now}, nil
}

func userPK(username string) string {
	return "USER#" + username
}

func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

// AppendHistory writes one turn. Writes never overwrite an existing item.
func (s *DynamoHistoryStore) AppendHistory(ctx context.Context, rec domain.ChatHistoryRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: userPK(rec.Username)},
		"SK":           &types.AttributeValueMemberS{Value: msgSK(ts)},
		"username":     &types.AttributeValueMemberS{Value: rec.Username},
		"sessionId":    &types.AttributeValueMemberS{Value: rec.SessionID},
		"page":         &types.AttributeValueMemberS{Value: rec.Page},
		"userInput":    &types.AttributeValueMemberS{Value: rec.UserInput},
		"responseJson": &types.AttributeValueMemberS{Value: rec.ResponseJSON},
		"timestamp":    &types.AttributeValueMemberN{Value: strconv.FormatInt(ts.UnixNano(), 10)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(historyTTL).Unix(), 10)},
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("store: dynamodb append history: %w", err)
	}
	return nil
}

// ListHistory reads the newest items first and returns them oldest first.
func (s *DynamoHistoryStore) ListHistory(ctx context.Context, username string, limit int) ([]domain.ChatHistoryRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(username)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var recs []domain.ChatHistoryRecord
	for {
		pageLimit := dynamoMaxPage
		if limit > 0 {
			pageLimit = min(limit-len(recs), dynamoMaxPage)
		}
		in.Limit = aws.Int32(int32(pageLimit))

		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("store: dynamodb list history: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToHistory(item)
			if err != nil {
				return nil, fmt.Errorf("store: dynamodb list history: %w", err)
			}
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(recs) >= limit) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return newestFirstToChronological(recs), nil
}

func itemToHistory(item map[string]types.AttributeValue) (domain.ChatHistoryRecord, error) {
	username, err := strAttr(item, "username")
	if err != nil {
		return domain.ChatHistoryRecord{}, err
	}
	userInput, err := strAttr(item, "userInput")
	if err != nil {
		return domain.ChatHistoryRecord{}, err
	}
	responseJSON, err := strAttr(item, "responseJson")
	if err != nil {
		return domain.ChatHistoryRecord{}, err
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty
	page, _ := strAttr(item, "page")

	rec := domain.ChatHistoryRecord{
		Username:     username,
		SessionID:    sessionID,
		Page:         page,
		UserInput:    userInput,
		ResponseJSON: responseJSON,
	}
	if n, ok := item["timestamp"].(*types.AttributeValueMemberN); ok {
		if nanos, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
			rec.Timestamp = time.Unix(0, nanos)
		}
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}
