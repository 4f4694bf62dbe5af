package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// docRecord is the table shape of one stored document.
type docRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Value     []byte `dynamodbav:"Value"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

// DocumentStore implements storage.DocumentStore on DynamoDB.
type DocumentStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewDocumentStore creates a DynamoDB-backed document store.
func NewDocumentStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{client: client, tableName: tableName, logger: logger}
}

func (s *DocumentStore) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       docKeyAttributes(key),
	})
	if err != nil {
		return nil, classify("get", err)
	}
	if output.Item == nil {
		return nil, storage.NewNotFound(key)
	}

	var record docRecord
	if err := attributevalue.UnmarshalMap(output.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", key, err)
	}
	return record.Value, nil
}

func (s *DocumentStore) Set(ctx context.Context, key string, value []byte) error {
	item, err := attributevalue.MarshalMap(docRecord{
		PK:        docPartition,
		SK:        key,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", key, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return classify("set", err)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       docKeyAttributes(key),
	})
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *DocumentStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	keyCondition := expression.Key("PK").Equal(expression.Value(docPartition))
	if prefix != "" {
		keyCondition = keyCondition.And(expression.Key("SK").BeginsWith(prefix))
	}
	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCondition).
		WithProjection(expression.NamesList(expression.Name("SK"))).
		Build()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build list expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	if cursor != "" {
		input.ExclusiveStartKey = docKeyAttributes(cursor)
	}

	output, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", classify("list", err)
	}

	keys := make([]string, 0, len(output.Items))
	for _, item := range output.Items {
		var record docRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal list page: %w", err)
		}
		keys = append(keys, record.SK)
	}

	next := ""
	if output.LastEvaluatedKey != nil && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (s *DocumentStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))

	for start := 0; start < len(keys); start += batchGetLimit {
		end := start + batchGetLimit
		if end > len(keys) {
			end = len(keys)
		}

		request := make([]map[string]types.AttributeValue, 0, end-start)
		for _, key := range keys[start:end] {
			request = append(request, docKeyAttributes(key))
		}

		for len(request) > 0 {
			output, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.tableName: {Keys: request},
				},
			})
			if err != nil {
				return nil, classify("batch_get", err)
			}

			for _, item := range output.Responses[s.tableName] {
				var record docRecord
				if err := attributevalue.UnmarshalMap(item, &record); err != nil {
					return nil, fmt.Errorf("failed to unmarshal batch item: %w", err)
				}
				result[record.SK] = record.Value
			}

			request = output.UnprocessedKeys[s.tableName].Keys
		}
	}
	return result, nil
}

func docKeyAttributes(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: docPartition},
		"SK": &types.AttributeValueMemberS{Value: key},
	}
}
