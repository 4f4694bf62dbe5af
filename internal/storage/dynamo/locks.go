package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// LockStore implements storage.LockStore with DynamoDB conditional writes.
// A lock item exists while held; an expired item is overwritable, and the
// table's TTL attribute eventually garbage-collects stale items.
type LockStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewLockStore creates a DynamoDB-backed lock store.
func NewLockStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *LockStore {
	return &LockStore{client: client, tableName: tableName, logger: logger}
}

func (s *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*storage.Lock, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: lockPartition(key)},
			"SK":        &types.AttributeValueMemberS{Value: "LOCK"},
			"Owner":     &types.AttributeValueMemberS{Value: owner},
			"Token":     &types.AttributeValueMemberS{Value: token},
			"ExpiresAt": &types.AttributeValueMemberS{Value: expiresAt.Format(time.RFC3339Nano)},
			"TTL":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.Unix())},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil, storage.LockHeldError{Key: key}
		}
		return nil, classify("lock_acquire", err)
	}

	s.logger.Debug("lock acquired",
		zap.String("key", key),
		zap.String("owner", owner),
		zap.Duration("ttl", ttl),
	)
	return &storage.Lock{Key: key, Owner: owner, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *LockStore) Release(ctx context.Context, lock *storage.Lock) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: lockPartition(lock.Key)},
			"SK": &types.AttributeValueMemberS{Value: "LOCK"},
		},
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#token": "Token",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: lock.Token},
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			// The lock expired and was taken over; nothing to release.
			s.logger.Debug("stale lock release ignored",
				zap.String("key", lock.Key),
				zap.String("owner", lock.Owner),
			)
			return nil
		}
		return classify("lock_release", err)
	}
	return nil
}

func lockPartition(key string) string {
	return "LOCK#" + key
}
