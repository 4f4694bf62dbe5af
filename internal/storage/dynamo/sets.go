package dynamo

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// SetStore implements storage.SetStore on DynamoDB. Each member is one item
// under the SET partition with SK "<set>|<member>", so a set's members and
// all sets under a name prefix are both single Query calls.
type SetStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

// NewSetStore creates a DynamoDB-backed set store.
func NewSetStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *SetStore {
	return &SetStore{client: client, tableName: tableName, logger: logger}
}

func (s *SetStore) Add(ctx context.Context, set, member string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      setItemAttributes(set, member),
	})
	if err != nil {
		return classify("set_add", err)
	}
	return nil
}

func (s *SetStore) Remove(ctx context.Context, set, member string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       setItemAttributes(set, member),
	})
	if err != nil {
		return classify("set_remove", err)
	}
	return nil
}

func (s *SetStore) Members(ctx context.Context, set string) ([]string, error) {
	members := make([]string, 0)
	err := s.queryMembers(ctx, set, func(sk string) {
		if _, member, ok := splitSetKey(sk); ok {
			members = append(members, member)
		}
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *SetStore) Contains(ctx context.Context, set, member string) (bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       setItemAttributes(set, member),
	})
	if err != nil {
		return false, classify("set_contains", err)
	}
	return output.Item != nil, nil
}

func (s *SetStore) Cardinality(ctx context.Context, set string) (int64, error) {
	var count int64
	err := s.queryPages(ctx, set+setDelimiter, types.SelectCount, func(output *dynamodb.QueryOutput) {
		count += int64(output.Count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SetStore) DeleteSet(ctx context.Context, set string) error {
	members, err := s.Members(ctx, set)
	if err != nil {
		return err
	}

	for start := 0; start < len(members); start += batchWriteLimit {
		end := start + batchWriteLimit
		if end > len(members) {
			end = len(members)
		}

		requests := make([]types.WriteRequest, 0, end-start)
		for _, member := range members[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: setItemAttributes(set, member)},
			})
		}

		for len(requests) > 0 {
			output, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
			})
			if err != nil {
				return classify("set_delete", err)
			}
			requests = output.UnprocessedItems[s.tableName]
		}
	}
	return nil
}

func (s *SetStore) ListSets(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	err := s.queryPages(ctx, prefix, types.SelectSpecificAttributes, func(output *dynamodb.QueryOutput) {
		for _, item := range output.Items {
			sk, ok := item["SK"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			set, _, ok := splitSetKey(sk.Value)
			if !ok {
				continue
			}
			if _, dup := seen[set]; !dup {
				seen[set] = struct{}{}
				names = append(names, set)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// queryMembers pages through one set's items, invoking visit per item SK.
func (s *SetStore) queryMembers(ctx context.Context, set string, visit func(sk string)) error {
	return s.queryPages(ctx, set+setDelimiter, types.SelectSpecificAttributes, func(output *dynamodb.QueryOutput) {
		for _, item := range output.Items {
			if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
				visit(sk.Value)
			}
		}
	})
}

// queryPages runs a paged Query over the SET partition for SKs beginning
// with prefix.
func (s *SetStore) queryPages(ctx context.Context, prefix string, selection types.Select, visit func(*dynamodb.QueryOutput)) error {
	keyCondition := expression.Key("PK").Equal(expression.Value(setPartition)).
		And(expression.Key("SK").BeginsWith(prefix))
	builder := expression.NewBuilder().WithKeyCondition(keyCondition)
	if selection == types.SelectSpecificAttributes {
		builder = builder.WithProjection(expression.NamesList(expression.Name("SK")))
	}
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build set query expression: %w", err)
	}

	var startKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			Select:                    selection,
			ExclusiveStartKey:         startKey,
		}
		if selection == types.SelectSpecificAttributes {
			input.ProjectionExpression = expr.Projection()
		}

		output, err := s.client.Query(ctx, input)
		if err != nil {
			return classify("set_query", err)
		}
		visit(output)

		if output.LastEvaluatedKey == nil {
			return nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func setItemAttributes(set, member string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: setPartition},
		"SK": &types.AttributeValueMemberS{Value: set + setDelimiter + member},
	}
}

func splitSetKey(sk string) (set, member string, ok bool) {
	i := strings.LastIndex(sk, setDelimiter)
	if i < 0 {
		return "", "", false
	}
	return sk[:i], sk[i+1:], true
}
