// Package dynamo implements the storage ports on DynamoDB with a single-table
// layout. Partition keys segment the three record families:
//
//	DOC          SK=<document key>            JSON document records
//	SET          SK=<set name>|<member>       set membership records
//	LOCK#<key>   SK=LOCK                      advisory lock records
//
// The set delimiter is safe because set names and members are derived from
// normalized keys that never contain '|'.
package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

const (
	docPartition = "DOC"
	setPartition = "SET"

	setDelimiter = "|"

	// batchWriteLimit is the DynamoDB BatchWriteItem cap.
	batchWriteLimit = 25
	// batchGetLimit is the DynamoDB BatchGetItem cap.
	batchGetLimit = 100
)

// Options configures the DynamoDB backend.
type Options struct {
	TableName string
	Region    string
	// Endpoint overrides the service endpoint, for local DynamoDB.
	Endpoint string
}

// NewClient builds a DynamoDB client from the default AWS config chain.
func NewClient(ctx context.Context, options Options) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(options.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
	}), nil
}

// NewStores builds the full storage bundle over one table.
func NewStores(client *dynamodb.Client, tableName string, logger *zap.Logger) storage.Stores {
	return storage.Stores{
		Documents: NewDocumentStore(client, tableName, logger),
		Sets:      NewSetStore(client, tableName, logger),
		Locks:     NewLockStore(client, tableName, logger),
	}
}
