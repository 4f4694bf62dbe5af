package dynamo

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/alisharafiiii/kol-discord-sub004/internal/storage"
)

// classify maps DynamoDB failures onto the storage error taxonomy so the
// retry and breaker layers can tell throttling from real faults.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var throughput *types.ProvisionedThroughputExceededException
	var requestLimit *types.RequestLimitExceeded
	var internal *types.InternalServerError
	if errors.As(err, &throughput) || errors.As(err, &requestLimit) || errors.As(err, &internal) {
		return storage.NewTransient(op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "TransactionConflictException":
			return storage.NewTransient(op, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransient(op, err)
	}

	return err
}
