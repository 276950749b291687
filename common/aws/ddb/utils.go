package ddb

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

const tableCreationRetries = 3
const tableCreationWait = 3 * time.Second

func createTable(ctx context.Context, logger models.Logger, client *dynamodb.Client, createTableIn *dynamodb.CreateTableInput) error {
	if exists, err := tableExists(ctx, logger, client, *createTableIn.TableName); !exists {
		httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
		defer httpCancel()

		if _, err = client.CreateTable(httpCtx, createTableIn); err != nil {
			return err
		}
		for i := 0; i < tableCreationRetries; i++ {
			if exists, err = tableExists(ctx, logger, client, *createTableIn.TableName); exists {
				return nil
			}
			time.Sleep(tableCreationWait)
		}
		return err
	}
	return nil
}

func tableExists(ctx context.Context, logger models.Logger, client *dynamodb.Client, table string) (bool, error) {
	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	if output, err := client.DescribeTable(httpCtx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
		logger.Infof("table does not exist: %v", table)
		return false, err
	} else {
		return output.Table.TableStatus == types.TableStatusActive, nil
	}
}

// isConditionFailure reports whether a write was rejected because its condition expression did not hold
func isConditionFailure(err error) bool {
	var condUpdErr *types.ConditionalCheckFailedException
	return errors.As(err, &condUpdErr)
}

func cancellationReasons(err error) []types.CancellationReason {
	var canceledErr *types.TransactionCanceledException
	if errors.As(err, &canceledErr) {
		return canceledErr.CancellationReasons
	}
	return nil
}

func conditionFailed(reason types.CancellationReason) bool {
	return (reason.Code != nil) && (*reason.Code == "ConditionalCheckFailed")
}

func unixTs(ts time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(ts.Unix(), 10)}
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}
