package ddb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.RequestRepository = &RequestDatabase{}

type RequestDatabase struct {
	client       *dynamodb.Client
	requestTable string
	logger       models.Logger
}

func NewRequestDb(ctx context.Context, logger models.Logger, client *dynamodb.Client) *RequestDatabase {
	requestTable := "pickup-" + os.Getenv(pickup.Env_Env) + "-request"
	rdb := RequestDatabase{client, requestTable, logger}
	if err := rdb.createRequestTable(ctx); err != nil {
		logger.Fatalf("request: table creation failed: %v", err)
	}
	return &rdb
}

func (rdb *RequestDatabase) createRequestTable(ctx context.Context) error {
	createTableInput := dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: "S",
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       "HASH",
			},
		},
		TableName: aws.String(rdb.requestTable),
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(1),
			WriteCapacityUnits: aws.Int64(1),
		},
	}
	return createTable(ctx, rdb.logger, rdb.client, &createTableInput)
}

func (rdb *RequestDatabase) CreateRequest(ctx context.Context, request *models.Request) error {
	attributeValues, err := attributevalue.MarshalMap(request)
	if err != nil {
		return err
	}
	putItemIn := dynamodb.PutItemInput{
		TableName:                aws.String(rdb.requestTable),
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
		Item:                     attributeValues,
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	if _, err = rdb.client.PutItem(httpCtx, &putItemIn); err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("request %s already exists", request.Id)
		}
		rdb.logger.Errorf("createRequest: error writing to db: %v", err)
		return err
	}
	return nil
}

func (rdb *RequestDatabase) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	getItemIn := dynamodb.GetItemInput{
		Key:            map[string]types.AttributeValue{"id": str(id)},
		TableName:      aws.String(rdb.requestTable),
		ConsistentRead: aws.Bool(true),
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	getItemOut, err := rdb.client.GetItem(httpCtx, &getItemIn)
	if err != nil {
		return nil, err
	} else if getItemOut.Item == nil {
		return nil, nil
	}
	request := new(models.Request)
	if err = attributevalue.UnmarshalMap(getItemOut.Item, request); err != nil {
		return nil, err
	}
	return request, nil
}

func (rdb *RequestDatabase) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, allowedSourceStatuses []models.RequestStatus) (bool, error) {
	if len(allowedSourceStatuses) == 0 {
		return false, nil
	}
	attrValues := map[string]types.AttributeValue{
		":sts": str(string(status)),
		":uat": unixTs(time.Now()),
	}
	placeholders := make([]string, len(allowedSourceStatuses))
	for idx, srcStatus := range allowedSourceStatuses {
		placeholder := fmt.Sprintf(":src%d", idx)
		placeholders[idx] = placeholder
		attrValues[placeholder] = str(string(srcStatus))
	}
	updateItemIn := dynamodb.UpdateItemInput{
		Key:                       map[string]types.AttributeValue{"id": str(id)},
		TableName:                 aws.String(rdb.requestTable),
		ConditionExpression:       aws.String("attribute_exists(#id) AND #sts IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#id": "id", "#sts": "sts", "#uat": "uat"},
		ExpressionAttributeValues: attrValues,
		UpdateExpression:          aws.String("SET #sts = :sts, #uat = :uat"),
	}
	return rdb.conditionalUpdate(ctx, "updateStatus", &updateItemIn)
}

func (rdb *RequestDatabase) CompleteWithoutEscrow(ctx context.Context, id string) (bool, error) {
	updateItemIn := dynamodb.UpdateItemInput{
		Key:       map[string]types.AttributeValue{"id": str(id)},
		TableName: aws.String(rdb.requestTable),
		ConditionExpression: aws.String(
			"attribute_exists(#id) AND #sts = :acc AND attribute_not_exists(#ltx) AND attribute_not_exists(#adr)",
		),
		ExpressionAttributeNames: map[string]string{"#id": "id", "#sts": "sts", "#ltx": "ltx", "#adr": "adr", "#uat": "uat"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":acc": str(string(models.RequestStatus_Accepted)),
			":sts": str(string(models.RequestStatus_Completed)),
			":uat": unixTs(time.Now()),
		},
		UpdateExpression: aws.String("SET #sts = :sts, #uat = :uat"),
	}
	return rdb.conditionalUpdate(ctx, "completeWithoutEscrow", &updateItemIn)
}

func (rdb *RequestDatabase) LinkEscrow(ctx context.Context, id string, contractAddress string, amountWei string) (bool, error) {
	update := types.Update{
		Key:                      map[string]types.AttributeValue{"id": str(id)},
		TableName:                aws.String(rdb.requestTable),
		ConditionExpression:      aws.String("attribute_exists(#id) AND #sts = :acc AND attribute_not_exists(#adr)"),
		ExpressionAttributeNames: map[string]string{"#id": "id", "#sts": "sts", "#adr": "adr", "#amt": "amt", "#uat": "uat"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":acc": str(string(models.RequestStatus_Accepted)),
			":adr": str(contractAddress),
			":amt": str(amountWei),
			":uat": unixTs(time.Now()),
		},
		UpdateExpression: aws.String("SET #adr = :adr, #amt = :amt, #uat = :uat"),
	}
	return rdb.claimedUpdate(ctx, "linkEscrow", id, claimKey("adr", contractAddress), &update)
}

func (rdb *RequestDatabase) UpdateTx(ctx context.Context, id string, kind models.TxKind, txHash string, expected *string) (bool, error) {
	attrName, err := txAttributeName(kind)
	if err != nil {
		return false, err
	}
	attrNames := map[string]string{"#id": "id", "#tx": attrName, "#uat": "uat"}
	attrValues := map[string]types.AttributeValue{":uat": unixTs(time.Now())}
	condition := "attribute_exists(#id) AND attribute_not_exists(#tx)"
	if expected != nil {
		condition = "attribute_exists(#id) AND #tx = :exp"
		attrValues[":exp"] = str(*expected)
	}
	update := "SET #uat = :uat REMOVE #tx"
	if len(txHash) > 0 {
		update = "SET #uat = :uat, #tx = :tx"
		condition += " AND #sts = :acc"
		attrNames["#sts"] = "sts"
		attrValues[":tx"] = str(txHash)
		attrValues[":acc"] = str(string(models.RequestStatus_Accepted))
	}
	updateItem := types.Update{
		Key:                       map[string]types.AttributeValue{"id": str(id)},
		TableName:                 aws.String(rdb.requestTable),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: attrValues,
		UpdateExpression:          aws.String(update),
	}
	if (kind == models.TxKind_Link) && (len(txHash) > 0) {
		return rdb.claimedUpdate(ctx, "updateTx", id, claimKey(attrName, txHash), &updateItem)
	}
	return rdb.conditionalUpdate(ctx, "updateTx", &dynamodb.UpdateItemInput{
		Key:                       updateItem.Key,
		TableName:                 updateItem.TableName,
		ConditionExpression:       updateItem.ConditionExpression,
		ExpressionAttributeNames:  updateItem.ExpressionAttributeNames,
		ExpressionAttributeValues: updateItem.ExpressionAttributeValues,
		UpdateExpression:          updateItem.UpdateExpression,
	})
}

func (rdb *RequestDatabase) GetUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]*models.Request, error) {
	scanIn := dynamodb.ScanInput{
		TableName:      aws.String(rdb.requestTable),
		ConsistentRead: aws.Bool(true),
		FilterExpression: aws.String(
			"#uat < :uat AND ((attribute_exists(#ltx) AND attribute_not_exists(#adr)) OR (#sts = :acc AND attribute_exists(#adr)))",
		),
		ExpressionAttributeNames: map[string]string{"#uat": "uat", "#ltx": "ltx", "#adr": "adr", "#sts": "sts"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uat": unixTs(olderThan),
			":acc": str(string(models.RequestStatus_Accepted)),
		},
	}
	requests := make([]*models.Request, 0, limit)
	paginator := dynamodb.NewScanPaginator(rdb.client, &scanIn)
	for paginator.HasMorePages() && (len(requests) < limit) {
		httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
		scanOut, err := paginator.NextPage(httpCtx)
		httpCancel()
		if err != nil {
			return nil, err
		}
		page := make([]*models.Request, 0, len(scanOut.Items))
		if err = attributevalue.UnmarshalListOfMaps(scanOut.Items, &page); err != nil {
			return nil, err
		}
		requests = append(requests, page...)
	}
	if len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func (rdb *RequestDatabase) conditionalUpdate(ctx context.Context, op string, updateItemIn *dynamodb.UpdateItemInput) (bool, error) {
	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	if _, err := rdb.client.UpdateItem(httpCtx, updateItemIn); err != nil {
		if isConditionFailure(err) {
			// Not an error, just indicate that we couldn't update the entry
			return false, nil
		}
		rdb.logger.Errorf("%s: error writing to db: %v", op, err)
		return false, err
	}
	return true, nil
}

// claimedUpdate applies update together with a claim item that ties key to the request, so that no two requests can
// hold the same key. It returns an error wrapping ErrEscrowClaimed if another request holds the claim, and false without
// error if only the update's condition failed.
func (rdb *RequestDatabase) claimedUpdate(ctx context.Context, op string, id string, key string, update *types.Update) (bool, error) {
	claim := types.Put{
		TableName:                 aws.String(rdb.requestTable),
		Item:                      map[string]types.AttributeValue{"id": str(key), "req": str(id)},
		ConditionExpression:       aws.String("attribute_not_exists(#id) OR #req = :req"),
		ExpressionAttributeNames:  map[string]string{"#id": "id", "#req": "req"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":req": str(id)},
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	_, err := rdb.client.TransactWriteItems(httpCtx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{{Put: &claim}, {Update: update}},
	})
	if err != nil {
		if reasons := cancellationReasons(err); len(reasons) == 2 {
			if conditionFailed(reasons[0]) {
				return false, fmt.Errorf("%w: %s", models.ErrEscrowClaimed, key)
			} else if conditionFailed(reasons[1]) {
				return false, nil
			}
		}
		rdb.logger.Errorf("%s: error writing to db: %v", op, err)
		return false, err
	}
	return true, nil
}

// Claim items share the request table. They carry no status or timestamp, so request scans never match them.
func claimKey(attrName, value string) string {
	return "claim#" + attrName + "#" + strings.ToLower(value)
}

func txAttributeName(kind models.TxKind) (string, error) {
	switch kind {
	case models.TxKind_Link:
		return "ltx", nil
	case models.TxKind_Release:
		return "rtx", nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", kind)
}
