package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     int    `json:"maxReceiveCount"`
}

func CreateQueue(ctx context.Context, sqsClient *sqs.Client, opts Opts) (string, string, string, error) {
	visibilityTimeout := models.QueueDefaultVisibilityTimeout
	if opts.VisibilityTimeout != nil {
		visibilityTimeout = *opts.VisibilityTimeout
	}
	name := QueueName(opts.QueueType)
	createQueueIn := sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(visibilityTimeout.Seconds())),
		},
	}
	// Configure redrive policy, if specified.
	if (opts.RedriveOpts != nil) && (len(opts.RedriveOpts.DlqArn) > 0) && (opts.RedriveOpts.MaxReceiveCount > 0) {
		marshaledRedrivePolicy, _ := json.Marshal(redrivePolicy{
			DeadLetterTargetArn: opts.RedriveOpts.DlqArn,
			MaxReceiveCount:     opts.RedriveOpts.MaxReceiveCount,
		})
		createQueueIn.Attributes[string(types.QueueAttributeNameRedrivePolicy)] = string(marshaledRedrivePolicy)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	if createQueueOut, err := sqsClient.CreateQueue(httpCtx, &createQueueIn); err != nil {
		return "", "", "", err
	} else if arn, err := getQueueArn(ctx, *createQueueOut.QueueUrl, sqsClient); err != nil {
		return "", "", "", err
	} else {
		return *createQueueOut.QueueUrl, arn, name, nil
	}
}

func GetQueueUtilization(ctx context.Context, queueUrl string, sqsClient *sqs.Client) (int, int, error) {
	queueAttr, err := getQueueAttributes(ctx, queueUrl, sqsClient)
	if err != nil {
		return 0, 0, err
	}
	numMsgsUnprocessed, err := intAttribute(queueAttr, types.QueueAttributeNameApproximateNumberOfMessages)
	if err != nil {
		return 0, 0, err
	}
	numMsgsInFlight, err := intAttribute(queueAttr, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)
	if err != nil {
		return 0, 0, err
	}
	return numMsgsUnprocessed, numMsgsInFlight, nil
}

func intAttribute(queueAttr map[string]string, name types.QueueAttributeName) (int, error) {
	if valueStr, found := queueAttr[string(name)]; found {
		return strconv.Atoi(valueStr)
	}
	return 0, nil
}

func getQueueArn(ctx context.Context, queueUrl string, sqsClient *sqs.Client) (string, error) {
	if queueAttr, err := getQueueAttributes(ctx, queueUrl, sqsClient); err != nil {
		return "", err
	} else {
		return queueAttr[string(types.QueueAttributeNameQueueArn)], nil
	}
}

func getQueueAttributes(ctx context.Context, queueUrl string, sqsClient *sqs.Client) (map[string]string, error) {
	getQueueAttrIn := sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueUrl),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	if getQueueAttrOut, err := sqsClient.GetQueueAttributes(httpCtx, &getQueueAttrIn); err != nil {
		return nil, err
	} else {
		return getQueueAttrOut.Attributes, nil
	}
}

func QueueName(queueType models.QueueType) string {
	return fmt.Sprintf("pickup-%s-%s", os.Getenv(pickup.Env_Env), string(queueType))
}
