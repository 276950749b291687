package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

const receiptContentType = "application/json; charset=utf-8"

var _ models.KeyValueRepository = &ReceiptArchive{}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReceiptArchive keeps the decoded receipt behind every stored escrow link and completion, so that a request's chain
// linkage can be audited after the fact. Keys come from models.ReceiptArchiveKey.
type ReceiptArchive struct {
	client objectPutter
	logger models.Logger
	bucket string
}

func NewReceiptArchive(logger models.Logger, s3Client *s3.Client) *ReceiptArchive {
	return newReceiptArchive(logger, s3Client)
}

func newReceiptArchive(logger models.Logger, client objectPutter) *ReceiptArchive {
	bucket := "pickup-" + os.Getenv(pickup.Env_Env) + "-receipts"
	if configBucket, found := os.LookupEnv(pickup.Env_AuditBucket); found && (len(configBucket) > 0) {
		bucket = configBucket
	}
	return &ReceiptArchive{client, logger, bucket}
}

// Store writes the receipt as indented JSON. Archiving the same receipt twice overwrites it with identical content.
func (a *ReceiptArchive) Store(ctx context.Context, key string, receipt interface{}) error {
	receiptJson, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: error encoding receipt %s: %w", key, err)
	}
	putCtx, putCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer putCancel()

	if _, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(receiptJson),
		ContentType:          aws.String(receiptContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"archived-at": time.Now().UTC().Format(time.RFC3339)},
	}); err != nil {
		return fmt.Errorf("storage: error archiving receipt %s to %s: %w", key, a.bucket, err)
	}
	a.logger.Debugf("storage: archived receipt %s", key)
	return nil
}
