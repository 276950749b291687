package stores

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common/aws/config"
	"github.com/wastewhirl/go-pickup/common/aws/ddb"
	"github.com/wastewhirl/go-pickup/common/db"
	"github.com/wastewhirl/go-pickup/common/recordapi"
	"github.com/wastewhirl/go-pickup/models"
)

// NewRequestRepository returns the request store selected by REQUEST_STORE, DynamoDB by default. The unreconciled
// request gauge is only available from Postgres.
func NewRequestRepository(
	ctx context.Context,
	logger models.Logger,
	awsCfg aws.Config,
	pool *pgxpool.Pool,
	metricService models.MetricService,
) (models.RequestRepository, error) {
	switch requestStore := os.Getenv(pickup.Env_RequestStore); requestStore {
	case pickup.RequestStore_Postgres:
		requestDb := db.NewRequestDb(pool, logger)
		if err := metricService.Gauge(ctx, models.MetricName_UnreconciledRequests, db.NewDbMonitor(requestDb)); err != nil {
			return nil, fmt.Errorf("stores: error creating unreconciled gauge: %w", err)
		}
		return requestDb, nil
	case pickup.RequestStore_Api:
		recordApiUrl := os.Getenv(pickup.Env_RecordApiUrl)
		if len(recordApiUrl) == 0 {
			return nil, fmt.Errorf("stores: %s is required for the %s store", pickup.Env_RecordApiUrl, requestStore)
		}
		return recordapi.NewClient(recordApiUrl, logger), nil
	case pickup.RequestStore_Ddb, "":
		// Use override endpoint, if specified, so that requests can be stored locally while hitting regular AWS
		// endpoints for other operations
		dbAwsCfg, err := config.DbAwsConfig(ctx, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("stores: error creating db aws cfg: %w", err)
		}
		return ddb.NewRequestDb(ctx, logger, dynamodb.NewFromConfig(dbAwsCfg)), nil
	default:
		return nil, fmt.Errorf("stores: unknown request store %q", requestStore)
	}
}
