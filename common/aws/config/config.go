package config

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
)

func AwsConfigWithOverride(ctx context.Context, customEndpoint string) (aws.Config, error) {
	endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			PartitionID:   "aws",
			URL:           customEndpoint,
			SigningRegion: os.Getenv(pickup.Env_AwsRegion),
		}, nil
	})

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	return config.LoadDefaultConfig(
		httpCtx,
		config.WithRegion(os.Getenv(pickup.Env_AwsRegion)),
		config.WithEndpointResolverWithOptions(endpointResolver),
	)
}

func AwsConfig(ctx context.Context) (aws.Config, error) {
	awsEndpoint := os.Getenv(pickup.Env_AwsEndpoint)
	if len(awsEndpoint) > 0 {
		log.Printf("config: using custom global aws endpoint: %s", awsEndpoint)
		return AwsConfigWithOverride(ctx, awsEndpoint)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer httpCancel()

	return config.LoadDefaultConfig(httpCtx, config.WithRegion(os.Getenv(pickup.Env_AwsRegion)))
}

// DbAwsConfig returns the configuration used for DynamoDB, which may point at a separate (e.g. local) endpoint.
func DbAwsConfig(ctx context.Context, awsCfg aws.Config) (aws.Config, error) {
	if dbAwsEndpoint, found := os.LookupEnv(pickup.Env_DbAwsEndpoint); found && (len(dbAwsEndpoint) > 0) {
		log.Printf("config: using custom dynamodb aws endpoint: %s", dbAwsEndpoint)
		return AwsConfigWithOverride(ctx, dbAwsEndpoint)
	}
	return awsCfg, nil
}
