package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wastewhirl/go-pickup/common/aws/config"
	"github.com/wastewhirl/go-pickup/common/aws/storage"
	"github.com/wastewhirl/go-pickup/common/db"
	"github.com/wastewhirl/go-pickup/common/eth"
	"github.com/wastewhirl/go-pickup/common/loggers"
	"github.com/wastewhirl/go-pickup/common/metrics"
	"github.com/wastewhirl/go-pickup/common/notifs"
	"github.com/wastewhirl/go-pickup/common/stores"
	"github.com/wastewhirl/go-pickup/models"
	"github.com/wastewhirl/go-pickup/services"
)

// Operator tool that repairs a single request from chain truth. It never submits a transaction.
func main() {
	var args struct {
		Request string        `arg:"-r,--request,required" help:"request id"`
		Tx      string        `arg:"-t,--tx" help:"create-job transaction hash, if it was never stored"`
		Timeout time.Duration `arg:"--timeout" default:"5m" help:"overall deadline"`
	}
	arg.MustParse(&args)

	if err := godotenv.Load("env/.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("reconcile: error loading env file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), args.Timeout)
	defer cancel()

	logger := loggers.NewLogger()
	defer logger.Sync()

	// Metrics go to stdout unless an OTLP endpoint is configured
	metricService, err := metrics.NewOtelMetricService(ctx, logger)
	if err != nil {
		log.Fatalf("reconcile: error creating metric service: %v", err)
	}
	defer metricService.Shutdown(context.Background())

	awsCfg, err := config.AwsConfig(ctx)
	if err != nil {
		log.Fatalf("reconcile: error creating aws cfg: %v", err)
	}
	pool, err := db.NewPool(ctx, db.DbOptsFromEnv().Dsn())
	if err != nil {
		log.Fatalf("reconcile: error connecting to database: %v", err)
	}
	defer pool.Close()
	requestDb, err := stores.NewRequestRepository(ctx, logger, awsCfg, pool, metricService)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	chain, err := eth.NewClient(ctx, logger, eth.ClientConfigFromEnv())
	if err != nil {
		log.Fatalf("reconcile: error creating chain client: %v", err)
	}
	discordHandler, err := notifs.NewDiscordHandler(logger)
	if err != nil {
		log.Fatalf("reconcile: error creating discord handler: %v", err)
	}

	coordinator := services.NewCoordinator(
		requestDb,
		db.NewParticipantDb(pool),
		chain,
		nil,
		discordHandler,
		storage.NewReceiptArchive(logger, s3.NewFromConfig(awsCfg)),
		metricService,
		logger,
	)

	var request *models.Request
	if len(args.Tx) > 0 {
		request, err = coordinator.ReconcileEscrowLink(ctx, args.Request, args.Tx)
	} else {
		request, err = coordinator.Reconcile(ctx, args.Request, nil)
	}
	if err != nil {
		log.Fatalf("reconcile: request %s (%s): %v", args.Request, models.Classify(err), err)
	}
	out, _ := json.MarshalIndent(request, "", "  ")
	fmt.Println(string(out))
}
