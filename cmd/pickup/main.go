package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common/aws/config"
	"github.com/wastewhirl/go-pickup/common/aws/queue"
	"github.com/wastewhirl/go-pickup/common/aws/storage"
	"github.com/wastewhirl/go-pickup/common/db"
	"github.com/wastewhirl/go-pickup/common/eth"
	"github.com/wastewhirl/go-pickup/common/loggers"
	"github.com/wastewhirl/go-pickup/common/metrics"
	"github.com/wastewhirl/go-pickup/common/notifs"
	"github.com/wastewhirl/go-pickup/common/stores"
	"github.com/wastewhirl/go-pickup/models"
	"github.com/wastewhirl/go-pickup/server"
	"github.com/wastewhirl/go-pickup/services"
)

func main() {
	envFile := "env/.env"
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Error loading %s: %v", envFile, err)
	}

	serverCtx, serverCtxCancel := context.WithCancel(context.Background())

	logger := loggers.NewLogger()
	defer logger.Sync()

	var metricService models.MetricService
	var metricsHandler http.Handler
	if os.Getenv(pickup.Env_MetricsBackend) == pickup.MetricsBackend_Prometheus {
		promMetricService := metrics.NewPrometheusMetricService(logger)
		metricService, metricsHandler = promMetricService, promMetricService.Handler()
	} else {
		otelMetricService, err := metrics.NewOtelMetricService(serverCtx, logger)
		if err != nil {
			logger.Fatalf("failed to create metric service: %v", err)
		}
		metricService = otelMetricService
	}

	awsCfg, err := config.AwsConfig(serverCtx)
	if err != nil {
		logger.Fatalf("error creating aws cfg: %v", err)
	}

	// Participants and reviews always live in the application database
	pool, err := db.NewPool(serverCtx, db.DbOptsFromEnv().Dsn())
	if err != nil {
		logger.Fatalf("error connecting to database: %v", err)
	}
	defer pool.Close()
	participantDb := db.NewParticipantDb(pool)
	reviewDb := db.NewReviewDb(pool, logger)

	requestDb, err := stores.NewRequestRepository(serverCtx, logger, awsCfg, pool, metricService)
	if err != nil {
		logger.Fatalf("error creating request store: %v", err)
	}

	chain, err := eth.NewClient(serverCtx, logger, eth.ClientConfigFromEnv())
	if err != nil {
		logger.Fatalf("error creating chain client: %v", err)
	}

	discordHandler, err := notifs.NewDiscordHandler(logger)
	if err != nil {
		logger.Fatalf("error creating discord handler: %v", err)
	}

	auditStore := storage.NewReceiptArchive(logger, s3.NewFromConfig(awsCfg))

	// Flow:
	// ====
	// 1. API: customers and collectors drive requests through the coordinator. Any divergence between the chain and
	//    the stored request, or any unconfirmed transaction, is posted to the Reconcile queue.
	// 2. Reconciliation poller: finds requests whose stored state may lag behind the chain and posts them to the
	//    Reconcile queue, in case the API never got the chance to.
	// 3. Reconciliation service: repairs stored requests from chain truth. Messages that keep failing end up in the
	//    DLQ, which raises a Discord alert.
	sqsClient := sqs.NewFromConfig(awsCfg)

	failureHandlingService := services.NewFailureHandlingService(discordHandler, metricService, logger)
	dlqQueue, dlqArn, err := queue.NewQueue(
		serverCtx,
		metricService,
		logger,
		sqsClient,
		queue.Opts{QueueType: models.QueueType_DLQ},
		failureHandlingService.DLQ,
	)
	if err != nil {
		logger.Fatalf("error creating dead-letter queue: %v", err)
	}
	redriveOpts := &queue.RedriveOpts{
		DlqArn:          dlqArn,
		MaxReceiveCount: models.QueueMaxReceiveCount,
	}
	// The consumer is not started until the coordinator exists
	var reconciliationService *services.ReconciliationService
	reconcileQueue, _, err := queue.NewQueue(
		serverCtx,
		metricService,
		logger,
		sqsClient,
		queue.Opts{QueueType: models.QueueType_Reconcile, RedriveOpts: redriveOpts},
		func(ctx context.Context, msgBody string) error {
			return reconciliationService.Reconcile(ctx, msgBody)
		},
	)
	if err != nil {
		logger.Fatalf("error creating reconcile queue: %v", err)
	}

	coordinator := services.NewCoordinator(
		requestDb,
		participantDb,
		chain,
		reconcileQueue.Publisher(),
		discordHandler,
		auditStore,
		metricService,
		logger,
	)
	reconciliationService = services.NewReconciliationService(coordinator, metricService, logger)
	reviewService := services.NewReviewService(requestDb, reviewDb, metricService, logger)

	httpPort := models.DefaultHttpPort
	if configPort, found := os.LookupEnv(pickup.Env_HttpPort); found {
		if parsedPort, err := strconv.Atoi(configPort); err == nil {
			httpPort = parsedPort
		}
	}
	apiServer := server.NewServer(coordinator, reviewService, metricsHandler, pool.Ping, logger, httpPort)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		interruptCh := make(chan os.Signal, 1)
		signal.Notify(interruptCh, syscall.SIGINT, syscall.SIGTERM)
		<-interruptCh
		logger.Infoln("shutting down...")

		// Stop accepting new work first, then let in-flight work drain
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("error shutting down server: %v", err)
		}
		serverCtxCancel()

		reconcileQueue.Shutdown()
		dlqQueue.Shutdown()

		metricService.Shutdown(shutdownCtx)
	}()

	dlqQueue.Start()
	reconcileQueue.Start()

	go services.NewReconciliationPoller(requestDb, reconcileQueue.Publisher(), metricService, logger).Run(serverCtx)

	if err = apiServer.Start(); err != nil {
		logger.Fatalf("server error: %v", err)
	}
	wg.Wait()
}
