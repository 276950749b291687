package queue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/abevier/go-sqs/gosqs"

	"github.com/wastewhirl/go-pickup/models"
)

var _ models.Queue = &queue{}
var _ models.QueuePublisher = &queue{}

// Reconciliation is bounded by chain RPC throughput, not by SQS
const defaultNumConsumerWorkers = 16

type RedriveOpts struct {
	DlqArn          string
	MaxReceiveCount int
}

type Opts struct {
	QueueType         models.QueueType
	VisibilityTimeout *time.Duration
	RedriveOpts       *RedriveOpts
	NumWorkers        *int
}

type queue struct {
	queueType models.QueueType
	publisher *gosqs.SQSPublisher
	consumer  *gosqs.SQSConsumer
	monitor   models.QueueMonitor
	logger    models.Logger
}

// NewQueue creates the queue if needed and returns it along with its ARN, which other queues can use as a redrive
// target.
func NewQueue(
	ctx context.Context,
	metricService models.MetricService,
	logger models.Logger,
	sqsClient *sqs.Client,
	opts Opts,
	callback gosqs.MessageCallbackFunc,
) (models.Queue, string, error) {
	if url, arn, name, err := CreateQueue(ctx, sqsClient, opts); err != nil {
		return nil, "", err
	} else {
		monitor := NewMonitor(url, sqsClient)
		if err = metricService.QueueGauge(ctx, name, monitor); err != nil {
			logger.Fatalf("error creating gauge for %s queue: %v", name, err)
		}
		publisher := gosqs.NewPublisher(
			sqsClient,
			url,
			models.QueueMaxLinger,
		)
		var maxWorkers float64 = defaultNumConsumerWorkers
		if opts.NumWorkers != nil {
			maxWorkers = math.Max(1, float64(*opts.NumWorkers))
		}
		maxReceivedMessages := math.Ceil(maxWorkers * 1.2)
		maxInflightRequests := math.Ceil(maxReceivedMessages / 10)
		qOpts := gosqs.Opts{
			MaxReceivedMessages:               int(maxReceivedMessages),
			MaxWorkers:                        int(maxWorkers),
			MaxInflightReceiveMessageRequests: int(maxInflightRequests),
		}
		return &queue{
			opts.QueueType,
			publisher,
			gosqs.NewConsumer(qOpts, publisher, callback),
			monitor,
			logger,
		}, arn, nil
	}
}

func (q queue) SendMessage(ctx context.Context, event any) (string, error) {
	if eventBody, err := json.Marshal(event); err != nil {
		return "", err
	} else if msgId, err := q.publisher.SendMessage(ctx, string(eventBody)); err != nil {
		return "", err
	} else {
		return msgId, nil
	}
}

func (q queue) Start() {
	q.consumer.Start()
	q.logger.Infof("%s: started", q.queueType)
}

func (q queue) Shutdown() {
	q.consumer.Shutdown()
	q.logger.Infof("%s: stopped", q.queueType)
}

func (q queue) WaitForRxShutdown() {
	q.consumer.WaitForRxShutdown()
	q.logger.Infof("%s: rx stopped", q.queueType)
}

func (q queue) Monitor() models.QueueMonitor {
	return q.monitor
}

func (q queue) Publisher() models.QueuePublisher {
	return q
}
