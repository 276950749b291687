package services

import (
	"context"
	"os"
	"time"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/models"
)

// ReconciliationPoller finds requests whose stored state may lag behind the chain and queues them for reconciliation.
// It covers everything that was never queued in the first place, e.g. when the process died between broadcasting a
// transaction and publishing a reconcile message.
type ReconciliationPoller struct {
	requestDb          models.RequestRepository
	reconcilePublisher models.QueuePublisher
	metricService      models.MetricService
	logger             models.Logger
	tick               time.Duration
	grace              time.Duration
	// Requests published recently, so that a slow consumer does not get the same request every tick
	published map[string]time.Time
}

func NewReconciliationPoller(requestDb models.RequestRepository, reconcilePublisher models.QueuePublisher, metricService models.MetricService, logger models.Logger) *ReconciliationPoller {
	tick := models.DefaultReconcileTick
	if configTick, found := os.LookupEnv(pickup.Env_ReconcileTick); found {
		if parsedTick, err := time.ParseDuration(configTick); err == nil {
			tick = parsedTick
		}
	}
	grace := models.DefaultReconcileGrace
	if configGrace, found := os.LookupEnv(pickup.Env_ReconcileGrace); found {
		if parsedGrace, err := time.ParseDuration(configGrace); err == nil {
			grace = parsedGrace
		}
	}
	return &ReconciliationPoller{
		requestDb:          requestDb,
		reconcilePublisher: reconcilePublisher,
		metricService:      metricService,
		logger:             logger,
		tick:               tick,
		grace:              grace,
		published:          make(map[string]time.Time),
	}
}

func (p ReconciliationPoller) Run(ctx context.Context) {
	p.logger.Infof("reconcilepoll: start, tick=%s, grace=%s", p.tick, p.grace)
	for {
		p.poll(ctx)
		// Sleep even if we had errors so that we don't get stuck in a tight loop
		select {
		case <-ctx.Done():
			p.logger.Infof("reconcilepoll: stopped")
			return
		case <-time.After(p.tick):
		}
	}
}

func (p ReconciliationPoller) poll(ctx context.Context) {
	now := time.Now()
	requests, err := p.requestDb.GetUnreconciled(ctx, now.Add(-p.grace), models.DbLoadLimit)
	if err != nil {
		p.logger.Errorf("reconcilepoll: error loading requests: %v", err)
		return
	}
	seen := make(map[string]bool, len(requests))
	numPublished := 0
	for _, request := range requests {
		seen[request.Id] = true
		if lastPublished, found := p.published[request.Id]; found && now.Sub(lastPublished) < p.grace {
			continue
		}
		if _, err = p.reconcilePublisher.SendMessage(ctx, models.ReconcileMessage{RequestId: request.Id}); err != nil {
			p.logger.Errorf("reconcilepoll: error publishing request %s: %v", request.Id, err)
			// Try the rest next tick
			break
		}
		p.published[request.Id] = now
		numPublished++
	}
	// Forget requests that no longer need reconciliation
	for requestId := range p.published {
		if !seen[requestId] {
			delete(p.published, requestId)
		}
	}
	if numPublished > 0 {
		p.metricService.Count(ctx, models.MetricName_ReconcilePolled, numPublished)
		p.logger.Infof("reconcilepoll: queued %d of %d unreconciled requests", numPublished, len(requests))
	}
}
