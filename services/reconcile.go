package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator"

	"github.com/wastewhirl/go-pickup/models"
)

type Reconciler interface {
	Reconcile(ctx context.Context, requestId string, txHash *string) (*models.Request, error)
}

type ReconciliationService struct {
	reconciler    Reconciler
	metricService models.MetricService
	logger        models.Logger
	validator     *validator.Validate
}

func NewReconciliationService(reconciler Reconciler, metricService models.MetricService, logger models.Logger) *ReconciliationService {
	return &ReconciliationService{reconciler, metricService, logger, validator.New()}
}

// Reconcile is the message handler for the Reconcile queue.
//
// Returning an error leaves the message on the queue so that it is redelivered after the visibility timeout, and
// dead-lettered once it has been received too many times. Messages that can never succeed are dropped instead.
func (r ReconciliationService) Reconcile(ctx context.Context, msgBody string) error {
	r.metricService.Count(ctx, models.MetricName_ReconcileIngressMessage, 1)
	reconcileMsg := new(models.ReconcileMessage)
	if err := json.Unmarshal([]byte(msgBody), reconcileMsg); err != nil {
		r.logger.Errorf("reconcile: error parsing message %s: %v", msgBody, err)
		return nil
	} else if err = r.validator.Struct(reconcileMsg); err != nil {
		r.logger.Errorf("reconcile: invalid message %s: %v", msgBody, err)
		return nil
	}
	request, err := r.reconciler.Reconcile(ctx, reconcileMsg.RequestId, reconcileMsg.TxHash)
	if err != nil {
		switch models.Classify(err) {
		case models.ErrorClass_Validation:
			r.logger.Warnf("reconcile: dropping message for request %s: %v", reconcileMsg.RequestId, err)
			return nil
		case models.ErrorClass_Timeout:
			r.logger.Infof("reconcile: request %s still awaiting confirmation: %v", reconcileMsg.RequestId, err)
		default:
			r.logger.Errorf("reconcile: error reconciling request %s: %v", reconcileMsg.RequestId, err)
		}
		return fmt.Errorf("reconcile: request %s: %w", reconcileMsg.RequestId, err)
	}
	r.logger.Debugw("reconcile: done",
		"request", request.Id,
		"status", request.Status,
		"linked", request.IsLinked(),
	)
	return nil
}
