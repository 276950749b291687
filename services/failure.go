package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wastewhirl/go-pickup/models"
)

type FailureHandlingService struct {
	notif         models.Notifier
	metricService models.MetricService
	logger        models.Logger
}

func NewFailureHandlingService(notif models.Notifier, metricService models.MetricService, logger models.Logger) *FailureHandlingService {
	return &FailureHandlingService{notif, metricService, logger}
}

// DLQ handles reconcile messages that were redelivered too many times. Whatever they were trying to repair now needs
// a human.
func (f FailureHandlingService) DLQ(ctx context.Context, msgBody string) error {
	f.metricService.Count(ctx, models.MetricName_FailureDlqMessage, 1)
	msgType := "Unknown"
	reconcileMsg := new(models.ReconcileMessage)
	if err := json.Unmarshal([]byte(msgBody), reconcileMsg); (err == nil) && (len(reconcileMsg.RequestId) > 0) {
		msgType = "Reconcile request " + reconcileMsg.RequestId
		f.logger.Debugw("dlq: dequeued",
			"request", reconcileMsg.RequestId,
			"tx", optional(reconcileMsg.TxHash),
		)
	}
	return f.notif.SendAlert(
		models.AlertTitle,
		models.AlertDesc_DeadLetterQueue,
		fmt.Sprintf(models.AlertFmt_DeadLetterQueue, msgType, msgBody),
	)
}
