package services

import (
	"context"
	"strings"
	"testing"

	"github.com/wastewhirl/go-pickup/common/loggers"
	"github.com/wastewhirl/go-pickup/models"
)

func TestDLQ(t *testing.T) {
	tests := map[string]struct {
		msgBody      string
		expectedType string
	}{
		"Alerts on a dead-lettered reconcile message": {
			msgBody:      `{"rid":"r1"}`,
			expectedType: "Reconcile request r1",
		},
		"Alerts on an unknown message": {
			msgBody:      `garbage`,
			expectedType: "Unknown",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			notif := &FakeNotifier{}
			metricService := NewFakeMetricService()
			failureService := NewFailureHandlingService(notif, metricService, loggers.NewTestLogger())
			if err := failureService.DLQ(context.Background(), test.msgBody); err != nil {
				t.Fatalf("dlq: %v", err)
			}
			if notif.numAlerts() != 1 {
				t.Fatalf("expected one alert, got %d", notif.numAlerts())
			}
			if !strings.Contains(notif.alerts[0], test.expectedType) || !strings.Contains(notif.alerts[0], test.msgBody) {
				t.Errorf("unexpected alert %q", notif.alerts[0])
			}
			if metricService.count(models.MetricName_FailureDlqMessage) != 1 {
				t.Errorf("expected dlq metric")
			}
		})
	}
}
