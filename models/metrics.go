package models

type MetricName string

const (
	MetricName_RequestCreated          MetricName = "request_created"
	MetricName_RequestResponded        MetricName = "request_responded"
	MetricName_EscrowLinkSubmitted     MetricName = "escrow_link_submitted"
	MetricName_EscrowLinked            MetricName = "escrow_linked"
	MetricName_EscrowLinkFailed        MetricName = "escrow_link_failed"
	MetricName_ReleaseSubmitted        MetricName = "release_submitted"
	MetricName_ReleaseFailed           MetricName = "release_failed"
	MetricName_RequestCompleted        MetricName = "request_completed"
	MetricName_ConfirmationTimeout     MetricName = "confirmation_timeout"
	MetricName_ConfirmationLatencyMs   MetricName = "confirmation_latency_ms"
	MetricName_Divergence              MetricName = "divergence"
	MetricName_Reconciled              MetricName = "reconciled"
	MetricName_ReconcileIngressMessage MetricName = "reconcile_ingress_message"
	MetricName_ReconcilePolled         MetricName = "reconcile_polled"
	MetricName_UnreconciledRequests    MetricName = "unreconciled_requests"
	MetricName_FailureDlqMessage       MetricName = "failure_dlq_message"
	MetricName_ReviewCreated           MetricName = "review_created"
)

const MetricsCallerName = "go-pickup"
