package models

import "time"

type QueueType string

const (
	QueueType_Reconcile QueueType = "reconcile"
	QueueType_DLQ       QueueType = "dlq"
)

const QueueMaxLinger = 250 * time.Millisecond
const QueueDefaultVisibilityTimeout = 5 * time.Minute
const QueueMaxReceiveCount = 5
