package models

import (
	"context"
	"math/big"
	"time"
)

type RequestRepository interface {
	CreateRequest(ctx context.Context, request *Request) error
	// GetRequest returns nil if the request does not exist
	GetRequest(ctx context.Context, id string) (*Request, error)
	// UpdateStatus returns false without error if the stored status was not one of the allowed source statuses
	UpdateStatus(ctx context.Context, id string, status RequestStatus, allowedSourceStatuses []RequestStatus) (bool, error)
	// CompleteWithoutEscrow moves an ACCEPTED request to COMPLETED only if it has neither an escrow address nor a link
	// transaction
	CompleteWithoutEscrow(ctx context.Context, id string) (bool, error)
	// LinkEscrow sets the escrow address of an ACCEPTED request only if none was set before. It returns an error
	// wrapping ErrEscrowClaimed if another request holds the address.
	LinkEscrow(ctx context.Context, id string, contractAddress string, amountWei string) (bool, error)
	// UpdateTx swaps the recorded transaction hash of the given kind if it still equals expected (nil for unset). An
	// empty txHash clears the field. Setting a hash requires the request to be ACCEPTED, and a link transaction
	// recorded for another request fails with ErrEscrowClaimed.
	UpdateTx(ctx context.Context, id string, kind TxKind, txHash string, expected *string) (bool, error)
	GetUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]*Request, error)
}

type ParticipantRepository interface {
	// GetParticipant returns nil if the participant does not exist
	GetParticipant(ctx context.Context, id string) (*Participant, error)
}

type ReviewRepository interface {
	// CreateReview returns false without error if the request was already reviewed
	CreateReview(ctx context.Context, review *Review) (bool, error)
}

type EscrowChain interface {
	// SignCreateJob signs a create-job transaction without broadcasting it
	SignCreateJob(ctx context.Context, payee string, amount *big.Int) (*SignedTx, error)
	// Broadcast sends a signed transaction. An error wrapping ErrTxRejected means the node refused it, any other error
	// leaves it unknown whether the transaction went out.
	Broadcast(ctx context.Context, tx *SignedTx) (*TxHandle, error)
	// Discard gives up a signed transaction that will never be broadcast
	Discard(tx *SignedTx)
	// TransactionKnown reports whether the node has the transaction, pending or mined
	TransactionKnown(ctx context.Context, txHash string) (bool, error)
	SubmitReleaseJob(ctx context.Context, contractAddress string) (*TxHandle, error)
	// AwaitReceipt returns an error wrapping ErrReceiptPending if the transaction was not mined before the timeout
	// elapsed or the context ended. The transaction itself is unaffected.
	AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	QueryJobReleased(ctx context.Context, contractAddress string) (bool, error)
}

type QueuePublisher interface {
	SendMessage(ctx context.Context, event any) (string, error)
}

type QueueMonitor interface {
	GetUtilization(ctx context.Context) (int, int, error)
}

type Queue interface {
	Start()
	Shutdown()
	WaitForRxShutdown()
	Monitor() QueueMonitor
	Publisher() QueuePublisher
}

type ResourceMonitor interface {
	GetValue(ctx context.Context) (int, error)
}

type KeyValueRepository interface {
	Store(ctx context.Context, key string, value interface{}) error
}

type Notifier interface {
	SendAlert(title, desc, content string) error
}

type MetricService interface {
	Count(ctx context.Context, name MetricName, val int) error
	Gauge(ctx context.Context, name MetricName, monitor ResourceMonitor) error
	Distribution(ctx context.Context, name MetricName, val int) error
	QueueGauge(ctx context.Context, queueName string, monitor QueueMonitor) error
	Shutdown(ctx context.Context)
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Debugw(msg string, args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, args ...interface{})
	Fatalf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, args ...interface{})
	Infoln(args ...interface{})
	Warnf(template string, args ...interface{})
	Sync() error
}
