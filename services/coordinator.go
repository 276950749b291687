package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/models"
)

// Coordinator drives a pickup request through its lifecycle and keeps the stored request consistent with the escrow
// job on-chain. The chain is the source of truth for whether funds were escrowed and released; the stored request
// caches those facts.
//
// Every operation runs on the caller's goroutine and only suspends on the chain client's ticker waits, so a slow
// confirmation ties up neither a shared worker nor other requests. Operations that touch a request's chain linkage
// are serialized per request.
type Coordinator struct {
	requestDb           models.RequestRepository
	participantDb       models.ParticipantRepository
	chain               models.EscrowChain
	reconcilePublisher  models.QueuePublisher
	notif               models.Notifier
	auditStore          models.KeyValueRepository
	metricService       models.MetricService
	logger              models.Logger
	locks               *RequestLocks
	confirmationTimeout time.Duration
}

// NewCoordinator builds a coordinator. The reconcile publisher and audit store may be nil.
func NewCoordinator(
	requestDb models.RequestRepository,
	participantDb models.ParticipantRepository,
	chain models.EscrowChain,
	reconcilePublisher models.QueuePublisher,
	notif models.Notifier,
	auditStore models.KeyValueRepository,
	metricService models.MetricService,
	logger models.Logger,
) *Coordinator {
	confirmationTimeout := models.DefaultConfirmationTimeout
	if configTimeout, found := os.LookupEnv(pickup.Env_ConfirmationTimeout); found {
		if parsedTimeout, err := time.ParseDuration(configTimeout); err == nil {
			confirmationTimeout = parsedTimeout
		}
	}
	return &Coordinator{
		requestDb:           requestDb,
		participantDb:       participantDb,
		chain:               chain,
		reconcilePublisher:  reconcilePublisher,
		notif:               notif,
		auditStore:          auditStore,
		metricService:       metricService,
		logger:              logger,
		locks:               NewRequestLocks(),
		confirmationTimeout: confirmationTimeout,
	}
}

func (c *Coordinator) GetRequest(ctx context.Context, requestId string) (*models.Request, error) {
	return c.load(ctx, requestId)
}

func (c *Coordinator) CreateRequest(ctx context.Context, customerId, collectorId string) (*models.Request, error) {
	if (len(customerId) == 0) || (customerId == collectorId) {
		return nil, fmt.Errorf("%w: customer and collector must be distinct", models.ErrInvalidParticipant)
	}
	if err := c.checkRole(ctx, customerId, models.Role_Customer); err != nil {
		return nil, err
	}
	if err := c.checkRole(ctx, collectorId, models.Role_Collector); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	request := &models.Request{
		Id:          uuid.New().String(),
		CustomerId:  customerId,
		CollectorId: collectorId,
		Status:      models.RequestStatus_Pending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.requestDb.CreateRequest(ctx, request); err != nil {
		return nil, storeErr(err)
	}
	c.metricService.Count(ctx, models.MetricName_RequestCreated, 1)
	c.logger.Infow("coordinator: request created",
		"request", request.Id,
		"customer", customerId,
		"collector", collectorId,
	)
	return request, nil
}

func (c *Coordinator) checkRole(ctx context.Context, participantId string, role models.Role) error {
	participant, err := c.participantDb.GetParticipant(ctx, participantId)
	if err != nil {
		return storeErr(err)
	} else if participant == nil {
		return fmt.Errorf("%w: %s does not exist", models.ErrInvalidParticipant, participantId)
	} else if participant.Role != role {
		return fmt.Errorf("%w: %s is not a %s", models.ErrInvalidParticipant, participantId, role)
	}
	return nil
}

// RespondToRequest records the collector's decision. Repeating the decision that was already recorded succeeds
// without writing anything.
func (c *Coordinator) RespondToRequest(ctx context.Context, requestId, actorId string, decision models.RequestStatus) (*models.Request, error) {
	if (decision != models.RequestStatus_Accepted) && (decision != models.RequestStatus_Rejected) {
		return nil, models.ErrInvalidDecision
	}
	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	} else if actorId != request.CollectorId {
		return nil, models.ErrUnauthorized
	} else if request.Status == decision {
		return request, nil
	} else if !models.CanTransition(request.Status, decision) {
		return nil, &models.InvalidTransitionError{RequestId: requestId, From: request.Status, To: decision}
	}
	updated, err := c.requestDb.UpdateStatus(ctx, requestId, decision, []models.RequestStatus{models.RequestStatus_Pending})
	if err != nil {
		return nil, storeErr(err)
	}
	// Whether or not this call won, the stored status is now the answer
	if request, err = c.load(ctx, requestId); err != nil {
		return nil, err
	} else if request.Status != decision {
		return nil, &models.InvalidTransitionError{RequestId: requestId, From: request.Status, To: decision}
	}
	if updated {
		c.metricService.Count(ctx, models.MetricName_RequestResponded, 1)
		c.logger.Infof("coordinator: request %s %s", requestId, decision)
	}
	return request, nil
}

// LinkEscrow deploys the request's escrow job on-chain, funded with amount, and stores its address. An empty payee
// defaults to the collector's configured wallet.
//
// The create-job transaction is signed, its hash recorded and only then broadcast, so at most one is ever in flight per
// request. Once a hash has been recorded, later calls only retry reading the receipt and storing the address.
func (c *Coordinator) LinkEscrow(ctx context.Context, requestId, actorId, payee string, amount *big.Int) (*models.EscrowLinkResult, error) {
	unlock, err := c.locks.Lock(ctx, requestId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := c.linkEscrow(ctx, requestId, actorId, payee, amount)
	if err != nil {
		c.report(ctx, requestId, err)
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) linkEscrow(ctx context.Context, requestId, actorId, payee string, amount *big.Int) (*models.EscrowLinkResult, error) {
	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	} else if actorId != request.CustomerId {
		return nil, models.ErrUnauthorized
	} else if request.Status != models.RequestStatus_Accepted {
		return nil, &models.InvalidTransitionError{RequestId: requestId, From: request.Status, To: models.RequestStatus_Accepted}
	} else if request.IsLinked() {
		return nil, models.ErrAlreadyLinked
	} else if request.LinkInFlight() {
		c.logger.Infof("coordinator: request %s already has link tx %s, reconciling", requestId, *request.LinkTxHash)
		return c.confirmLink(ctx, request, *request.LinkTxHash, time.Time{})
	}

	// Everything that can fail validation is checked before spending gas
	collector, err := c.participantDb.GetParticipant(ctx, request.CollectorId)
	if err != nil {
		return nil, storeErr(err)
	} else if (collector == nil) || (collector.WalletAddress == nil) || !models.IsWalletAddress(*collector.WalletAddress) {
		return nil, models.ErrWalletNotConfigured
	}
	if len(payee) == 0 {
		payee = *collector.WalletAddress
	} else if !models.IsWalletAddress(payee) || !models.SameAddress(payee, *collector.WalletAddress) {
		return nil, models.ErrPayeeMismatch
	}
	if (amount == nil) || (amount.Sign() <= 0) {
		return nil, models.ErrInvalidAmount
	}

	signed, err := c.chain.SignCreateJob(ctx, payee, amount)
	if err != nil {
		c.metricService.Count(ctx, models.MetricName_EscrowLinkFailed, 1)
		return nil, err
	}
	// The hash is stored before anything is broadcast, so a retry after any later failure finds it
	if recorded, err := c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Link, signed.Hash, nil); (err != nil) || !recorded {
		c.chain.Discard(signed)
		if err != nil {
			return nil, storeErr(err)
		}
		return nil, c.linkConflict(ctx, requestId)
	}

	txHandle, err := c.chain.Broadcast(ctx, signed)
	if err != nil {
		c.metricService.Count(ctx, models.MetricName_EscrowLinkFailed, 1)
		if errors.Is(err, models.ErrTxRejected) {
			// Nothing went out, so the request can be linked again
			if _, clearErr := c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Link, "", &signed.Hash); clearErr != nil {
				c.logger.Errorf("coordinator: error clearing rejected link tx %s for request %s: %v", signed.Hash, requestId, clearErr)
			}
			return nil, err
		}
		// The node may have taken it
		return nil, &models.EscrowDeployedButUnlinkedError{RequestId: requestId, TxHash: signed.Hash, Err: err}
	}
	c.metricService.Count(ctx, models.MetricName_EscrowLinkSubmitted, 1)
	c.logger.Infow("coordinator: create job submitted",
		"request", requestId,
		"tx", txHandle.Hash,
		"payee", payee,
		"amount", models.FormatEther(amount),
	)
	return c.confirmLink(ctx, request, txHandle.Hash, txHandle.SubmittedAt)
}

// linkConflict explains a link transaction that could not be recorded because the request changed since it was loaded
func (c *Coordinator) linkConflict(ctx context.Context, requestId string) error {
	stored, err := c.load(ctx, requestId)
	if err != nil {
		return err
	} else if stored.Status != models.RequestStatus_Accepted {
		return &models.InvalidTransitionError{RequestId: requestId, From: stored.Status, To: models.RequestStatus_Accepted}
	}
	return models.ErrAlreadyLinked
}

// confirmLink waits for the create-job receipt and stores the deployed escrow address. It never submits a transaction.
func (c *Coordinator) confirmLink(ctx context.Context, request *models.Request, txHash string, submittedAt time.Time) (*models.EscrowLinkResult, error) {
	receipt, err := c.awaitReceipt(ctx, request.Id, txHash)
	if err != nil {
		return nil, c.dropIfUnknown(ctx, request.Id, txHash, err)
	}
	if receipt.Reverted {
		c.metricService.Count(ctx, models.MetricName_EscrowLinkFailed, 1)
		// No escrow exists, so clearing the hash makes the request linkable again
		if _, err = c.requestDb.UpdateTx(ctx, request.Id, models.TxKind_Link, "", &txHash); err != nil {
			c.logger.Errorf("coordinator: error clearing reverted link tx %s for request %s: %v", txHash, request.Id, err)
		}
		return nil, fmt.Errorf("%w: request %s, tx=%s", models.ErrTxReverted, request.Id, txHash)
	}
	event, err := c.verifyJob(ctx, request, receipt)
	if err != nil {
		return nil, &models.EscrowDeployedButUnlinkedError{RequestId: request.Id, TxHash: txHash, Err: err}
	}
	c.archiveReceipt(ctx, request.Id, models.TxKind_Link, receipt)

	amountWei := ""
	if event.Amount != nil {
		amountWei = event.Amount.String()
	}
	linked, err := c.requestDb.LinkEscrow(ctx, request.Id, event.ContractAddress, amountWei)
	if err != nil {
		return nil, &models.EscrowDeployedButUnlinkedError{RequestId: request.Id, TxHash: txHash, Err: storeErr(err)}
	}
	stored, err := c.load(ctx, request.Id)
	if err != nil {
		if linked {
			// The link is stored, only the read back failed
			return nil, err
		}
		return nil, &models.EscrowDeployedButUnlinkedError{RequestId: request.Id, TxHash: txHash, Err: err}
	}
	if !linked {
		if !stored.IsLinked() {
			return nil, &models.EscrowDeployedButUnlinkedError{
				RequestId: request.Id,
				TxHash:    txHash,
				Err:       errors.New("escrow address was not stored"),
			}
		} else if !models.SameAddress(*stored.EscrowContractAddress, event.ContractAddress) {
			return nil, &models.EscrowDeployedButUnlinkedError{
				RequestId: request.Id,
				TxHash:    txHash,
				Err:       fmt.Errorf("%w: stored %s, receipt has %s", models.ErrAlreadyLinked, *stored.EscrowContractAddress, event.ContractAddress),
			}
		}
	} else {
		c.metricService.Count(ctx, models.MetricName_EscrowLinked, 1)
		if !submittedAt.IsZero() {
			c.metricService.Distribution(ctx, models.MetricName_ConfirmationLatencyMs, int(time.Since(submittedAt).Milliseconds()))
		}
		c.logger.Infow("coordinator: escrow linked",
			"request", request.Id,
			"tx", txHash,
			"contract", event.ContractAddress,
			"block", receipt.BlockNumber,
		)
	}
	return &models.EscrowLinkResult{Request: stored, TxHash: txHash, ContractAddress: *stored.EscrowContractAddress}, nil
}

// ReconcileEscrowLink stores the escrow address produced by txHash. It is safe to repeat and never submits a
// transaction.
func (c *Coordinator) ReconcileEscrowLink(ctx context.Context, requestId, txHash string) (*models.Request, error) {
	unlock, err := c.locks.Lock(ctx, requestId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	}
	if (request.LinkTxHash != nil) && (*request.LinkTxHash != txHash) {
		return nil, fmt.Errorf("%w: recorded %s, got %s", models.ErrTxMismatch, *request.LinkTxHash, txHash)
	} else if request.IsLinked() {
		return request, nil
	}
	if request.LinkTxHash == nil {
		if err = c.adoptLinkTx(ctx, request, txHash); err != nil {
			return nil, err
		}
	}
	result, err := c.confirmLink(ctx, request, txHash, time.Time{})
	if err != nil {
		return nil, err
	}
	c.metricService.Count(ctx, models.MetricName_Reconciled, 1)
	return result.Request, nil
}

// adoptLinkTx records a link transaction that the request has no record of. Only a mined transaction that created an
// escrow for this request's collector, and that no other request holds, is accepted.
func (c *Coordinator) adoptLinkTx(ctx context.Context, request *models.Request, txHash string) error {
	if request.Status != models.RequestStatus_Accepted {
		return &models.InvalidTransitionError{RequestId: request.Id, From: request.Status, To: models.RequestStatus_Accepted}
	}
	receipt, err := c.awaitReceipt(ctx, request.Id, txHash)
	if err != nil {
		return err
	} else if receipt.Reverted {
		return fmt.Errorf("%w: tx=%s reverted", models.ErrTxMismatch, txHash)
	} else if _, err = c.verifyJob(ctx, request, receipt); err != nil {
		return err
	}
	if recorded, err := c.requestDb.UpdateTx(ctx, request.Id, models.TxKind_Link, txHash, nil); err != nil {
		return storeErr(err)
	} else if !recorded {
		return fmt.Errorf("%w: request %s changed while reconciling", models.ErrTxMismatch, request.Id)
	}
	c.logger.Infof("coordinator: adopted link tx %s for request %s", txHash, request.Id)
	return nil
}

// verifyJob returns the escrow created by the receipt, provided it pays the request's collector
func (c *Coordinator) verifyJob(ctx context.Context, request *models.Request, receipt *models.Receipt) (*models.JobCreatedEvent, error) {
	event, err := models.FindJobCreated(receipt)
	if err != nil {
		return nil, err
	}
	collector, err := c.participantDb.GetParticipant(ctx, request.CollectorId)
	if err != nil {
		return nil, storeErr(err)
	} else if (collector == nil) || (collector.WalletAddress == nil) {
		return nil, models.ErrWalletNotConfigured
	} else if !models.SameAddress(event.Payee, *collector.WalletAddress) {
		return nil, fmt.Errorf("%w: tx=%s pays %s, collector wallet is %s", models.ErrTxMismatch, receipt.TxHash, event.Payee, *collector.WalletAddress)
	}
	return event, nil
}

// dropIfUnknown clears a link transaction that timed out and that the node no longer knows, which makes the request
// linkable again. Any other error is returned unchanged.
func (c *Coordinator) dropIfUnknown(ctx context.Context, requestId, txHash string, err error) error {
	var timeoutErr *models.ConfirmationTimeoutError
	if !errors.As(err, &timeoutErr) || (ctx.Err() != nil) {
		return err
	}
	if known, knownErr := c.chain.TransactionKnown(ctx, txHash); (knownErr != nil) || known {
		return err
	}
	if cleared, clearErr := c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Link, "", &txHash); (clearErr != nil) || !cleared {
		return err
	}
	c.metricService.Count(ctx, models.MetricName_EscrowLinkFailed, 1)
	c.logger.Warnf("coordinator: link tx %s for request %s was dropped by the node, cleared it", txHash, requestId)
	return fmt.Errorf("%w: request %s, tx=%s", models.ErrTxDropped, requestId, txHash)
}

// ConfirmCompletion releases the escrowed funds to the collector and marks the request COMPLETED. Requests without an
// escrow complete without touching the chain.
func (c *Coordinator) ConfirmCompletion(ctx context.Context, requestId, actorId string) (*models.Request, error) {
	unlock, err := c.locks.Lock(ctx, requestId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	request, err := c.confirmCompletion(ctx, requestId, actorId)
	if err != nil {
		c.report(ctx, requestId, err)
		return nil, err
	}
	return request, nil
}

func (c *Coordinator) confirmCompletion(ctx context.Context, requestId, actorId string) (*models.Request, error) {
	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	} else if actorId != request.CustomerId {
		return nil, models.ErrUnauthorized
	} else if request.Status == models.RequestStatus_Completed {
		return request, nil
	} else if request.Status != models.RequestStatus_Accepted {
		return nil, &models.InvalidTransitionError{RequestId: requestId, From: request.Status, To: models.RequestStatus_Completed}
	}
	if !request.IsLinked() {
		if request.LinkInFlight() {
			return nil, &models.EscrowDeployedButUnlinkedError{RequestId: requestId, TxHash: *request.LinkTxHash, Err: models.ErrEscrowNotLinked}
		}
		return c.markCompleted(ctx, request, "")
	}

	// Chain truth first, in case a previous release confirmed but was never recorded
	if released, err := c.chain.QueryJobReleased(ctx, *request.EscrowContractAddress); err != nil {
		return nil, err
	} else if released {
		return c.markCompleted(ctx, request, optional(request.ReleaseTxHash))
	}

	var txHash string
	if request.ReleaseInFlight() {
		txHash = *request.ReleaseTxHash
		c.logger.Infof("coordinator: request %s already has release tx %s, awaiting it", requestId, txHash)
	} else {
		txHandle, err := c.chain.SubmitReleaseJob(ctx, *request.EscrowContractAddress)
		if err != nil {
			c.metricService.Count(ctx, models.MetricName_ReleaseFailed, 1)
			return nil, &models.ReleaseFailedError{RequestId: requestId, Err: err}
		}
		txHash = txHandle.Hash
		c.metricService.Count(ctx, models.MetricName_ReleaseSubmitted, 1)
		if _, err = c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Release, txHash, nil); err != nil {
			// Not fatal, the released flag on-chain is what reconciliation relies on
			c.logger.Warnf("coordinator: error recording release tx %s for request %s: %v", txHash, requestId, err)
		}
	}

	receipt, err := c.awaitReceipt(ctx, requestId, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Reverted {
		if _, err = c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Release, "", &txHash); err != nil {
			c.logger.Errorf("coordinator: error clearing reverted release tx %s for request %s: %v", txHash, requestId, err)
		}
		// A concurrent release would also make ours revert
		if released, err := c.chain.QueryJobReleased(ctx, *request.EscrowContractAddress); (err == nil) && released {
			return c.markCompleted(ctx, request, "")
		}
		c.metricService.Count(ctx, models.MetricName_ReleaseFailed, 1)
		return nil, &models.ReleaseFailedError{RequestId: requestId, TxHash: txHash, Err: models.ErrTxReverted}
	}
	c.archiveReceipt(ctx, requestId, models.TxKind_Release, receipt)
	return c.markCompleted(ctx, request, txHash)
}

// ReconcileCompletion marks the request COMPLETED if its escrow job has been released on-chain. It is safe to repeat.
func (c *Coordinator) ReconcileCompletion(ctx context.Context, requestId string) (*models.Request, error) {
	unlock, err := c.locks.Lock(ctx, requestId)
	if err != nil {
		return nil, err
	}
	defer unlock()

	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	} else if request.Status == models.RequestStatus_Completed {
		return request, nil
	} else if !request.IsLinked() {
		return nil, models.ErrEscrowNotLinked
	} else if request.Status != models.RequestStatus_Accepted {
		return request, nil
	}

	released, err := c.chain.QueryJobReleased(ctx, *request.EscrowContractAddress)
	if err != nil {
		return nil, err
	}
	if !released && request.ReleaseInFlight() {
		// Settle the recorded release transaction one way or the other
		txHash := *request.ReleaseTxHash
		receipt, err := c.awaitReceipt(ctx, requestId, txHash)
		if err != nil {
			return nil, err
		} else if receipt.Reverted {
			if _, err = c.requestDb.UpdateTx(ctx, requestId, models.TxKind_Release, "", &txHash); err != nil {
				return nil, storeErr(err)
			}
			return c.load(ctx, requestId)
		} else if released, err = c.chain.QueryJobReleased(ctx, *request.EscrowContractAddress); err != nil {
			return nil, err
		}
	}
	if !released {
		return request, nil
	}
	request, err = c.markCompleted(ctx, request, optional(request.ReleaseTxHash))
	if err != nil {
		return nil, err
	}
	c.metricService.Count(ctx, models.MetricName_Reconciled, 1)
	return request, nil
}

// Reconcile repairs whatever the stored request may be missing relative to the chain. txHash is only needed for a
// link transaction whose hash was never stored.
func (c *Coordinator) Reconcile(ctx context.Context, requestId string, txHash *string) (*models.Request, error) {
	request, err := c.load(ctx, requestId)
	if err != nil {
		return nil, err
	}
	switch {
	case request.LinkInFlight():
		return c.ReconcileEscrowLink(ctx, requestId, *request.LinkTxHash)
	case !request.IsLinked() && (txHash != nil):
		return c.ReconcileEscrowLink(ctx, requestId, *txHash)
	case request.IsLinked() && (request.Status == models.RequestStatus_Accepted):
		return c.ReconcileCompletion(ctx, requestId)
	}
	return request, nil
}

// markCompleted moves an ACCEPTED request to COMPLETED. For an escrowed request the release has already happened
// on-chain, so a failure here is a divergence.
func (c *Coordinator) markCompleted(ctx context.Context, request *models.Request, txHash string) (*models.Request, error) {
	var updated bool
	var err error
	if request.IsLinked() {
		updated, err = c.requestDb.UpdateStatus(ctx, request.Id, models.RequestStatus_Completed, []models.RequestStatus{models.RequestStatus_Accepted})
	} else {
		// Fails if a link transaction was recorded since the request was loaded
		updated, err = c.requestDb.CompleteWithoutEscrow(ctx, request.Id)
	}
	if err != nil {
		if request.IsLinked() {
			return nil, &models.ReleasedButStaleError{RequestId: request.Id, TxHash: txHash, Err: storeErr(err)}
		}
		return nil, storeErr(err)
	}
	stored, err := c.load(ctx, request.Id)
	if err != nil {
		if request.IsLinked() && !updated {
			return nil, &models.ReleasedButStaleError{RequestId: request.Id, TxHash: txHash, Err: err}
		}
		return nil, err
	} else if (stored.Status != models.RequestStatus_Completed) && stored.LinkInFlight() {
		return nil, &models.EscrowDeployedButUnlinkedError{RequestId: request.Id, TxHash: *stored.LinkTxHash, Err: models.ErrEscrowNotLinked}
	} else if stored.Status != models.RequestStatus_Completed {
		return nil, &models.InvalidTransitionError{RequestId: request.Id, From: stored.Status, To: models.RequestStatus_Completed}
	}
	if updated {
		c.metricService.Count(ctx, models.MetricName_RequestCompleted, 1)
		c.logger.Infow("coordinator: request completed",
			"request", request.Id,
			"escrow", optional(request.EscrowContractAddress),
			"tx", txHash,
		)
	}
	return stored, nil
}

// awaitReceipt waits up to the confirmation timeout. Running out of time, or the caller giving up, leaves the
// transaction in flight and is reported as a timeout rather than a failure.
func (c *Coordinator) awaitReceipt(ctx context.Context, requestId, txHash string) (*models.Receipt, error) {
	receipt, err := c.chain.AwaitReceipt(ctx, txHash, c.confirmationTimeout)
	if err != nil {
		if errors.Is(err, models.ErrReceiptPending) || (ctx.Err() != nil) {
			return nil, &models.ConfirmationTimeoutError{RequestId: requestId, TxHash: txHash}
		}
		return nil, fmt.Errorf("%w: awaiting tx=%s: %v", models.ErrChainUnavailable, txHash, err)
	}
	return receipt, nil
}

// report makes sure that a divergence or timeout is followed up by reconciliation and that divergences reach a human
func (c *Coordinator) report(ctx context.Context, requestId string, err error) {
	class := models.Classify(err)
	if (class != models.ErrorClass_Divergence) && (class != models.ErrorClass_Timeout) {
		return
	}
	// The caller may have given up, which must not stop the follow-up
	ctx = context.WithoutCancel(ctx)
	txHash := failedTxHash(err)
	if class == models.ErrorClass_Timeout {
		c.metricService.Count(ctx, models.MetricName_ConfirmationTimeout, 1)
		c.logger.Warnf("coordinator: %v", err)
	} else {
		c.metricService.Count(ctx, models.MetricName_Divergence, 1)
		c.logger.Errorf("coordinator: %v", err)
		if alertErr := c.notif.SendAlert(
			models.AlertTitle,
			models.AlertDesc_Divergence,
			fmt.Sprintf(models.AlertFmt_Divergence, requestId, txHash, err),
		); alertErr != nil {
			c.logger.Errorf("coordinator: error sending divergence alert for request %s: %v", requestId, alertErr)
		}
	}
	if c.reconcilePublisher != nil {
		reconcileMsg := models.ReconcileMessage{RequestId: requestId}
		if len(txHash) > 0 {
			reconcileMsg.TxHash = &txHash
		}
		if _, pubErr := c.reconcilePublisher.SendMessage(ctx, reconcileMsg); pubErr != nil {
			// The poller will still find the request from its stored state
			c.logger.Errorf("coordinator: error publishing reconcile message for request %s: %v", requestId, pubErr)
		}
	}
}

func (c *Coordinator) archiveReceipt(ctx context.Context, requestId string, kind models.TxKind, receipt *models.Receipt) {
	if c.auditStore == nil {
		return
	}
	if err := c.auditStore.Store(ctx, models.ReceiptArchiveKey(requestId, kind, receipt.TxHash), receipt); err != nil {
		c.logger.Warnf("coordinator: error archiving %s receipt %s for request %s: %v", kind, receipt.TxHash, requestId, err)
	}
}

func (c *Coordinator) load(ctx context.Context, requestId string) (*models.Request, error) {
	request, err := c.requestDb.GetRequest(ctx, requestId)
	if err != nil {
		return nil, storeErr(err)
	} else if request == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, requestId)
	}
	return request, nil
}

func storeErr(err error) error {
	if errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrEscrowClaimed) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}

func failedTxHash(err error) string {
	var unlinkedErr *models.EscrowDeployedButUnlinkedError
	var staleErr *models.ReleasedButStaleError
	var timeoutErr *models.ConfirmationTimeoutError
	switch {
	case errors.As(err, &unlinkedErr):
		return unlinkedErr.TxHash
	case errors.As(err, &staleErr):
		return staleErr.TxHash
	case errors.As(err, &timeoutErr):
		return timeoutErr.TxHash
	}
	return ""
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
