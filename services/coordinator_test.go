package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/wastewhirl/go-pickup/models"
)

type statusTrail struct {
	t    *testing.T
	last map[string]models.RequestStatus
}

// observe fails the test if a request's status ever moves backwards or skips along an edge the lifecycle forbids
func (s *statusTrail) observe(request *models.Request) {
	if prev, found := s.last[request.Id]; found && (prev != request.Status) && !models.CanTransition(prev, request.Status) {
		s.t.Errorf("request %s regressed from %s to %s", request.Id, prev, request.Status)
	}
	s.last[request.Id] = request.Status
}

func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	trail := &statusTrail{t: t, last: make(map[string]models.RequestStatus)}

	r1, err := h.coordinator.CreateRequest(ctx, testCustomer, testCollector)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r1.Status != models.RequestStatus_Pending || r1.IsLinked() {
		t.Fatalf("expected unlinked PENDING request, got %+v", r1)
	}
	trail.observe(r1)

	for i := 0; i < 2; i++ {
		request, err := h.coordinator.RespondToRequest(ctx, r1.Id, testCollector, models.RequestStatus_Accepted)
		if err != nil {
			t.Fatalf("accept #%d: %v", i+1, err)
		}
		if request.Status != models.RequestStatus_Accepted {
			t.Errorf("accept #%d: expected ACCEPTED, got %s", i+1, request.Status)
		}
		trail.observe(request)
	}

	amount, _ := models.ParseEther("0.01")
	linkResult, err := h.coordinator.LinkEscrow(ctx, r1.Id, testCustomer, testWallet, amount)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linkResult.Request.IsLinked() || (*linkResult.Request.AmountWei != "10000000000000000") {
		t.Errorf("expected linked request with 0.01 ETH, got %+v", linkResult.Request)
	}
	trail.observe(linkResult.Request)
	if _, err = h.coordinator.LinkEscrow(ctx, r1.Id, testCustomer, testWallet, amount); !errors.Is(err, models.ErrAlreadyLinked) {
		t.Errorf("expected ErrAlreadyLinked, got %v", err)
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected a single create-job transaction, got %d", h.chain.createJobs)
	}

	completed, err := h.coordinator.ConfirmCompletion(ctx, r1.Id, testCustomer)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.RequestStatus_Completed {
		t.Errorf("expected COMPLETED, got %s", completed.Status)
	}
	trail.observe(completed)
	if !h.chain.released[linkResult.ContractAddress] {
		t.Errorf("expected escrow %s to be released", linkResult.ContractAddress)
	}
	if len(h.audit.store) != 2 {
		t.Errorf("expected link and release receipts to be archived, got %d", len(h.audit.store))
	}

	r2, err := h.coordinator.CreateRequest(ctx, testCustomer, testCollector)
	if err != nil {
		t.Fatalf("create r2: %v", err)
	}
	trail.observe(r2)
	rejected, err := h.coordinator.RespondToRequest(ctx, r2.Id, testCollector, models.RequestStatus_Rejected)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	trail.observe(rejected)
	var transitionErr *models.InvalidTransitionError
	if _, err = h.coordinator.LinkEscrow(ctx, r2.Id, testCustomer, testWallet, amount); !errors.As(err, &transitionErr) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
	if h.chain.createJobs != 1 {
		t.Errorf("rejected request must not reach the chain, got %d create-job transactions", h.chain.createJobs)
	}
	if h.notif.numAlerts() != 0 {
		t.Errorf("unexpected alerts: %v", h.notif.alerts)
	}
}

func TestCreateRequest(t *testing.T) {
	tests := map[string]struct {
		customer    string
		collector   string
		failStore   bool
		expectedErr error
	}{
		"Creates a pending request": {
			customer:  testCustomer,
			collector: testCollector,
		},
		"Rejects identical participants": {
			customer:    testCustomer,
			collector:   testCustomer,
			expectedErr: models.ErrInvalidParticipant,
		},
		"Rejects a collector without the collector role": {
			customer:    testCustomer,
			collector:   testOutsider,
			expectedErr: models.ErrInvalidParticipant,
		},
		"Rejects a customer without the customer role": {
			customer:    testCollector,
			collector:   testCollector + "_other",
			expectedErr: models.ErrInvalidParticipant,
		},
		"Rejects unknown participants": {
			customer:    "nobody",
			collector:   testCollector,
			expectedErr: models.ErrInvalidParticipant,
		},
		"Reports an unavailable store": {
			customer:    testCustomer,
			collector:   testCollector,
			failStore:   true,
			expectedErr: models.ErrStoreUnavailable,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness()
			h.participantDb.fail = test.failStore
			request, err := h.coordinator.CreateRequest(context.Background(), test.customer, test.collector)
			if test.expectedErr != nil {
				if !errors.Is(err, test.expectedErr) {
					t.Errorf("expected %v, got %v", test.expectedErr, err)
				}
				if len(h.requestDb.requests) != 0 {
					t.Errorf("nothing should have been stored")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			stored := h.requestDb.stored(request.Id)
			if (stored == nil) || (stored.Status != models.RequestStatus_Pending) {
				t.Errorf("expected stored PENDING request, got %+v", stored)
			}
			if h.metrics.count(models.MetricName_RequestCreated) != 1 {
				t.Errorf("expected request created metric")
			}
		})
	}
}

func TestRespondToRequest(t *testing.T) {
	tests := map[string]struct {
		initial        models.RequestStatus
		actor          string
		decisions      []models.RequestStatus
		expectedStatus models.RequestStatus
		expectedWrites int
		expectedErr    error
		transitionErr  bool
	}{
		"Accepting twice writes once": {
			initial:        models.RequestStatus_Pending,
			actor:          testCollector,
			decisions:      []models.RequestStatus{models.RequestStatus_Accepted, models.RequestStatus_Accepted},
			expectedStatus: models.RequestStatus_Accepted,
			expectedWrites: 1,
		},
		"Rejecting twice writes once": {
			initial:        models.RequestStatus_Pending,
			actor:          testCollector,
			decisions:      []models.RequestStatus{models.RequestStatus_Rejected, models.RequestStatus_Rejected},
			expectedStatus: models.RequestStatus_Rejected,
			expectedWrites: 1,
		},
		"Cannot reject after accepting": {
			initial:        models.RequestStatus_Pending,
			actor:          testCollector,
			decisions:      []models.RequestStatus{models.RequestStatus_Accepted, models.RequestStatus_Rejected},
			expectedStatus: models.RequestStatus_Accepted,
			expectedWrites: 1,
			transitionErr:  true,
		},
		"Cannot respond to a completed request": {
			initial:        models.RequestStatus_Completed,
			actor:          testCollector,
			decisions:      []models.RequestStatus{models.RequestStatus_Accepted},
			expectedStatus: models.RequestStatus_Completed,
			transitionErr:  true,
		},
		"Only the collector may respond": {
			initial:        models.RequestStatus_Pending,
			actor:          testCustomer,
			decisions:      []models.RequestStatus{models.RequestStatus_Accepted},
			expectedStatus: models.RequestStatus_Pending,
			expectedErr:    models.ErrUnauthorized,
		},
		"Decision must be accept or reject": {
			initial:        models.RequestStatus_Pending,
			actor:          testCollector,
			decisions:      []models.RequestStatus{models.RequestStatus_Completed},
			expectedStatus: models.RequestStatus_Pending,
			expectedErr:    models.ErrInvalidDecision,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness()
			request := h.acceptedRequest("r1")
			request.Status = test.initial
			h.requestDb.put(request)

			var err error
			for _, decision := range test.decisions {
				_, err = h.coordinator.RespondToRequest(context.Background(), "r1", test.actor, decision)
			}
			var transitionErr *models.InvalidTransitionError
			switch {
			case test.transitionErr:
				if !errors.As(err, &transitionErr) {
					t.Errorf("expected InvalidTransitionError, got %v", err)
				}
			case test.expectedErr != nil:
				if !errors.Is(err, test.expectedErr) {
					t.Errorf("expected %v, got %v", test.expectedErr, err)
				}
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			}
			if status := h.requestDb.stored("r1").Status; status != test.expectedStatus {
				t.Errorf("expected %s, got %s", test.expectedStatus, status)
			}
			if h.requestDb.statusWrites != test.expectedWrites {
				t.Errorf("expected %d status writes, got %d", test.expectedWrites, h.requestDb.statusWrites)
			}
		})
	}
}

func TestRespondToRequestUnknown(t *testing.T) {
	h := newTestHarness()
	if _, err := h.coordinator.RespondToRequest(context.Background(), "missing", testCollector, models.RequestStatus_Accepted); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinkEscrowValidation(t *testing.T) {
	tests := map[string]struct {
		status      models.RequestStatus
		actor       string
		payee       string
		amount      *big.Int
		noWallet    bool
		expectedErr error
	}{
		"Only the customer may fund": {
			status:      models.RequestStatus_Accepted,
			actor:       testCollector,
			amount:      big.NewInt(1),
			expectedErr: models.ErrUnauthorized,
		},
		"Collector wallet must be configured": {
			status:      models.RequestStatus_Accepted,
			actor:       testCustomer,
			amount:      big.NewInt(1),
			noWallet:    true,
			expectedErr: models.ErrWalletNotConfigured,
		},
		"Payee must be the collector wallet": {
			status:      models.RequestStatus_Accepted,
			actor:       testCustomer,
			payee:       "0x00000000000000000000000000000000000000bb",
			amount:      big.NewInt(1),
			expectedErr: models.ErrPayeeMismatch,
		},
		"Payee must be an address": {
			status:      models.RequestStatus_Accepted,
			actor:       testCustomer,
			payee:       "not-a-wallet",
			amount:      big.NewInt(1),
			expectedErr: models.ErrPayeeMismatch,
		},
		"Amount must be positive": {
			status:      models.RequestStatus_Accepted,
			actor:       testCustomer,
			amount:      big.NewInt(0),
			expectedErr: models.ErrInvalidAmount,
		},
		"Amount is required": {
			status:      models.RequestStatus_Accepted,
			actor:       testCustomer,
			expectedErr: models.ErrInvalidAmount,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness()
			if test.noWallet {
				h.participantDb.participants[testCollector].WalletAddress = nil
			}
			request := h.acceptedRequest("r1")
			request.Status = test.status
			h.requestDb.put(request)

			_, err := h.coordinator.LinkEscrow(context.Background(), "r1", test.actor, test.payee, test.amount)
			if !errors.Is(err, test.expectedErr) {
				t.Errorf("expected %v, got %v", test.expectedErr, err)
			}
			if h.chain.createJobs != 0 {
				t.Errorf("no transaction should be submitted, got %d", h.chain.createJobs)
			}
			if h.notif.numAlerts() != 0 {
				t.Errorf("validation failures must not alert")
			}
		})
	}
}

func TestLinkEscrowRequiresAcceptance(t *testing.T) {
	for _, status := range []models.RequestStatus{models.RequestStatus_Pending, models.RequestStatus_Rejected, models.RequestStatus_Completed} {
		t.Run(string(status), func(t *testing.T) {
			h := newTestHarness()
			request := h.acceptedRequest("r1")
			request.Status = status
			h.requestDb.put(request)
			var transitionErr *models.InvalidTransitionError
			if _, err := h.coordinator.LinkEscrow(context.Background(), "r1", testCustomer, "", big.NewInt(1)); !errors.As(err, &transitionErr) {
				t.Errorf("expected InvalidTransitionError, got %v", err)
			}
			if h.chain.createJobs != 0 {
				t.Errorf("no transaction should be submitted")
			}
		})
	}
}

func TestLinkEscrowChainRejection(t *testing.T) {
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.chain.broadcastErr = models.ErrTxRejected

	_, err := h.coordinator.LinkEscrow(context.Background(), "r1", testCustomer, "", big.NewInt(1))
	if models.Classify(err) != models.ErrorClass_Transient {
		t.Errorf("expected transient error, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); stored.LinkTxHash != nil {
		t.Errorf("a rejected broadcast should clear the recorded tx, got %s", *stored.LinkTxHash)
	}
	if h.chain.createJobs != 0 {
		t.Errorf("nothing should reach the chain, got %d create-job transactions", h.chain.createJobs)
	}
}

func TestLinkEscrowDoesNotResubmitAfterPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.requestDb.failLinkEscrow = 1

	_, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	var unlinkedErr *models.EscrowDeployedButUnlinkedError
	if !errors.As(err, &unlinkedErr) {
		t.Fatalf("expected EscrowDeployedButUnlinkedError, got %v", err)
	}
	if len(unlinkedErr.TxHash) == 0 {
		t.Errorf("divergence must carry the transaction hash")
	}
	if h.notif.numAlerts() != 1 {
		t.Errorf("expected one divergence alert, got %d", h.notif.numAlerts())
	}
	reconcileMsg := waitForMesssages(h.publisher.messages, 1)[0].(models.ReconcileMessage)
	if (reconcileMsg.RequestId != "r1") || (reconcileMsg.TxHash == nil) || (*reconcileMsg.TxHash != unlinkedErr.TxHash) {
		t.Errorf("unexpected reconcile message %+v", reconcileMsg)
	}

	// A retry by the customer only finishes persistence
	result, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.TxHash != unlinkedErr.TxHash {
		t.Errorf("expected retry to use tx %s, got %s", unlinkedErr.TxHash, result.TxHash)
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected one create-job transaction, got %d", h.chain.createJobs)
	}
}

func TestLinkEscrowRecordsTxBeforeBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.requestDb.failUpdateTx = 1

	_, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if h.chain.createJobs != 0 {
		t.Errorf("an unrecorded tx must not be broadcast, got %d create-job transactions", h.chain.createJobs)
	}
	if h.chain.discarded != 1 {
		t.Errorf("expected the signed tx to be discarded, got %d", h.chain.discarded)
	}
	if stored := h.requestDb.stored("r1"); (stored.LinkTxHash != nil) || stored.IsLinked() {
		t.Fatalf("expected nothing recorded, got %+v", stored)
	}
	if h.notif.numAlerts() != 0 {
		t.Errorf("a store failure before broadcast is not a divergence")
	}

	result, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !result.Request.IsLinked() || (*result.Request.LinkTxHash != result.TxHash) {
		t.Errorf("expected request linked through %s, got %+v", result.TxHash, result.Request)
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected one create-job transaction, got %d", h.chain.createJobs)
	}
}

func TestReconcileEscrowLinkAdoptsUnrecordedTx(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	txHash := h.chain.deployFor(testWallet)

	for i := 0; i < 2; i++ {
		request, err := h.coordinator.Reconcile(ctx, "r1", &txHash)
		if err != nil {
			t.Fatalf("reconcile #%d: %v", i+1, err)
		}
		if !request.IsLinked() || (*request.LinkTxHash != txHash) {
			t.Errorf("reconcile #%d: expected linked request, got %+v", i+1, request)
		}
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected one create-job transaction, got %d", h.chain.createJobs)
	}
	if h.requestDb.linkWrites != 1 {
		t.Errorf("expected one link write, got %d", h.requestDb.linkWrites)
	}
}

func TestReconcileEscrowLinkRefusesForeignTx(t *testing.T) {
	tests := map[string]struct {
		status       models.RequestStatus
		foreignPayee bool
		transition   bool
		expectedErr  error
	}{
		"Rejected request":           {status: models.RequestStatus_Rejected, transition: true},
		"Pending request":            {status: models.RequestStatus_Pending, transition: true},
		"Tx held by another request": {status: models.RequestStatus_Accepted, expectedErr: models.ErrEscrowClaimed},
		"Escrow pays someone else":   {status: models.RequestStatus_Accepted, foreignPayee: true, expectedErr: models.ErrTxMismatch},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newTestHarness()
			owner := h.linkedRequest("r1")
			txHash := *owner.LinkTxHash
			if test.foreignPayee {
				txHash = h.chain.deployFor("0x00000000000000000000000000000000000000bb")
			}
			request := h.acceptedRequest("r2")
			request.Status = test.status
			h.requestDb.put(request)

			_, err := h.coordinator.Reconcile(ctx, "r2", &txHash)
			var transitionErr *models.InvalidTransitionError
			if test.transition && !errors.As(err, &transitionErr) {
				t.Errorf("expected InvalidTransitionError, got %v", err)
			} else if !test.transition && !errors.Is(err, test.expectedErr) {
				t.Errorf("expected %v, got %v", test.expectedErr, err)
			}
			if stored := h.requestDb.stored("r2"); (stored.LinkTxHash != nil) || stored.IsLinked() || (stored.Status != test.status) {
				t.Errorf("request must be left untouched, got %+v", stored)
			}
			if stored := h.requestDb.stored("r1"); !stored.IsLinked() || !models.SameAddress(*stored.EscrowContractAddress, *owner.EscrowContractAddress) {
				t.Errorf("owning request lost its escrow, got %+v", stored)
			}
		})
	}
}

func TestLinkEscrowDroppedTxCanBeRetried(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.chain.broadcastErr = models.ErrChainUnavailable

	_, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	var unlinkedErr *models.EscrowDeployedButUnlinkedError
	if !errors.As(err, &unlinkedErr) {
		t.Fatalf("expected EscrowDeployedButUnlinkedError for an ambiguous broadcast, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); (stored.LinkTxHash == nil) || (*stored.LinkTxHash != unlinkedErr.TxHash) {
		t.Fatalf("expected tx %s recorded, got %+v", unlinkedErr.TxHash, stored)
	}
	waitForMesssages(h.publisher.messages, 1)

	h.chain.broadcastErr = nil
	if _, err = h.coordinator.Reconcile(ctx, "r1", nil); !errors.Is(err, models.ErrTxDropped) {
		t.Fatalf("expected ErrTxDropped, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); stored.LinkTxHash != nil {
		t.Fatalf("dropped tx should be cleared, got %s", *stored.LinkTxHash)
	}

	result, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.TxHash == unlinkedErr.TxHash {
		t.Errorf("expected a new transaction")
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected one create-job transaction, got %d", h.chain.createJobs)
	}
}

func TestLinkEscrowLosesToCompletionWithoutEscrow(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	// Another replica completes the request between validation and recording the tx
	h.chain.onSign = func(*models.SignedTx) {
		if completed, err := h.requestDb.CompleteWithoutEscrow(ctx, "r1"); (err != nil) || !completed {
			t.Errorf("expected concurrent completion, got %v, %v", completed, err)
		}
	}

	_, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1e16))
	var transitionErr *models.InvalidTransitionError
	if !errors.As(err, &transitionErr) || (transitionErr.From != models.RequestStatus_Completed) {
		t.Fatalf("expected InvalidTransitionError from COMPLETED, got %v", err)
	}
	if (h.chain.createJobs != 0) || (h.chain.discarded != 1) {
		t.Errorf("expected the signed tx discarded unsent, got %d sent, %d discarded", h.chain.createJobs, h.chain.discarded)
	}
	if stored := h.requestDb.stored("r1"); (stored.Status != models.RequestStatus_Completed) || (stored.LinkTxHash != nil) || stored.IsLinked() {
		t.Errorf("expected a completed request without escrow, got %+v", stored)
	}
}

func TestCompletionWithoutEscrowLosesToLink(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	txHash := "0x" + "33" + "00000000000000000000000000000000000000000000000000000000000000"
	// Another replica records a link tx after this one loaded the request
	h.requestDb.beforeComplete = func() {
		if recorded, err := h.requestDb.UpdateTx(ctx, "r1", models.TxKind_Link, txHash, nil); (err != nil) || !recorded {
			t.Errorf("expected concurrent link tx, got %v, %v", recorded, err)
		}
	}

	_, err := h.coordinator.ConfirmCompletion(ctx, "r1", testCustomer)
	var unlinkedErr *models.EscrowDeployedButUnlinkedError
	if !errors.As(err, &unlinkedErr) || (unlinkedErr.TxHash != txHash) {
		t.Fatalf("expected EscrowDeployedButUnlinkedError for %s, got %v", txHash, err)
	}
	if stored := h.requestDb.stored("r1"); stored.Status != models.RequestStatus_Accepted {
		t.Errorf("request holding a link tx must not complete, got %s", stored.Status)
	}
}

func TestReconcileEscrowLinkRejectsOtherTx(t *testing.T) {
	h := newTestHarness()
	request := h.acceptedRequest("r1")
	recorded := "0x" + "11" + "00000000000000000000000000000000000000000000000000000000000000"
	request.LinkTxHash = &recorded
	h.requestDb.put(request)

	other := "0x" + "22" + "00000000000000000000000000000000000000000000000000000000000000"
	if _, err := h.coordinator.ReconcileEscrowLink(context.Background(), "r1", other); !errors.Is(err, models.ErrTxMismatch) {
		t.Errorf("expected ErrTxMismatch, got %v", err)
	}
}

func TestLinkEscrowRevertedCanBeRetried(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.chain.revertNext = true

	if _, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1)); !errors.Is(err, models.ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); stored.LinkTxHash != nil {
		t.Errorf("reverted link tx should be cleared")
	}
	if _, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.chain.createJobs != 2 {
		t.Errorf("expected a second create-job transaction, got %d", h.chain.createJobs)
	}
}

func TestLinkEscrowMissingEvent(t *testing.T) {
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.chain.omitEvent = true

	_, err := h.coordinator.LinkEscrow(context.Background(), "r1", testCustomer, "", big.NewInt(1))
	if !errors.Is(err, models.ErrEventNotFound) || (models.Classify(err) != models.ErrorClass_Divergence) {
		t.Errorf("expected divergence wrapping ErrEventNotFound, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); stored.IsLinked() || (stored.LinkTxHash == nil) {
		t.Errorf("expected recorded tx without link, got %+v", stored)
	}
}

func TestLinkEscrowConfirmationTimeout(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.chain.setPending(true)

	_, err := h.coordinator.LinkEscrow(ctx, "r1", testCustomer, "", big.NewInt(1))
	var timeoutErr *models.ConfirmationTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ConfirmationTimeoutError, got %v", err)
	}
	waitForMesssages(h.publisher.messages, 1)
	if h.notif.numAlerts() != 0 {
		t.Errorf("timeouts must not alert")
	}

	h.chain.setPending(false)
	request, err := h.coordinator.Reconcile(ctx, "r1", nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !request.IsLinked() || (*request.LinkTxHash != timeoutErr.TxHash) {
		t.Errorf("expected request linked through %s, got %+v", timeoutErr.TxHash, request)
	}
	if h.chain.createJobs != 1 {
		t.Errorf("expected one create-job transaction, got %d", h.chain.createJobs)
	}
}

func TestLinkEscrowConcurrentCallsDeployOnce(t *testing.T) {
	h := newTestHarness()
	h.acceptedRequest("r1")

	wg := sync.WaitGroup{}
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coordinator.LinkEscrow(context.Background(), "r1", testCustomer, "", big.NewInt(1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, models.ErrAlreadyLinked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if (successes != 1) || (h.chain.createJobs != 1) || (h.requestDb.linkWrites != 1) {
		t.Errorf("expected a single deployment, got %d successes, %d transactions, %d writes", successes, h.chain.createJobs, h.requestDb.linkWrites)
	}
}

func TestConfirmCompletion(t *testing.T) {
	tests := map[string]struct {
		setup            func(h *testHarness)
		actor            string
		expectedStatus   models.RequestStatus
		expectedReleases int
		expectedErr      error
		transitionErr    bool
		divergence       bool
	}{
		"Completes a request without escrow without touching the chain": {
			setup:          func(h *testHarness) { h.acceptedRequest("r1") },
			actor:          testCustomer,
			expectedStatus: models.RequestStatus_Completed,
		},
		"Releases escrow before completing": {
			setup:            func(h *testHarness) { h.linkedRequest("r1") },
			actor:            testCustomer,
			expectedStatus:   models.RequestStatus_Completed,
			expectedReleases: 1,
		},
		"Does not release twice if already released on-chain": {
			setup: func(h *testHarness) {
				request := h.linkedRequest("r1")
				h.chain.released[*request.EscrowContractAddress] = true
			},
			actor:          testCustomer,
			expectedStatus: models.RequestStatus_Completed,
		},
		"Completed requests are left alone": {
			setup: func(h *testHarness) {
				request := h.acceptedRequest("r1")
				request.Status = models.RequestStatus_Completed
				h.requestDb.put(request)
			},
			actor:          testCustomer,
			expectedStatus: models.RequestStatus_Completed,
		},
		"Only the customer may confirm": {
			setup:          func(h *testHarness) { h.linkedRequest("r1") },
			actor:          testCollector,
			expectedStatus: models.RequestStatus_Accepted,
			expectedErr:    models.ErrUnauthorized,
		},
		"Pending requests cannot complete": {
			setup: func(h *testHarness) {
				request := h.acceptedRequest("r1")
				request.Status = models.RequestStatus_Pending
				h.requestDb.put(request)
			},
			actor:          testCustomer,
			expectedStatus: models.RequestStatus_Pending,
			transitionErr:  true,
		},
		"A link in flight must be reconciled first": {
			setup: func(h *testHarness) {
				request := h.acceptedRequest("r1")
				txHash := "0x" + "33" + "00000000000000000000000000000000000000000000000000000000000000"
				request.LinkTxHash = &txHash
				h.requestDb.put(request)
			},
			actor:          testCustomer,
			expectedStatus: models.RequestStatus_Accepted,
			divergence:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness()
			test.setup(h)
			_, err := h.coordinator.ConfirmCompletion(context.Background(), "r1", test.actor)
			var transitionErr *models.InvalidTransitionError
			switch {
			case test.transitionErr:
				if !errors.As(err, &transitionErr) {
					t.Errorf("expected InvalidTransitionError, got %v", err)
				}
			case test.divergence:
				if models.Classify(err) != models.ErrorClass_Divergence {
					t.Errorf("expected divergence, got %v", err)
				}
			case test.expectedErr != nil:
				if !errors.Is(err, test.expectedErr) {
					t.Errorf("expected %v, got %v", test.expectedErr, err)
				}
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			}
			if status := h.requestDb.stored("r1").Status; status != test.expectedStatus {
				t.Errorf("expected %s, got %s", test.expectedStatus, status)
			}
			if h.chain.releases != test.expectedReleases {
				t.Errorf("expected %d release transactions, got %d", test.expectedReleases, h.chain.releases)
			}
		})
	}
}

func TestConfirmCompletionReleaseFailures(t *testing.T) {
	tests := map[string]struct {
		submitErr error
		revert    bool
	}{
		"Submission rejected": {submitErr: models.ErrTxRejected},
		"Release reverted":    {revert: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness()
			h.linkedRequest("r1")
			h.chain.releaseErr = test.submitErr
			h.chain.revertNext = test.revert

			_, err := h.coordinator.ConfirmCompletion(context.Background(), "r1", testCustomer)
			var releaseErr *models.ReleaseFailedError
			if !errors.As(err, &releaseErr) || (models.Classify(err) != models.ErrorClass_Transient) {
				t.Fatalf("expected retryable ReleaseFailedError, got %v", err)
			}
			stored := h.requestDb.stored("r1")
			if (stored.Status != models.RequestStatus_Accepted) || (stored.ReleaseTxHash != nil) {
				t.Errorf("expected ACCEPTED request with no release in flight, got %+v", stored)
			}

			h.chain.releaseErr = nil
			if request, err := h.coordinator.ConfirmCompletion(context.Background(), "r1", testCustomer); err != nil {
				t.Errorf("retry: %v", err)
			} else if request.Status != models.RequestStatus_Completed {
				t.Errorf("expected COMPLETED after retry, got %s", request.Status)
			}
		})
	}
}

func TestConfirmCompletionTimeoutAwaitsRecordedRelease(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.linkedRequest("r1")
	h.chain.setPending(true)

	_, err := h.coordinator.ConfirmCompletion(ctx, "r1", testCustomer)
	var timeoutErr *models.ConfirmationTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ConfirmationTimeoutError, got %v", err)
	}
	if stored := h.requestDb.stored("r1"); (stored.ReleaseTxHash == nil) || (*stored.ReleaseTxHash != timeoutErr.TxHash) {
		t.Errorf("expected release tx to be recorded, got %+v", stored)
	}

	h.chain.setPending(false)
	request, err := h.coordinator.ConfirmCompletion(ctx, "r1", testCustomer)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if request.Status != models.RequestStatus_Completed {
		t.Errorf("expected COMPLETED, got %s", request.Status)
	}
	if h.chain.releases != 1 {
		t.Errorf("expected one release transaction, got %d", h.chain.releases)
	}
}

func TestReleasedButStaleIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	h.linkedRequest("r1")
	h.requestDb.failUpdateStatus = 1

	_, err := h.coordinator.ConfirmCompletion(ctx, "r1", testCustomer)
	var staleErr *models.ReleasedButStaleError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected ReleasedButStaleError, got %v", err)
	}
	if h.notif.numAlerts() != 1 {
		t.Errorf("expected divergence alert")
	}
	waitForMesssages(h.publisher.messages, 1)

	for i := 0; i < 2; i++ {
		request, err := h.coordinator.ReconcileCompletion(ctx, "r1")
		if err != nil {
			t.Fatalf("reconcile #%d: %v", i+1, err)
		}
		if request.Status != models.RequestStatus_Completed {
			t.Errorf("reconcile #%d: expected COMPLETED, got %s", i+1, request.Status)
		}
	}
	if h.requestDb.statusWrites != 1 {
		t.Errorf("expected one status write, got %d", h.requestDb.statusWrites)
	}
	if h.chain.releases != 1 {
		t.Errorf("expected one release transaction, got %d", h.chain.releases)
	}
}

func TestReconcileCompletionFollowsChain(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness()
	request := h.linkedRequest("r1")

	// Not released yet, nothing changes
	if reconciled, err := h.coordinator.ReconcileCompletion(ctx, "r1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	} else if reconciled.Status != models.RequestStatus_Accepted {
		t.Errorf("expected ACCEPTED, got %s", reconciled.Status)
	}

	h.chain.released[*request.EscrowContractAddress] = true
	if reconciled, err := h.coordinator.Reconcile(ctx, "r1", nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	} else if reconciled.Status != models.RequestStatus_Completed {
		t.Errorf("expected COMPLETED, got %s", reconciled.Status)
	}
	if h.metrics.count(models.MetricName_Reconciled) != 1 {
		t.Errorf("expected one reconciliation")
	}
}

func TestReconcileCompletionRequiresEscrow(t *testing.T) {
	h := newTestHarness()
	h.acceptedRequest("r1")
	if _, err := h.coordinator.ReconcileCompletion(context.Background(), "r1"); !errors.Is(err, models.ErrEscrowNotLinked) {
		t.Errorf("expected ErrEscrowNotLinked, got %v", err)
	}
}

func TestCoordinatorStoreUnavailable(t *testing.T) {
	h := newTestHarness()
	h.acceptedRequest("r1")
	h.requestDb.failGet = 1
	_, err := h.coordinator.ConfirmCompletion(context.Background(), "r1", testCustomer)
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}
