package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/wastewhirl/go-pickup/common/loggers"
	"github.com/wastewhirl/go-pickup/models"
)

const (
	testCustomer  = "user_customer"
	testCollector = "user_collector"
	testOutsider  = "user_outsider"
	testWallet    = "0x00000000000000000000000000000000000000aa"
)

var errTestStore = errors.New("store offline")

// FakeRequestRepository keeps requests in memory with the same conditional write semantics as the real stores. The
// fail* counters make the next n calls of that kind fail.
type FakeRequestRepository struct {
	lock             sync.Mutex
	requests         map[string]*models.Request
	failGet          int
	failUpdateStatus int
	failLinkEscrow   int
	failUpdateTx     int
	statusWrites     int
	linkWrites       int
	// Runs before CompleteWithoutEscrow takes the lock
	beforeComplete func()
}

func NewFakeRequestRepository() *FakeRequestRepository {
	return &FakeRequestRepository{requests: make(map[string]*models.Request)}
}

func (f *FakeRequestRepository) CreateRequest(_ context.Context, request *models.Request) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if _, found := f.requests[request.Id]; found {
		return fmt.Errorf("duplicate request %s", request.Id)
	}
	f.requests[request.Id] = cloneRequest(request)
	return nil
}

func (f *FakeRequestRepository) GetRequest(_ context.Context, id string) (*models.Request, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failGet > 0 {
		f.failGet--
		return nil, errTestStore
	}
	if request, found := f.requests[id]; found {
		return cloneRequest(request), nil
	}
	return nil, nil
}

func (f *FakeRequestRepository) UpdateStatus(_ context.Context, id string, status models.RequestStatus, allowedSourceStatuses []models.RequestStatus) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failUpdateStatus > 0 {
		f.failUpdateStatus--
		return false, errTestStore
	}
	request, found := f.requests[id]
	if !found {
		return false, nil
	}
	for _, source := range allowedSourceStatuses {
		if request.Status == source {
			request.Status = status
			request.UpdatedAt = time.Now().UTC()
			f.statusWrites++
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeRequestRepository) CompleteWithoutEscrow(_ context.Context, id string) (bool, error) {
	if f.beforeComplete != nil {
		f.beforeComplete()
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failUpdateStatus > 0 {
		f.failUpdateStatus--
		return false, errTestStore
	}
	request, found := f.requests[id]
	if !found || (request.Status != models.RequestStatus_Accepted) || request.IsLinked() || (request.LinkTxHash != nil) {
		return false, nil
	}
	request.Status = models.RequestStatus_Completed
	request.UpdatedAt = time.Now().UTC()
	f.statusWrites++
	return true, nil
}

func (f *FakeRequestRepository) LinkEscrow(_ context.Context, id string, contractAddress string, amountWei string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failLinkEscrow > 0 {
		f.failLinkEscrow--
		return false, errTestStore
	}
	if owner := f.holder(id, func(other *models.Request) *string { return other.EscrowContractAddress }, contractAddress); len(owner) > 0 {
		return false, fmt.Errorf("%w: %s held by %s", models.ErrEscrowClaimed, contractAddress, owner)
	}
	request, found := f.requests[id]
	if !found || (request.Status != models.RequestStatus_Accepted) || request.IsLinked() {
		return false, nil
	}
	request.EscrowContractAddress = &contractAddress
	request.AmountWei = &amountWei
	request.UpdatedAt = time.Now().UTC()
	f.linkWrites++
	return true, nil
}

func (f *FakeRequestRepository) UpdateTx(_ context.Context, id string, kind models.TxKind, txHash string, expected *string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failUpdateTx > 0 {
		f.failUpdateTx--
		return false, errTestStore
	}
	request, found := f.requests[id]
	if !found {
		return false, nil
	}
	field := &request.LinkTxHash
	if kind == models.TxKind_Release {
		field = &request.ReleaseTxHash
	} else if len(txHash) > 0 {
		if owner := f.holder(id, func(other *models.Request) *string { return other.LinkTxHash }, txHash); len(owner) > 0 {
			return false, fmt.Errorf("%w: %s held by %s", models.ErrEscrowClaimed, txHash, owner)
		}
	}
	if (expected == nil) != (*field == nil) || ((expected != nil) && (*expected != **field)) {
		return false, nil
	}
	if len(txHash) == 0 {
		*field = nil
	} else if request.Status != models.RequestStatus_Accepted {
		return false, nil
	} else {
		*field = &txHash
	}
	request.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *FakeRequestRepository) GetUnreconciled(_ context.Context, olderThan time.Time, limit int) ([]*models.Request, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	requests := make([]*models.Request, 0)
	for _, request := range f.requests {
		if request.NeedsReconciliation() && request.UpdatedAt.Before(olderThan) && (len(requests) < limit) {
			requests = append(requests, cloneRequest(request))
		}
	}
	return requests, nil
}

// holder returns the id of another request whose field already holds value
func (f *FakeRequestRepository) holder(id string, field func(other *models.Request) *string, value string) string {
	for otherId, other := range f.requests {
		if held := field(other); (otherId != id) && (held != nil) && strings.EqualFold(*held, value) {
			return otherId
		}
	}
	return ""
}

func (f *FakeRequestRepository) stored(id string) *models.Request {
	f.lock.Lock()
	defer f.lock.Unlock()
	return cloneRequest(f.requests[id])
}

func (f *FakeRequestRepository) put(request *models.Request) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.requests[request.Id] = cloneRequest(request)
}

func cloneRequest(request *models.Request) *models.Request {
	if request == nil {
		return nil
	}
	clone := *request
	for _, field := range []**string{&clone.EscrowContractAddress, &clone.LinkTxHash, &clone.ReleaseTxHash, &clone.AmountWei} {
		if *field != nil {
			value := **field
			*field = &value
		}
	}
	return &clone
}

type FakeParticipantRepository struct {
	participants map[string]*models.Participant
	fail         bool
}

func NewFakeParticipantRepository() *FakeParticipantRepository {
	wallet := testWallet
	return &FakeParticipantRepository{participants: map[string]*models.Participant{
		testCustomer:  {Id: testCustomer, Role: models.Role_Customer},
		testCollector: {Id: testCollector, Role: models.Role_Collector, WalletAddress: &wallet},
		testOutsider:  {Id: testOutsider, Role: models.Role_Customer},
	}}
}

func (f *FakeParticipantRepository) GetParticipant(_ context.Context, id string) (*models.Participant, error) {
	if f.fail {
		return nil, errTestStore
	}
	return f.participants[id], nil
}

type FakeReviewRepository struct {
	reviews map[string]*models.Review
	fail    bool
}

func (f *FakeReviewRepository) CreateReview(_ context.Context, review *models.Review) (bool, error) {
	if f.fail {
		return false, errTestStore
	}
	if _, found := f.reviews[review.RequestId]; found {
		return false, nil
	}
	f.reviews[review.RequestId] = review
	return true, nil
}

// FakeChain mines every transaction as soon as it is broadcast, unless pending is set, in which case receipts never
// become available. A release that does not revert flips the job's released flag immediately. Signed transactions
// only reach the chain through Broadcast.
type FakeChain struct {
	lock         sync.Mutex
	txCount      int
	createJobs   int
	releases     int
	discarded    int
	signErr      error
	broadcastErr error
	releaseErr   error
	queryErr     error
	pending      bool
	revertNext   bool
	omitEvent    bool
	// Runs after a create-job transaction is signed, outside the chain's lock
	onSign   func(signed *models.SignedTx)
	signed   map[string]*models.Receipt
	receipts map[string]*models.Receipt
	released map[string]bool
	amounts  map[string]*big.Int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		signed:   make(map[string]*models.Receipt),
		receipts: make(map[string]*models.Receipt),
		released: make(map[string]bool),
		amounts:  make(map[string]*big.Int),
	}
}

func (f *FakeChain) nextTx() (string, string) {
	f.txCount++
	return fmt.Sprintf("0x%064x", f.txCount), fmt.Sprintf("0x%040x", 0x1000+f.txCount)
}

func (f *FakeChain) SignCreateJob(_ context.Context, payee string, amount *big.Int) (*models.SignedTx, error) {
	f.lock.Lock()
	if f.signErr != nil {
		f.lock.Unlock()
		return nil, f.signErr
	}
	txHash, contractAddress := f.nextTx()
	receipt := &models.Receipt{TxHash: txHash, BlockNumber: uint64(f.txCount), Reverted: f.revertNext}
	if !f.revertNext && !f.omitEvent {
		receipt.Events = []models.ChainEvent{{
			Name: models.EventName_JobCreated,
			JobCreated: &models.JobCreatedEvent{
				ContractAddress: contractAddress,
				Payee:           payee,
				Amount:          amount,
			},
		}}
	}
	f.revertNext = false
	f.signed[txHash] = receipt
	f.amounts[contractAddress] = amount
	signed := &models.SignedTx{Hash: txHash, Nonce: uint64(f.txCount), Raw: []byte(txHash)}
	onSign := f.onSign
	f.lock.Unlock()

	if onSign != nil {
		onSign(signed)
	}
	return signed, nil
}

func (f *FakeChain) Broadcast(_ context.Context, signed *models.SignedTx) (*models.TxHandle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	receipt, found := f.signed[signed.Hash]
	if !found {
		return nil, fmt.Errorf("%w: unknown tx %s", models.ErrTxRejected, signed.Hash)
	}
	if _, mined := f.receipts[signed.Hash]; !mined {
		f.createJobs++
		f.receipts[signed.Hash] = receipt
	}
	return &models.TxHandle{Hash: signed.Hash, SubmittedAt: time.Now()}, nil
}

func (f *FakeChain) Discard(signed *models.SignedTx) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.signed, signed.Hash)
	f.discarded++
}

func (f *FakeChain) TransactionKnown(_ context.Context, txHash string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.queryErr != nil {
		return false, f.queryErr
	}
	_, known := f.receipts[txHash]
	return known, nil
}

// deployFor broadcasts a create-job transaction directly, as a transaction the coordinator never recorded
func (f *FakeChain) deployFor(payee string) string {
	signed, err := f.SignCreateJob(context.Background(), payee, big.NewInt(1e16))
	if err != nil {
		panic(err)
	}
	if _, err = f.Broadcast(context.Background(), signed); err != nil {
		panic(err)
	}
	return signed.Hash
}

func (f *FakeChain) SubmitReleaseJob(_ context.Context, contractAddress string) (*models.TxHandle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	f.releases++
	txHash, _ := f.nextTx()
	reverted := f.revertNext || f.released[contractAddress]
	if !reverted {
		f.released[contractAddress] = true
	}
	f.revertNext = false
	f.receipts[txHash] = &models.Receipt{TxHash: txHash, BlockNumber: uint64(f.txCount), Reverted: reverted}
	return &models.TxHandle{Hash: txHash, SubmittedAt: time.Now()}, nil
}

func (f *FakeChain) AwaitReceipt(ctx context.Context, txHash string, _ time.Duration) (*models.Receipt, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrReceiptPending, ctx.Err())
	}
	receipt, found := f.receipts[txHash]
	if f.pending || !found {
		return nil, fmt.Errorf("%w: tx=%s", models.ErrReceiptPending, txHash)
	}
	return receipt, nil
}

func (f *FakeChain) QueryJobReleased(_ context.Context, contractAddress string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.queryErr != nil {
		return false, f.queryErr
	}
	return f.released[contractAddress], nil
}

func (f *FakeChain) setPending(pending bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.pending = pending
}

type FakePublisher struct {
	messages chan any
	fail     bool
}

func (f *FakePublisher) SendMessage(ctx context.Context, event any) (string, error) {
	if f.fail {
		return "", errors.New("test error")
	}
	f.messages <- event
	return "msgId", nil
}

func waitForMesssages(messageChannel chan any, n int) []any {
	messages := make([]any, n)
	for i := 0; i < n; i++ {
		message := <-messageChannel
		messages[i] = message
	}
	return messages
}

type FakeNotifier struct {
	lock   sync.Mutex
	alerts []string
}

func (f *FakeNotifier) SendAlert(title, desc, content string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.alerts = append(f.alerts, desc+": "+content)
	return nil
}

func (f *FakeNotifier) numAlerts() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.alerts)
}

type FakeMetricService struct {
	lock   sync.Mutex
	counts map[models.MetricName]int
}

func NewFakeMetricService() *FakeMetricService {
	return &FakeMetricService{counts: make(map[models.MetricName]int)}
}

func (f *FakeMetricService) Count(_ context.Context, name models.MetricName, val int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.counts[name] += val
	return nil
}

func (f *FakeMetricService) count(name models.MetricName) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.counts[name]
}

func (f *FakeMetricService) Gauge(context.Context, models.MetricName, models.ResourceMonitor) error {
	return nil
}

func (f *FakeMetricService) Distribution(context.Context, models.MetricName, int) error {
	return nil
}

func (f *FakeMetricService) QueueGauge(context.Context, string, models.QueueMonitor) error {
	return nil
}

func (f *FakeMetricService) Shutdown(context.Context) {}

type FakeKeyValueRepository struct {
	lock  sync.Mutex
	store map[string]interface{}
}

func (f *FakeKeyValueRepository) Store(_ context.Context, key string, value interface{}) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.store[key] = value
	return nil
}

type testHarness struct {
	requestDb     *FakeRequestRepository
	participantDb *FakeParticipantRepository
	chain         *FakeChain
	publisher     *FakePublisher
	notif         *FakeNotifier
	audit         *FakeKeyValueRepository
	metrics       *FakeMetricService
	coordinator   *Coordinator
}

func newTestHarness() *testHarness {
	h := &testHarness{
		requestDb:     NewFakeRequestRepository(),
		participantDb: NewFakeParticipantRepository(),
		chain:         NewFakeChain(),
		publisher:     &FakePublisher{messages: make(chan any, 16)},
		notif:         &FakeNotifier{},
		audit:         &FakeKeyValueRepository{store: make(map[string]interface{})},
		metrics:       NewFakeMetricService(),
	}
	h.coordinator = NewCoordinator(h.requestDb, h.participantDb, h.chain, h.publisher, h.notif, h.audit, h.metrics, loggers.NewTestLogger())
	return h
}

// acceptedRequest stores a request that the collector has already accepted
func (h *testHarness) acceptedRequest(id string) *models.Request {
	now := time.Now().UTC()
	request := &models.Request{
		Id:          id,
		CustomerId:  testCustomer,
		CollectorId: testCollector,
		Status:      models.RequestStatus_Accepted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	h.requestDb.put(request)
	return request
}

// linkedRequest stores an accepted request whose escrow has been deployed and linked
func (h *testHarness) linkedRequest(id string) *models.Request {
	h.acceptedRequest(id)
	result, err := h.coordinator.LinkEscrow(context.Background(), id, testCustomer, "", big.NewInt(1e16))
	if err != nil {
		panic(err)
	}
	return result.Request
}
