package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/models"
)

// Header carrying the authenticated caller's user id, set by the gateway in front of this service
const Header_ActorId = "X-Actor-Id"

// Header carrying the shared operator secret for operator-only routes
const Header_OperatorToken = "X-Operator-Token"

const State_PendingConfirmation = "pending_confirmation"

type Coordinator interface {
	GetRequest(ctx context.Context, requestId string) (*models.Request, error)
	CreateRequest(ctx context.Context, customerId, collectorId string) (*models.Request, error)
	RespondToRequest(ctx context.Context, requestId, actorId string, decision models.RequestStatus) (*models.Request, error)
	LinkEscrow(ctx context.Context, requestId, actorId, payee string, amount *big.Int) (*models.EscrowLinkResult, error)
	ConfirmCompletion(ctx context.Context, requestId, actorId string) (*models.Request, error)
	Reconcile(ctx context.Context, requestId string, txHash *string) (*models.Request, error)
}

type ReviewSubmitter interface {
	SubmitReview(ctx context.Context, review *models.Review) (*models.Review, error)
}

type Server struct {
	coordinator   Coordinator
	reviews       ReviewSubmitter
	logger        models.Logger
	validator     *validator.Validate
	httpServer    *http.Server
	healthFn      func(context.Context) error
	operatorToken string
}

// NewServer builds the HTTP surface. metricsHandler and healthFn may be nil.
func NewServer(
	coordinator Coordinator,
	reviews ReviewSubmitter,
	metricsHandler http.Handler,
	healthFn func(context.Context) error,
	logger models.Logger,
	port int,
) *Server {
	s := &Server{
		coordinator:   coordinator,
		reviews:       reviews,
		logger:        logger,
		validator:     validator.New(),
		healthFn:      healthFn,
		operatorToken: os.Getenv(pickup.Env_OperatorToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/requests", s.withActor(s.handleCreateRequest))
	mux.HandleFunc("GET /api/v1/requests/{id}", s.withActor(s.handleGetRequest))
	mux.HandleFunc("PUT /api/v1/requests/{id}/response", s.withActor(s.handleRespond))
	mux.HandleFunc("POST /api/v1/requests/{id}/escrow", s.withActor(s.handleLinkEscrow))
	mux.HandleFunc("POST /api/v1/requests/{id}/completion", s.withActor(s.handleConfirmCompletion))
	// Not a party operation: reconciliation is authorized by the operator token, not by the actor header
	mux.HandleFunc("POST /api/v1/requests/{id}/reconcile", s.withOperator(s.handleReconcile))
	mux.HandleFunc("POST /api/v1/reviews", s.withActor(s.handleSubmitReview))
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("GET /api/v1/metrics", metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Infof("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actorId string)

func (s *Server) withActor(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorId := r.Header.Get(Header_ActorId)
		if len(actorId) == 0 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + Header_ActorId + " header"})
			return
		}
		next(w, r, actorId)
	}
}

// withOperator rejects every call when no operator token is configured
func (s *Server) withOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.operatorToken) == 0 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "operator routes are disabled"})
			return
		}
		token := r.Header.Get(Header_OperatorToken)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid " + Header_OperatorToken + " header"})
			return
		}
		next(w, r)
	}
}

type createRequestPayload struct {
	CollectorId string `json:"collectorId" validate:"required"`
}

type respondPayload struct {
	Decision models.RequestStatus `json:"decision" validate:"required,oneof=ACCEPTED REJECTED"`
}

// Amounts are accepted either in ether ("0.01") or in wei, exactly one of them
type linkEscrowPayload struct {
	Payee     string `json:"payeeWalletAddress,omitempty"`
	Amount    string `json:"amount,omitempty"`
	AmountWei string `json:"amountWei,omitempty" validate:"omitempty,numeric"`
}

type reconcilePayload struct {
	TxHash *string `json:"txHash,omitempty" validate:"omitempty,len=66,hexadecimal"`
}

type reviewPayload struct {
	RequestId string  `json:"requestId" validate:"required"`
	Rating    float64 `json:"rating"`
	Text      *string `json:"review,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type pendingResponse struct {
	State     string `json:"state"`
	RequestId string `json:"requestId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Detail    string `json:"detail"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, actorId string) {
	payload := new(createRequestPayload)
	if !s.decode(w, r, payload) {
		return
	}
	request, err := s.coordinator.CreateRequest(r.Context(), actorId, payload.CollectorId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, actorId string) {
	request, err := s.coordinator.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	} else if (actorId != request.CustomerId) && (actorId != request.CollectorId) {
		s.writeError(w, models.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request, actorId string) {
	payload := new(respondPayload)
	if !s.decode(w, r, payload) {
		return
	}
	request, err := s.coordinator.RespondToRequest(r.Context(), r.PathValue("id"), actorId, payload.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *Server) handleLinkEscrow(w http.ResponseWriter, r *http.Request, actorId string) {
	payload := new(linkEscrowPayload)
	if !s.decode(w, r, payload) {
		return
	}
	var amount *big.Int
	if (len(payload.Amount) > 0) == (len(payload.AmountWei) > 0) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "exactly one of amount and amountWei is required"})
		return
	} else if len(payload.AmountWei) > 0 {
		var ok bool
		if amount, ok = new(big.Int).SetString(payload.AmountWei, 10); !ok {
			s.writeError(w, models.ErrInvalidAmount)
			return
		}
	} else {
		var err error
		if amount, err = models.ParseEther(payload.Amount); err != nil {
			s.writeError(w, err)
			return
		}
	}
	result, err := s.coordinator.LinkEscrow(r.Context(), r.PathValue("id"), actorId, payload.Payee, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfirmCompletion(w http.ResponseWriter, r *http.Request, actorId string) {
	request, err := s.coordinator.ConfirmCompletion(r.Context(), r.PathValue("id"), actorId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// handleReconcile only ever moves stored state towards what the chain already shows
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	payload := new(reconcilePayload)
	if (r.ContentLength != 0) && !s.decode(w, r, payload) {
		return
	}
	request, err := s.coordinator.Reconcile(r.Context(), r.PathValue("id"), payload.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request, actorId string) {
	payload := new(reviewPayload)
	if !s.decode(w, r, payload) {
		return
	}
	request, err := s.coordinator.GetRequest(r.Context(), payload.RequestId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	review, err := s.reviews.SubmitReview(r.Context(), &models.Review{
		RequestId:   payload.RequestId,
		CustomerId:  actorId,
		CollectorId: request.CollectorId,
		Rating:      payload.Rating,
		Text:        payload.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}{Status: "healthy"}
	status := http.StatusOK
	if s.healthFn != nil {
		healthCtx, healthCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer healthCancel()
		if err := s.healthFn(healthCtx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, payload any) bool {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json payload"})
		return false
	} else if err = s.validator.Struct(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

// writeError never reports a divergence or an unconfirmed transaction as either success or failure. The caller gets
// 202 and the transaction hash to follow up on.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch models.Classify(err) {
	case models.ErrorClass_Divergence, models.ErrorClass_Timeout:
		resp := pendingResponse{State: State_PendingConfirmation, Detail: err.Error()}
		var unlinkedErr *models.EscrowDeployedButUnlinkedError
		var staleErr *models.ReleasedButStaleError
		var timeoutErr *models.ConfirmationTimeoutError
		switch {
		case errors.As(err, &unlinkedErr):
			resp.RequestId, resp.TxHash = unlinkedErr.RequestId, unlinkedErr.TxHash
		case errors.As(err, &staleErr):
			resp.RequestId, resp.TxHash = staleErr.RequestId, staleErr.TxHash
		case errors.As(err, &timeoutErr):
			resp.RequestId, resp.TxHash = timeoutErr.RequestId, timeoutErr.TxHash
		}
		writeJSON(w, http.StatusAccepted, resp)
	case models.ErrorClass_Transient:
		s.logger.Warnf("server: transient failure: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case models.ErrorClass_Validation:
		writeJSON(w, validationStatus(err), errorResponse{Error: err.Error()})
	default:
		s.logger.Errorf("server: unexpected error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func validationStatus(err error) int {
	var transitionErr *models.InvalidTransitionError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.As(err, &transitionErr),
		errors.Is(err, models.ErrAlreadyLinked),
		errors.Is(err, models.ErrEscrowNotLinked),
		errors.Is(err, models.ErrTxMismatch),
		errors.Is(err, models.ErrEscrowClaimed),
		errors.Is(err, models.ErrAlreadyReviewed),
		errors.Is(err, models.ErrNotCompleted):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
