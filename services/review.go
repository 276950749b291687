package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/wastewhirl/go-pickup/models"
)

// ReviewService lets a customer rate the collector of a completed pickup, once per request
type ReviewService struct {
	requestDb     models.RequestRepository
	reviewDb      models.ReviewRepository
	metricService models.MetricService
	logger        models.Logger
	validator     *validator.Validate
}

func NewReviewService(requestDb models.RequestRepository, reviewDb models.ReviewRepository, metricService models.MetricService, logger models.Logger) *ReviewService {
	return &ReviewService{requestDb, reviewDb, metricService, logger, validator.New()}
}

func (r ReviewService) SubmitReview(ctx context.Context, review *models.Review) (*models.Review, error) {
	if err := r.validator.Struct(review); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidReview, err)
	}
	request, err := r.requestDb.GetRequest(ctx, review.RequestId)
	if err != nil {
		return nil, storeErr(err)
	} else if request == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, review.RequestId)
	} else if (request.CustomerId != review.CustomerId) || (request.CollectorId != review.CollectorId) {
		return nil, models.ErrUnauthorized
	} else if request.Status != models.RequestStatus_Completed {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrNotCompleted, request.Id, request.Status)
	}
	stored := *review
	stored.Id = uuid.New().String()
	stored.CreatedAt = time.Now().UTC()
	if created, err := r.reviewDb.CreateReview(ctx, &stored); err != nil {
		return nil, storeErr(err)
	} else if !created {
		return nil, models.ErrAlreadyReviewed
	}
	r.metricService.Count(ctx, models.MetricName_ReviewCreated, 1)
	r.logger.Infof("review: request %s rated %.1f", review.RequestId, review.Rating)
	return &stored, nil
}
