package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.ReviewRepository = &ReviewDatabase{}

type ReviewDatabase struct {
	pool   *pgxpool.Pool
	logger models.Logger
}

func NewReviewDb(pool *pgxpool.Pool, logger models.Logger) *ReviewDatabase {
	return &ReviewDatabase{pool, logger}
}

// CreateReview stores the review and refreshes the collector's average rating in the same transaction
func (rdb *ReviewDatabase) CreateReview(ctx context.Context, review *models.Review) (bool, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	created := false
	err := pgx.BeginFunc(dbCtx, rdb.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(dbCtx, `
INSERT INTO pickup_reviews (id, request_id, customer_id, collector_id, rating, review, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (request_id) DO NOTHING
`, review.Id, review.RequestId, review.CustomerId, review.CollectorId, review.Rating, review.Text, review.CreatedAt)
		if err != nil {
			return err
		} else if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		_, err = tx.Exec(dbCtx, `
UPDATE ragpicker_details
SET average_rating = (SELECT AVG(rating) FROM pickup_reviews WHERE collector_id = $1)
WHERE "clerkId" = $1
`, review.CollectorId)
		return err
	})
	if err != nil {
		rdb.logger.Errorf("createReview: error writing to db: %v", err)
		return false, err
	}
	return created, nil
}
