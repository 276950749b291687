package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.RequestRepository = &RequestDatabase{}

type RequestDatabase struct {
	pool   *pgxpool.Pool
	logger models.Logger
}

const requestColumns = `id, customer_id, collector_id, status, escrow_contract_address, link_tx_hash, release_tx_hash,
    amount_wei, created_at, updated_at`

const sqlState_UniqueViolation = "23505"

const unreconciledFilter = `((link_tx_hash IS NOT NULL AND escrow_contract_address IS NULL)
    OR (status = 'ACCEPTED' AND escrow_contract_address IS NOT NULL))`

func NewRequestDb(pool *pgxpool.Pool, logger models.Logger) *RequestDatabase {
	return &RequestDatabase{pool, logger}
}

func (rdb *RequestDatabase) CreateRequest(ctx context.Context, request *models.Request) error {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	_, err := rdb.pool.Exec(dbCtx, `
INSERT INTO pickup_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`,
		request.Id,
		request.CustomerId,
		request.CollectorId,
		request.Status,
		request.EscrowContractAddress,
		request.LinkTxHash,
		request.ReleaseTxHash,
		request.AmountWei,
		request.CreatedAt,
		request.UpdatedAt,
	)
	if err != nil {
		rdb.logger.Errorf("createRequest: error writing to db: %v", err)
	}
	return err
}

func (rdb *RequestDatabase) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	request, err := scanRequest(rdb.pool.QueryRow(dbCtx, `SELECT `+requestColumns+` FROM pickup_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return request, err
}

func (rdb *RequestDatabase) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, allowedSourceStatuses []models.RequestStatus) (bool, error) {
	srcStatuses := make([]string, len(allowedSourceStatuses))
	for idx, srcStatus := range allowedSourceStatuses {
		srcStatuses[idx] = string(srcStatus)
	}
	return rdb.exec(ctx, "updateStatus", `
UPDATE pickup_requests SET status = $2, updated_at = $3
WHERE id = $1 AND status = ANY($4)
`, id, status, time.Now(), srcStatuses)
}

func (rdb *RequestDatabase) CompleteWithoutEscrow(ctx context.Context, id string) (bool, error) {
	return rdb.exec(ctx, "completeWithoutEscrow", `
UPDATE pickup_requests SET status = $2, updated_at = $3
WHERE id = $1 AND status = $4 AND link_tx_hash IS NULL AND escrow_contract_address IS NULL
`, id, models.RequestStatus_Completed, time.Now(), models.RequestStatus_Accepted)
}

func (rdb *RequestDatabase) LinkEscrow(ctx context.Context, id string, contractAddress string, amountWei string) (bool, error) {
	return rdb.exec(ctx, "linkEscrow", `
UPDATE pickup_requests SET escrow_contract_address = $2, amount_wei = $3, updated_at = $4
WHERE id = $1 AND status = $5 AND escrow_contract_address IS NULL
`, id, contractAddress, amountWei, time.Now(), models.RequestStatus_Accepted)
}

func (rdb *RequestDatabase) UpdateTx(ctx context.Context, id string, kind models.TxKind, txHash string, expected *string) (bool, error) {
	var column string
	switch kind {
	case models.TxKind_Link:
		column = "link_tx_hash"
	case models.TxKind_Release:
		column = "release_tx_hash"
	default:
		return false, fmt.Errorf("unknown transaction kind %q", kind)
	}
	if len(txHash) == 0 {
		// IS NOT DISTINCT FROM matches NULL against a nil expected value
		return rdb.exec(ctx, "updateTx", `
UPDATE pickup_requests SET `+column+` = NULL, updated_at = $2
WHERE id = $1 AND `+column+` IS NOT DISTINCT FROM $3
`, id, time.Now(), expected)
	}
	return rdb.exec(ctx, "updateTx", `
UPDATE pickup_requests SET `+column+` = $2, updated_at = $3
WHERE id = $1 AND `+column+` IS NOT DISTINCT FROM $4 AND status = $5
`, id, txHash, time.Now(), expected, models.RequestStatus_Accepted)
}

func (rdb *RequestDatabase) GetUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]*models.Request, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	rows, err := rdb.pool.Query(dbCtx, `
SELECT `+requestColumns+` FROM pickup_requests
WHERE updated_at < $1 AND `+unreconciledFilter+`
ORDER BY updated_at LIMIT $2
`, olderThan, limit)
	if err != nil {
		rdb.logger.Errorf("getUnreconciled: error querying db: %v", err)
		return nil, err
	}
	defer rows.Close()

	requests := make([]*models.Request, 0)
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// CountUnreconciled returns the number of requests whose stored state may lag the chain
func (rdb *RequestDatabase) CountUnreconciled(ctx context.Context) (int, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	var count int
	if err := rdb.pool.QueryRow(dbCtx, `SELECT COUNT(*) FROM pickup_requests WHERE `+unreconciledFilter).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (rdb *RequestDatabase) exec(ctx context.Context, op string, sql string, args ...any) (bool, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	tag, err := rdb.pool.Exec(dbCtx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == sqlState_UniqueViolation) {
			return false, fmt.Errorf("%w: %s", models.ErrEscrowClaimed, pgErr.ConstraintName)
		}
		rdb.logger.Errorf("%s: error writing to db: %v", op, err)
		return false, err
	}
	// Zero rows means the precondition did not hold
	return tag.RowsAffected() == 1, nil
}

func scanRequest(row pgx.Row) (*models.Request, error) {
	request := new(models.Request)
	if err := row.Scan(
		&request.Id,
		&request.CustomerId,
		&request.CollectorId,
		&request.Status,
		&request.EscrowContractAddress,
		&request.LinkTxHash,
		&request.ReleaseTxHash,
		&request.AmountWei,
		&request.CreatedAt,
		&request.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return request, nil
}
