package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.ParticipantRepository = &ParticipantDatabase{}

type ParticipantDatabase struct {
	pool *pgxpool.Pool
}

func NewParticipantDb(pool *pgxpool.Pool) *ParticipantDatabase {
	return &ParticipantDatabase{pool}
}

// GetParticipant reads the user's role and the wallet address from the details table matching that role
func (pdb *ParticipantDatabase) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	participant := new(models.Participant)
	err := pdb.pool.QueryRow(dbCtx, `
SELECT u."clerkId", u.role,
    CASE WHEN u.role = 'Ragpicker' THEN r.wallet_address ELSE c.wallet_address END
FROM users u
LEFT JOIN customer_details c ON c."clerkId" = u."clerkId"
LEFT JOIN ragpicker_details r ON r."clerkId" = u."clerkId"
WHERE u."clerkId" = $1
`, id).Scan(&participant.Id, &participant.Role, &participant.WalletAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if (participant.WalletAddress != nil) && (len(*participant.WalletAddress) == 0) {
		participant.WalletAddress = nil
	}
	return participant, nil
}
