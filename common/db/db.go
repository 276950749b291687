package db

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wastewhirl/go-pickup/common"
)

type DbOpts struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func DbOptsFromEnv() DbOpts {
	return DbOpts{
		Host:     os.Getenv(common.Env_DbHost),
		Port:     os.Getenv(common.Env_DbPort),
		User:     os.Getenv(common.Env_DbUsername),
		Password: os.Getenv(common.Env_DbPassword),
		Name:     os.Getenv(common.Env_DbName),
	}
}

func (o DbOpts) Dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", o.User, o.Password, o.Host, o.Port, o.Name)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    "clerkId" TEXT PRIMARY KEY,
    email TEXT UNIQUE,
    "firstName" TEXT,
    "lastName" TEXT,
    "createdAt" TIMESTAMPTZ NOT NULL DEFAULT now(),
    role TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS customer_details (
    "clerkId" TEXT PRIMARY KEY REFERENCES users ("clerkId"),
    wallet_address TEXT
);
CREATE TABLE IF NOT EXISTS ragpicker_details (
    "clerkId" TEXT PRIMARY KEY REFERENCES users ("clerkId"),
    wallet_address TEXT,
    average_rating DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS pickup_requests (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    collector_id TEXT NOT NULL,
    status TEXT NOT NULL,
    escrow_contract_address TEXT,
    link_tx_hash TEXT,
    release_tx_hash TEXT,
    amount_wei TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pickup_requests_link_tx_hash_key ON pickup_requests (lower(link_tx_hash));
CREATE UNIQUE INDEX IF NOT EXISTS pickup_requests_escrow_key ON pickup_requests (lower(escrow_contract_address));
CREATE TABLE IF NOT EXISTS pickup_reviews (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL UNIQUE REFERENCES pickup_requests (id),
    customer_id TEXT NOT NULL,
    collector_id TEXT NOT NULL,
    rating DOUBLE PRECISION NOT NULL CHECK (rating >= 1 AND rating <= 5),
    review TEXT,
    created_at TIMESTAMPTZ NOT NULL
);
`

// NewPool connects to Postgres and ensures the schema exists
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if len(dsn) == 0 {
		return nil, errors.New("postgres dsn is empty")
	}

	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	pool, err := pgxpool.New(dbCtx, dsn)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(dbCtx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err = pool.Exec(dbCtx, schemaSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
