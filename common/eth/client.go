package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abevier/tsk/ratelimiter"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.EscrowChain = &Client{}

// Backend is the subset of the node API used by the client. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type rpcCall func(ctx context.Context) (any, error)

type Client struct {
	backend        Backend
	factoryAbi     abi.ABI
	jobAbi         abi.ABI
	factoryAddress common.Address
	factory        *bind.BoundContract
	transactor     *bind.TransactOpts
	// Serializes nonce assignment for the single signer
	txLock       sync.Mutex
	nextNonce    *uint64
	rpcLimiter   *ratelimiter.RateLimiter[rpcCall, any]
	pollInterval time.Duration
	logger       models.Logger
}

type ClientConfig struct {
	RpcUrl            string
	PrivateKeyHex     string
	JobFactoryAddress string
}

func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		RpcUrl:            os.Getenv(pickup.Env_ChainRpcUrl),
		PrivateKeyHex:     os.Getenv(pickup.Env_ChainPrivateKey),
		JobFactoryAddress: os.Getenv(pickup.Env_JobFactoryAddress),
	}
}

func NewClient(ctx context.Context, logger models.Logger, cfg ClientConfig) (*Client, error) {
	if len(cfg.RpcUrl) == 0 {
		return nil, errors.New("rpc url is required")
	}
	if !common.IsHexAddress(cfg.JobFactoryAddress) {
		return nil, fmt.Errorf("invalid job factory address %q", cfg.JobFactoryAddress)
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	cli, err := ethclient.DialContext(ctx, cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainId, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	transactor, err := bind.NewKeyedTransactorWithChainID(pk, chainId)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	// Let the node estimate gas and price
	transactor.GasLimit = 0
	transactor.GasPrice = nil
	transactor.Nonce = nil

	pollInterval := models.DefaultReceiptPollInterval
	if configPollInterval, found := os.LookupEnv(pickup.Env_ReceiptPollInterval); found {
		if parsedPollInterval, err := time.ParseDuration(configPollInterval); err == nil {
			pollInterval = parsedPollInterval
		}
	}
	rateLimit := models.DefaultChainRateLimit
	if configRateLimit, found := os.LookupEnv(pickup.Env_ChainRateLimit); found {
		if parsedRateLimit, err := strconv.Atoi(configRateLimit); err == nil && parsedRateLimit > 0 {
			rateLimit = parsedRateLimit
		}
	}
	client, err := newClient(cli, common.HexToAddress(cfg.JobFactoryAddress), transactor, rateLimit, pollInterval, logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("eth: connected to chain %s, factory=%s, signer=%s", chainId, cfg.JobFactoryAddress, transactor.From.Hex())
	return client, nil
}

func newClient(
	backend Backend,
	factoryAddress common.Address,
	transactor *bind.TransactOpts,
	rateLimit int,
	pollInterval time.Duration,
	logger models.Logger,
) (*Client, error) {
	factoryAbi, err := abi.JSON(strings.NewReader(JobFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	jobAbi, err := abi.JSON(strings.NewReader(RagJobABI))
	if err != nil {
		return nil, fmt.Errorf("parse job abi: %w", err)
	}
	rlOpts := ratelimiter.Opts{
		Limit:             rate.Limit(rateLimit),
		Burst:             rateLimit,
		MaxQueueDepth:     rateLimit * 64,
		FullQueueStrategy: ratelimiter.BlockWhenFull,
	}
	return &Client{
		backend:        backend,
		factoryAbi:     factoryAbi,
		jobAbi:         jobAbi,
		factoryAddress: factoryAddress,
		factory:        bind.NewBoundContract(factoryAddress, factoryAbi, backend, backend, backend),
		transactor:     transactor,
		rpcLimiter: ratelimiter.New(rlOpts, func(ctx context.Context, call rpcCall) (any, error) {
			return call(ctx)
		}),
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// SignCreateJob signs the create-job transaction with the next nonce but does not broadcast it, so that its hash can be
// recorded first.
func (c *Client) SignCreateJob(ctx context.Context, payee string, amount *big.Int) (*models.SignedTx, error) {
	if !common.IsHexAddress(payee) {
		return nil, fmt.Errorf("%w: %q", models.ErrPayeeMismatch, payee)
	}
	if (amount == nil) || (amount.Sign() <= 0) {
		return nil, models.ErrInvalidAmount
	}
	tx, err := c.sign(ctx, c.factory, amount, method_CreateJob, common.HexToAddress(payee))
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		c.resetNonce()
		return nil, fmt.Errorf("%w: encode tx: %v", models.ErrTxRejected, err)
	}
	c.logger.Infof("eth: %s signed, tx=%s, nonce=%d", method_CreateJob, tx.Hash().Hex(), tx.Nonce())
	return &models.SignedTx{Hash: tx.Hash().Hex(), Nonce: tx.Nonce(), Raw: raw}, nil
}

func (c *Client) Broadcast(ctx context.Context, signed *models.SignedTx) (*models.TxHandle, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return nil, fmt.Errorf("%w: decode tx=%s: %v", models.ErrTxRejected, signed.Hash, err)
	}
	return c.send(ctx, tx)
}

// Discard hands the nonce of a signed transaction back if nothing was signed after it. Otherwise the next signature
// starts over from the node's pending nonce.
func (c *Client) Discard(signed *models.SignedTx) {
	c.txLock.Lock()
	defer c.txLock.Unlock()

	if (c.nextNonce != nil) && (*c.nextNonce == signed.Nonce+1) {
		*c.nextNonce = signed.Nonce
	} else {
		c.nextNonce = nil
	}
	c.logger.Infof("eth: discarded unsent tx=%s, nonce=%d", signed.Hash, signed.Nonce)
}

func (c *Client) SubmitReleaseJob(ctx context.Context, contractAddress string) (*models.TxHandle, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: bad escrow address %q", models.ErrTxRejected, contractAddress)
	}
	job := bind.NewBoundContract(common.HexToAddress(contractAddress), c.jobAbi, c.backend, c.backend, c.backend)
	tx, err := c.sign(ctx, job, nil, method_ConfirmCompletion)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, tx)
}

// sign builds and signs a contract call with the next nonce. Nonces are tracked locally so that transactions signed
// ahead of their broadcast do not collide.
func (c *Client) sign(ctx context.Context, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	if c.transactor == nil {
		return nil, fmt.Errorf("%w: client is read-only", models.ErrTxRejected)
	}
	tx, err := c.rpcLimiter.Submit(ctx, func(ctx context.Context) (any, error) {
		c.txLock.Lock()
		defer c.txLock.Unlock()

		if c.nextNonce == nil {
			nonce, err := c.backend.PendingNonceAt(ctx, c.transactor.From)
			if err != nil {
				return nil, err
			}
			c.nextNonce = &nonce
		}
		opts := *c.transactor
		opts.Context = ctx
		opts.Value = value
		opts.Nonce = new(big.Int).SetUint64(*c.nextNonce)
		opts.NoSend = true
		tx, err := contract.Transact(&opts, method, args...)
		if err != nil {
			return nil, err
		}
		*c.nextNonce++
		return tx, nil
	})
	if err != nil {
		c.logger.Errorf("eth: signing %s failed: %v", method, err)
		return nil, submitError(err)
	}
	return tx.(*types.Transaction), nil
}

func (c *Client) send(ctx context.Context, tx *types.Transaction) (*models.TxHandle, error) {
	hash := tx.Hash().Hex()
	_, err := c.rpcLimiter.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, c.backend.SendTransaction(ctx, tx)
	})
	if (err != nil) && !isAlreadyKnown(err) {
		c.logger.Errorf("eth: broadcasting tx=%s failed: %v", hash, err)
		err = submitError(err)
		if errors.Is(err, models.ErrTxRejected) {
			// The node may disagree with the local nonce
			c.resetNonce()
		}
		return nil, err
	}
	c.logger.Infof("eth: tx=%s broadcast, nonce=%d", hash, tx.Nonce())
	return &models.TxHandle{Hash: hash, SubmittedAt: time.Now()}, nil
}

func (c *Client) resetNonce() {
	c.txLock.Lock()
	defer c.txLock.Unlock()
	c.nextNonce = nil
}

// TransactionKnown looks the transaction up in the node's pool and chain
func (c *Client) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	_, err := c.rpcLimiter.Submit(ctx, func(ctx context.Context) (any, error) {
		tx, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
		return tx, err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrChainUnavailable, err)
	}
	return true, nil
}

// A rebroadcast of a transaction the node already has
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// submitError separates transactions the node refused from failures to reach the node at all. Both mean nothing was
// broadcast.
func submitError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", models.ErrTxRejected, err)
	}
	msg := strings.ToLower(err.Error())
	for _, rejection := range []string{"execution reverted", "insufficient funds", "nonce too low", "intrinsic gas", "underpriced"} {
		if strings.Contains(msg, rejection) {
			return fmt.Errorf("%w: %v", models.ErrTxRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", models.ErrChainUnavailable, err)
}

// AwaitReceipt polls for the receipt until it is mined, the timeout elapses or the context ends. Errors while polling
// are logged and retried since the transaction has already been broadcast.
func (c *Client) AwaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*models.Receipt, error) {
	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpcLimiter.Submit(waitCtx, func(ctx context.Context) (any, error) {
			return c.backend.TransactionReceipt(ctx, hash)
		})
		if err == nil {
			return c.decodeReceipt(receipt.(*types.Receipt)), nil
		} else if !errors.Is(err, ethereum.NotFound) && (waitCtx.Err() == nil) {
			c.logger.Warnf("eth: error fetching receipt for tx=%s: %v", txHash, err)
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: tx=%s: %v", models.ErrReceiptPending, txHash, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) decodeReceipt(receipt *types.Receipt) *models.Receipt {
	decoded := &models.Receipt{
		TxHash:   receipt.TxHash.Hex(),
		Reverted: receipt.Status == types.ReceiptStatusFailed,
		Events:   make([]models.ChainEvent, 0, 1),
	}
	if receipt.BlockNumber != nil {
		decoded.BlockNumber = receipt.BlockNumber.Uint64()
	}
	jobCreatedId := c.factoryAbi.Events[models.EventName_JobCreated].ID
	for _, log := range receipt.Logs {
		if (log.Address != c.factoryAddress) || (len(log.Topics) == 0) || (log.Topics[0] != jobCreatedId) {
			continue
		}
		event := struct {
			ContractAddress common.Address
			User            common.Address
			Picker          common.Address
			Amount          *big.Int
		}{}
		if err := c.factoryAbi.UnpackIntoInterface(&event, models.EventName_JobCreated, log.Data); err != nil {
			// Leave it out, callers treat a missing event as a divergence
			c.logger.Errorf("eth: unparsable %s log in tx=%s: %v", models.EventName_JobCreated, decoded.TxHash, err)
			continue
		}
		decoded.Events = append(decoded.Events, models.ChainEvent{
			Name: models.EventName_JobCreated,
			JobCreated: &models.JobCreatedEvent{
				ContractAddress: event.ContractAddress.Hex(),
				Payer:           event.User.Hex(),
				Payee:           event.Picker.Hex(),
				Amount:          event.Amount,
			},
		})
	}
	return decoded
}

// QueryJobReleased reads the escrow job's completion flag directly from the chain
func (c *Client) QueryJobReleased(ctx context.Context, contractAddress string) (bool, error) {
	if !common.IsHexAddress(contractAddress) {
		return false, fmt.Errorf("bad escrow address %q", contractAddress)
	}
	job := bind.NewBoundContract(common.HexToAddress(contractAddress), c.jobAbi, c.backend, c.backend, c.backend)
	out, err := c.rpcLimiter.Submit(ctx, func(ctx context.Context) (any, error) {
		results := make([]interface{}, 0, 1)
		if err := job.Call(&bind.CallOpts{Context: ctx}, &results, method_IsCompleted); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrChainUnavailable, err)
	}
	results := out.([]interface{})
	if len(results) == 0 {
		return false, fmt.Errorf("%s returned no value", method_IsCompleted)
	}
	released, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T", method_IsCompleted, results[0])
	}
	return released, nil
}
