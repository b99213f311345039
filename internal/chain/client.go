package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	logx "execbot/pkg/logx"
)

const receiptPollEvery = 4 * time.Second

// Client wraps ethclient so every one-shot call carries the configured
// timeout. Subscriptions only bound their setup call.
type Client struct {
	ec      *ethclient.Client
	timeout time.Duration
	log     logx.Logger
}

// Dial connects to url. Live subscriptions need a websocket or IPC endpoint.
func Dial(ctx context.Context, url string, timeout time.Duration, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ec, err := ethclient.DialContext(dctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return &Client{ec: ec, timeout: timeout, log: log.With(logx.String("comp", "chain"))}, nil
}

func (c *Client) Close() { c.ec.Close() }

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.ChainID(ctx)
}

func (c *Client) Head(ctx context.Context) (Head, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	h, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return Head{}, fmt.Errorf("latest header: %w", err)
	}
	return Head{Number: h.Number.Uint64(), GasLimit: h.GasLimit, Time: h.Time}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.BlockNumber(ctx)
}

func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.BalanceAt(ctx, addr, nil)
}

func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.PendingNonceAt(ctx, addr)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.CallContract(ctx, msg, nil)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.EstimateGas(ctx, msg)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.SendTransaction(ctx, tx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.FilterLogs(ctx, q)
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.ec.SubscribeFilterLogs(ctx, q, ch)
}

// WaitReceipt polls for the receipt of hash until it is mined or ctx ends.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	t := time.NewTicker(receiptPollEvery)
	defer t.Stop()
	for {
		rctx, cancel := c.bound(ctx)
		r, err := c.ec.TransactionReceipt(rctx, hash)
		cancel()
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt poll failed", logx.String("tx", hash.Hex()), logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}
