// Package dexclient defines the chain-facing order interface the
// orchestrator broadcasts through, plus a call-recording in-memory mock
// implementation for tests and local development, narrowed to the
// limit-order/cancel/balance/fill-history surface a grid strategy
// actually calls.
//
// Every amount crossing this boundary goes through pkg/chainamount's
// tagged conversions rather than a bare decimal.Decimal or *big.Int:
// outbound amounts (PlaceOrder) are tagged to chain-integer base units via
// chainamount.TagInt before the mock stores them; inbound amounts
// (ReadOpenOrders/ReadFillHistory/ReadBalance) are tagged back to decimal
// via chainamount.TagFloat before they reach the domain model. This is the
// one place in the module a double-scaling bug would otherwise hide.
package dexclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridcore/internal/config"
	"gridcore/internal/core"
	"gridcore/internal/syncengine"
	"gridcore/pkg/apperrors"
	"gridcore/pkg/chainamount"
)

// ClientConfig is the connection shape a real on-chain Client would take:
// an RPC endpoint, signing credentials, and the base-unit decimals the
// chain quotes amounts in. MockClient accepts it so a live implementation
// can replace the mock without changing call sites; the mock itself never
// needs the credentials to place simulated orders.
type ClientConfig struct {
	Endpoint  string
	APIKey    config.Secret
	APISecret config.Secret
	Decimals  int32
}

// Client is the full chain-facing surface the orchestrator consumes.
type Client interface {
	PlaceOrder(ctx context.Context, side core.Side, price, size decimal.Decimal) (chainID string, err error)
	CancelOrder(ctx context.Context, chainID string) error
	ReadOpenOrders(ctx context.Context) ([]syncengine.ChainOrder, error)
	ReadFillHistory(ctx context.Context, since time.Time) ([]syncengine.Fill, error)
	ReadBalance(ctx context.Context, side core.Side) (committedChain, chainFree decimal.Decimal, err error)
}

// restingOrder stores price/size/filled as tagged chain-integer base
// units, the way a real resting on-chain order would be represented.
type restingOrder struct {
	chainID string
	side    core.Side
	price   chainamount.Int
	size    chainamount.Int
	filled  chainamount.Int
}

const defaultDecimals int32 = 8

// MockClient is an in-memory Client used by tests and demo wiring. Fills
// are injected by test code via Fill rather than generated internally, so
// scenario tests control exactly when and how much of an order executes.
type MockClient struct {
	mu       sync.Mutex
	endpoint string
	decimals int32
	orders   map[string]*restingOrder
	fills    []syncengine.Fill
	balances map[core.Side]struct{ committedChain, chainFree chainamount.Int }

	// Calls records every method invocation for assertions in tests.
	Calls []string
}

// NewMockClient returns a MockClient seeded with the given starting
// balances.
func NewMockClient(buyFree, sellFree decimal.Decimal) *MockClient {
	c := &MockClient{
		decimals: defaultDecimals,
		orders:   make(map[string]*restingOrder),
	}
	zero := chainamount.TagInt(decimal.Zero, c.decimals)
	c.balances = map[core.Side]struct{ committedChain, chainFree chainamount.Int }{
		core.Buy:  {committedChain: zero, chainFree: chainamount.TagInt(buyFree, c.decimals)},
		core.Sell: {committedChain: zero, chainFree: chainamount.TagInt(sellFree, c.decimals)},
	}
	return c
}

// NewMockClientFromConfig builds a MockClient the way a live client would
// be constructed, from a ClientConfig. The mock records the endpoint for
// diagnostics and otherwise ignores the credentials.
func NewMockClientFromConfig(cfg ClientConfig, buyFree, sellFree decimal.Decimal) *MockClient {
	c := NewMockClient(buyFree, sellFree)
	c.endpoint = cfg.Endpoint
	if cfg.Decimals != 0 {
		c.decimals = cfg.Decimals
	}
	return c
}

func (m *MockClient) PlaceOrder(ctx context.Context, side core.Side, price, size decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "PlaceOrder")

	chainID := uuid.NewString()
	m.orders[chainID] = &restingOrder{
		chainID: chainID,
		side:    side,
		price:   chainamount.TagInt(price, m.decimals),
		size:    chainamount.TagInt(size, m.decimals),
		filled:  chainamount.TagInt(decimal.Zero, m.decimals),
	}
	return chainID, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, chainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "CancelOrder")

	if _, ok := m.orders[chainID]; !ok {
		return apperrors.New(apperrors.KindChainRPCFailure, "cancel: unknown chain order %s", chainID)
	}
	delete(m.orders, chainID)
	return nil
}

func (m *MockClient) ReadOpenOrders(ctx context.Context) ([]syncengine.ChainOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "ReadOpenOrders")

	out := make([]syncengine.ChainOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, syncengine.ChainOrder{
			ChainID: o.chainID,
			Side:    o.side,
			Price:   chainamount.TagFloat(o.price.BigInt(), m.decimals).Decimal(),
			Size:    chainamount.TagFloat(o.size.BigInt(), m.decimals).Decimal(),
			Filled:  chainamount.TagFloat(o.filled.BigInt(), m.decimals).Decimal(),
		})
	}
	return out, nil
}

func (m *MockClient) ReadFillHistory(ctx context.Context, since time.Time) ([]syncengine.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "ReadFillHistory")

	out := make([]syncengine.Fill, len(m.fills))
	copy(out, m.fills)
	m.fills = m.fills[:0]
	return out, nil
}

func (m *MockClient) ReadBalance(ctx context.Context, side core.Side) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "ReadBalance")

	b := m.balances[side]
	return chainamount.TagFloat(b.committedChain.BigInt(), m.decimals).Decimal(),
		chainamount.TagFloat(b.chainFree.BigInt(), m.decimals).Decimal(), nil
}

// Fill injects a fill for chainID, the size of the test-controlled
// partial or full execution, for the next ReadFillHistory call to return.
// Also updates the mock order book's resting size/filled so a subsequent
// ReadOpenOrders reflects it. size/fee are human-decimal domain amounts;
// Fill tags them to chain-integer units the same way a live fill report
// would arrive.
func (m *MockClient) Fill(chainID string, size, fee decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[chainID]
	if !ok {
		return
	}
	filledSoFar := chainamount.TagFloat(o.filled.BigInt(), m.decimals).Decimal()
	o.filled = chainamount.TagInt(filledSoFar.Add(size), m.decimals)

	m.fills = append(m.fills, syncengine.Fill{
		ChainID: chainID,
		Side:    o.side,
		Price:   chainamount.TagFloat(o.price.BigInt(), m.decimals).Decimal(),
		Size:    size,
		Fee:     fee,
	})
	if o.filled.BigInt().CmpAbs(o.size.BigInt()) >= 0 {
		delete(m.orders, chainID)
	}
}
