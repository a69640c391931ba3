package dexclient

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridcore/internal/config"
	"gridcore/internal/core"
)

func TestPlaceAndCancelOrder(t *testing.T) {
	c := NewMockClient(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	ctx := context.Background()

	chainID, err := c.PlaceOrder(ctx, core.Buy, decimal.NewFromInt(99), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NotEmpty(t, chainID)

	open, err := c.ReadOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, chainID, open[0].ChainID)

	require.NoError(t, c.CancelOrder(ctx, chainID))
	open, err = c.ReadOpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestCancelUnknownOrderFails(t *testing.T) {
	c := NewMockClient(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	err := c.CancelOrder(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestFillDrainsIntoReadFillHistory(t *testing.T) {
	c := NewMockClient(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	ctx := context.Background()

	chainID, err := c.PlaceOrder(ctx, core.Sell, decimal.NewFromInt(101), decimal.NewFromInt(5))
	require.NoError(t, err)

	c.Fill(chainID, decimal.NewFromInt(5), decimal.NewFromFloat(0.01))

	fills, err := c.ReadFillHistory(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.Equal(t, chainID, fills[0].ChainID)

	// Fully filled orders drop out of the open-order book.
	open, err := c.ReadOpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)

	// Fill history drains: a second read sees nothing new.
	fills, err = c.ReadFillHistory(ctx, time.Time{})
	require.NoError(t, err)
	require.Empty(t, fills)
}

func TestReadBalanceReturnsSeededFunds(t *testing.T) {
	c := NewMockClient(decimal.NewFromInt(500), decimal.NewFromInt(700))
	committed, free, err := c.ReadBalance(context.Background(), core.Buy)
	require.NoError(t, err)
	require.True(t, committed.IsZero())
	require.True(t, free.Equal(decimal.NewFromInt(500)))
}

func TestNewMockClientFromConfigRecordsEndpoint(t *testing.T) {
	c := NewMockClientFromConfig(ClientConfig{
		Endpoint:  "https://dex.example/rpc",
		APIKey:    config.Secret("key"),
		APISecret: config.Secret("secret"),
	}, decimal.Zero, decimal.Zero)
	require.Equal(t, "https://dex.example/rpc", c.endpoint)
}

func TestCallsAreRecorded(t *testing.T) {
	c := NewMockClient(decimal.NewFromInt(1000), decimal.NewFromInt(1000))
	ctx := context.Background()
	_, _ = c.PlaceOrder(ctx, core.Buy, decimal.NewFromInt(99), decimal.NewFromInt(1))
	_, _ = c.ReadOpenOrders(ctx)
	require.Equal(t, []string{"PlaceOrder", "ReadOpenOrders"}, c.Calls)
}
