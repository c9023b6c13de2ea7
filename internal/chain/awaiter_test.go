package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastAwaiter(polls int) Awaiter {
	return Awaiter{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 1.5, MaxPolls: polls}
}

func TestAwaitReturnsOnceFound(t *testing.T) {
	calls := 0
	r, err := fastAwaiter(5).Await(context.Background(), func(ctx context.Context) (*Receipt, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return &Receipt{TxHash: "0xabc", Success: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", r.TxHash)
	assert.Equal(t, 3, calls)
}

func TestAwaitRetriesNetworkErrors(t *testing.T) {
	calls := 0
	r, err := fastAwaiter(5).Await(context.Background(), func(ctx context.Context) (*Receipt, error) {
		calls++
		if calls == 1 {
			return nil, ErrNetwork
		}
		return &Receipt{TxHash: "sig"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sig", r.TxHash)
}

func TestAwaitBudgetExhausted(t *testing.T) {
	calls := 0
	_, err := fastAwaiter(4).Await(context.Background(), func(ctx context.Context) (*Receipt, error) {
		calls++
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, 4, calls)
}

func TestAwaitStopsOnFatalError(t *testing.T) {
	boom := errors.New("decode failure")
	_, err := fastAwaiter(4).Await(context.Background(), func(ctx context.Context) (*Receipt, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAwaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := Awaiter{Initial: time.Hour, Max: time.Hour, Multiplier: 1, MaxPolls: 3}
	cancel()
	_, err := a.Await(ctx, func(ctx context.Context) (*Receipt, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestAwaiterFromConfig(t *testing.T) {
	a := AwaiterFromConfig(config.ConfirmConfig{InitialIntervalMs: 500, MaxPolls: 3})
	assert.Equal(t, 500*time.Millisecond, a.Initial)
	assert.Equal(t, 10*time.Second, a.Max)
	assert.Equal(t, 1.5, a.Multiplier)
	assert.Equal(t, 3, a.MaxPolls)
}

func TestClassifyRevert(t *testing.T) {
	assert.ErrorIs(t, ClassifyRevert("execution reverted: already approved"), ErrAlreadyDone)
	assert.ErrorIs(t, ClassifyRevert("Already Fulfilled"), ErrAlreadyDone)
	assert.ErrorIs(t, ClassifyRevert("execution reverted: bad state"), ErrRejected)
}
