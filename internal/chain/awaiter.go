package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/otcgate/internal/config"
)

// Awaiter polls for a receipt with exponential backoff and a fixed poll budget.
type Awaiter struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxPolls   int
}

func DefaultAwaiter() Awaiter {
	return Awaiter{
		Initial:    2 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.5,
		MaxPolls:   15,
	}
}

func AwaiterFromConfig(c config.ConfirmConfig) Awaiter {
	a := DefaultAwaiter()
	if c.InitialIntervalMs > 0 {
		a.Initial = time.Duration(c.InitialIntervalMs) * time.Millisecond
	}
	if c.MaxIntervalMs > 0 {
		a.Max = time.Duration(c.MaxIntervalMs) * time.Millisecond
	}
	if c.Multiplier >= 1 {
		a.Multiplier = c.Multiplier
	}
	if c.MaxPolls > 0 {
		a.MaxPolls = c.MaxPolls
	}
	return a
}

// PollFunc returns (nil, nil) while the receipt is not available yet.
// ErrNetwork results are retried; any other error ends the wait.
type PollFunc func(ctx context.Context) (*Receipt, error)

func (a Awaiter) Await(ctx context.Context, poll PollFunc) (*Receipt, error) {
	delay := a.Initial
	var lastErr error
	for i := 0; i < a.MaxPolls; i++ {
		r, err := poll(ctx)
		switch {
		case err == nil && r != nil:
			return r, nil
		case err != nil && !errors.Is(err, ErrNetwork):
			return nil, err
		case err != nil:
			lastErr = err
		}
		if i == a.MaxPolls-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * a.Multiplier)
		if delay > a.Max {
			delay = a.Max
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d polls: %v", ErrConfirmationTimeout, a.MaxPolls, lastErr)
	}
	return nil, fmt.Errorf("%w after %d polls", ErrConfirmationTimeout, a.MaxPolls)
}
