// Package pricefeed supplies live USD prices for consigned tokens and for
// each chain's native currency.
package pricefeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoPrice = errors.New("no price for asset")
	ErrStale   = errors.New("price is stale")
)

// Capture is one observed price.
type Capture struct {
	PriceUSD decimal.Decimal
	At       time.Time
	Source   string
}

type Provider interface {
	TokenPrice(ctx context.Context, chain, tokenID string) (Capture, error)
	NativePrice(ctx context.Context, chain string) (Capture, error)
}

// NativeAsset is the asset key used for a chain's native currency.
const NativeAsset = "native"

func assetKey(chain, asset string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(asset)
}

// StaticProvider serves fixed prices. Used in dev setups and tests.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{prices: make(map[string]decimal.Decimal), now: time.Now}
}

// NewStaticProviderFromConfig loads "chain:token" -> price and chain -> native
// price maps. Unparseable entries are skipped.
func NewStaticProviderFromConfig(tokens, natives map[string]string) *StaticProvider {
	p := NewStaticProvider()
	for k, v := range tokens {
		d, err := decimal.NewFromString(v)
		if err != nil {
			continue
		}
		chain, token, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		p.SetTokenPrice(chain, token, d)
	}
	for chain, v := range natives {
		if d, err := decimal.NewFromString(v); err == nil {
			p.SetNativePrice(chain, d)
		}
	}
	return p
}

func (p *StaticProvider) SetTokenPrice(chain, tokenID string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[assetKey(chain, tokenID)] = price
}

func (p *StaticProvider) SetNativePrice(chain string, price decimal.Decimal) {
	p.SetTokenPrice(chain, NativeAsset, price)
}

func (p *StaticProvider) TokenPrice(_ context.Context, chain, tokenID string) (Capture, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[assetKey(chain, tokenID)]
	if !ok {
		return Capture{}, ErrNoPrice
	}
	return Capture{PriceUSD: price, At: p.now(), Source: "static"}, nil
}

func (p *StaticProvider) NativePrice(ctx context.Context, chain string) (Capture, error) {
	return p.TokenPrice(ctx, chain, NativeAsset)
}

// Fallback asks primary first and falls back to secondary when primary has
// no fresh price.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

func (f Fallback) TokenPrice(ctx context.Context, chain, tokenID string) (Capture, error) {
	c, err := f.Primary.TokenPrice(ctx, chain, tokenID)
	if err == nil || f.Secondary == nil {
		return c, err
	}
	return f.Secondary.TokenPrice(ctx, chain, tokenID)
}

func (f Fallback) NativePrice(ctx context.Context, chain string) (Capture, error) {
	c, err := f.Primary.NativePrice(ctx, chain)
	if err == nil || f.Secondary == nil {
		return c, err
	}
	return f.Secondary.NativePrice(ctx, chain)
}
