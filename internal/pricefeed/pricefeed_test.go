package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviderFromConfig(t *testing.T) {
	p := NewStaticProviderFromConfig(
		map[string]string{"base:0xAA": "1.04", "broken": "1", "bsc:0xbb": "nope"},
		map[string]string{"base": "3000", "solana": "150.5"},
	)
	ctx := context.Background()

	c, err := p.TokenPrice(ctx, "BASE", "0xaa")
	require.NoError(t, err)
	assert.True(t, c.PriceUSD.Equal(decimal.RequireFromString("1.04")))

	_, err = p.TokenPrice(ctx, "bsc", "0xbb")
	assert.ErrorIs(t, err, ErrNoPrice)

	n, err := p.NativePrice(ctx, "solana")
	require.NoError(t, err)
	assert.Equal(t, "150.5", n.PriceUSD.String())
}

func TestFallbackUsesSecondary(t *testing.T) {
	primary := NewStaticProvider()
	secondary := NewStaticProvider()
	secondary.SetTokenPrice("base", "0xaa", decimal.NewFromInt(2))

	f := Fallback{Primary: primary, Secondary: secondary}
	c, err := f.TokenPrice(context.Background(), "base", "0xaa")
	require.NoError(t, err)
	assert.Equal(t, "2", c.PriceUSD.String())

	primary.SetTokenPrice("base", "0xaa", decimal.NewFromInt(3))
	c, err = f.TokenPrice(context.Background(), "base", "0xaa")
	require.NoError(t, err)
	assert.Equal(t, "3", c.PriceUSD.String())
}

func TestStreamServiceReceivesPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub struct {
			Assets []string `json:"assets"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Assets
		ts := time.Now().Unix()
		_ = conn.WriteJSON([]map[string]any{
			{"type": "price", "chain": "base", "asset": "0xAA", "price": "1.06", "ts": ts},
			{"type": "price", "chain": "base", "asset": "native", "price": 3000, "ts": ts},
			{"type": "heartbeat"},
		})
		// keep the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStreamService("ws"+strings.TrimPrefix(srv.URL, "http"), time.Minute)
	s.Subscribe("base:0xaa")
	s.Start()
	defer s.Stop()

	select {
	case assets := <-subscribed:
		assert.Equal(t, []string{"base:0xaa"}, assets)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		_, err := s.TokenPrice(context.Background(), "base", "0xaa")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	c, err := s.TokenPrice(context.Background(), "base", "0xaa")
	require.NoError(t, err)
	assert.True(t, c.PriceUSD.Equal(decimal.RequireFromString("1.06")))
	n, err := s.NativePrice(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "3000", n.PriceUSD.String())
	assert.True(t, s.Connected())
}

func TestStreamServiceStaleAndOrdering(t *testing.T) {
	s := NewStreamService("ws://unused", 30*time.Second)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.apply(priceMessage{Type: "price", Chain: "base", Asset: "0xaa", Price: decimal.NewFromInt(2), TS: now.Unix()})
	s.apply(priceMessage{Type: "price", Chain: "base", Asset: "0xaa", Price: decimal.NewFromInt(1), TS: now.Unix() - 10})
	s.apply(priceMessage{Type: "price", Chain: "base", Asset: "0xbb", Price: decimal.NewFromInt(-1), TS: now.Unix()})

	c, err := s.TokenPrice(context.Background(), "base", "0xaa")
	require.NoError(t, err)
	assert.Equal(t, "2", c.PriceUSD.String(), "older ticks never overwrite newer ones")

	_, err = s.TokenPrice(context.Background(), "base", "0xbb")
	assert.ErrorIs(t, err, ErrNoPrice)

	now = now.Add(31 * time.Second)
	_, err = s.TokenPrice(context.Background(), "base", "0xaa")
	assert.ErrorIs(t, err, ErrStale)
}
