package pricefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	ReconnBaseDelay = 1 * time.Second
	ReconnMaxDelay  = 30 * time.Second
	PingPeriod      = 15 * time.Second // Keep-alive interval
)

// StreamService keeps the latest price per asset from a websocket feed.
//
// Wire format, one object or an array of them per frame:
//
//	{"type":"price","chain":"base","asset":"0x...","price":"1.0425","ts":1718000000}
//
// asset is a token id or "native".
type StreamService struct {
	url    string
	maxAge time.Duration

	mu          sync.RWMutex
	prices      map[string]Capture
	subs        []string
	isConnected bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

var _ Provider = (*StreamService)(nil)

func NewStreamService(url string, maxAge time.Duration) *StreamService {
	ctx, cancel := context.WithCancel(context.Background())
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &StreamService{
		url:    url,
		maxAge: maxAge,
		prices: make(map[string]Capture),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start launches the connection loop in a background goroutine
func (s *StreamService) Start() {
	go s.runLoop()
}

func (s *StreamService) Stop() {
	s.cancel()
	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()
}

// Subscribe adds assets ("chain:token") and pushes the subscription if connected.
func (s *StreamService) Subscribe(assets ...string) {
	s.mu.Lock()
	var added []string
	for _, a := range assets {
		found := false
		for _, existing := range s.subs {
			if existing == a {
				found = true
				break
			}
		}
		if !found {
			s.subs = append(s.subs, a)
			added = append(added, a)
		}
	}
	connected := s.isConnected
	s.mu.Unlock()

	if len(added) > 0 && connected {
		if err := s.sendSubscribe(added); err != nil {
			logger.Warn("price subscribe failed", "error", err)
		}
	}
}

func (s *StreamService) TokenPrice(_ context.Context, chain, tokenID string) (Capture, error) {
	key := assetKey(chain, tokenID)
	s.mu.RLock()
	c, ok := s.prices[key]
	s.mu.RUnlock()
	if !ok {
		s.Subscribe(key)
		return Capture{}, ErrNoPrice
	}
	if s.now().Sub(c.At) > s.maxAge {
		return c, ErrStale
	}
	return c, nil
}

func (s *StreamService) NativePrice(ctx context.Context, chain string) (Capture, error) {
	return s.TokenPrice(ctx, chain, NativeAsset)
}

func (s *StreamService) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

func (s *StreamService) runLoop() {
	delay := ReconnBaseDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			logger.Error("price feed connection failed", "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ReconnMaxDelay {
				delay = ReconnMaxDelay
			}
			continue
		}

		delay = ReconnBaseDelay
		s.setConnected(true)

		s.mu.RLock()
		allSubs := append([]string(nil), s.subs...)
		s.mu.RUnlock()
		if len(allSubs) > 0 {
			if err := s.sendSubscribe(allSubs); err != nil {
				logger.Error("failed to resubscribe", "error", err)
				conn.Close()
				s.setConnected(false)
				continue
			}
		}

		s.readLoop(conn)
		s.setConnected(false)
	}
}

func (s *StreamService) setConnected(v bool) {
	s.mu.Lock()
	s.isConnected = v
	s.mu.Unlock()
	if v {
		metrics.PriceFeedConnected.Set(1)
	} else {
		metrics.PriceFeedConnected.Set(0)
	}
}

func (s *StreamService) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	// 超过 PingPeriod + 缓冲仍无数据(含 Pong)，视为僵尸连接
	readTimeout := PingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go s.pingLoop(conn)
	return conn, nil
}

func (s *StreamService) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.conn != conn {
				s.writeMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type priceMessage struct {
	Type  string          `json:"type"`
	Chain string          `json:"chain"`
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	TS    int64           `json:"ts"`
}

func (s *StreamService) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	readTimeout := PingPeriod + 10*time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Warn("price feed read error", "error", err)
			}
			return
		}

		var batch []priceMessage
		if err := json.Unmarshal(message, &batch); err != nil {
			var single priceMessage
			if err2 := json.Unmarshal(message, &single); err2 != nil {
				continue
			}
			batch = []priceMessage{single}
		}
		for _, m := range batch {
			s.apply(m)
		}
	}
}

func (s *StreamService) apply(m priceMessage) {
	if m.Type != "price" || m.Chain == "" || m.Asset == "" || !m.Price.IsPositive() {
		return
	}
	at := s.now()
	if m.TS > 0 {
		at = time.Unix(m.TS, 0)
	}
	key := assetKey(m.Chain, m.Asset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.prices[key]; ok && prev.At.After(at) {
		return
	}
	s.prices[key] = Capture{PriceUSD: m.Price, At: at, Source: "stream"}
}

func (s *StreamService) sendSubscribe(assets []string) error {
	msg := map[string]any{
		"type":   "subscribe",
		"assets": assets,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}
