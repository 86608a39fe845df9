package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub012/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StreamConfig configures the public market data stream.
type StreamConfig struct {
	URL           string        `json:"url" mapstructure:"url"`
	PingInterval  time.Duration `json:"pingInterval" mapstructure:"ping_interval"`
	ReconnectWait time.Duration `json:"reconnectWait" mapstructure:"reconnect_wait"`
}

// DefaultStreamConfig points at the Bybit v5 linear public stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:           "wss://stream.bybit.com/v5/public/linear",
		PingInterval:  20 * time.Second,
		ReconnectWait: 5 * time.Second,
	}
}

// Stream maintains one WebSocket connection to the Bybit v5 public
// stream and delivers confirmed klines to a handler. Unconfirmed
// (still-forming) bars are dropped.
type Stream struct {
	logger  *zap.Logger
	config  StreamConfig
	onBar   func(candle *types.Candle)
	metrics *Metrics

	connMu sync.RWMutex
	conn   *websocket.Conn

	subMu  sync.Mutex
	topics map[string]bool

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStream creates a stream. onBar is invoked from the read loop for
// every confirmed kline.
func NewStream(logger *zap.Logger, config StreamConfig, metrics *Metrics, onBar func(*types.Candle)) *Stream {
	if config.URL == "" {
		config = DefaultStreamConfig()
	}
	return &Stream{
		logger:  logger.Named("stream"),
		config:  config,
		onBar:   onBar,
		metrics: metrics,
		topics:  make(map[string]bool),
	}
}

// Start connects and spawns the read, ping and reconnect loops.
func (s *Stream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	if err := s.connect(); err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}

	s.wg.Add(3)
	go s.readLoop()
	go s.pingLoop()
	go s.reconnectMonitor()

	s.logger.Info("market stream started", zap.String("url", s.config.URL))
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (s *Stream) Stop() error {
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
	s.logger.Info("market stream stopped")
	return nil
}

// Subscribe registers a kline topic for (symbol, interval) and sends
// the subscription if connected. Intervals are Bybit codes ("1", "60",
// "D", ...).
func (s *Stream) Subscribe(symbol, interval string) error {
	topic := fmt.Sprintf("kline.%s.%s", interval, symbol)

	s.subMu.Lock()
	if s.topics[topic] {
		s.subMu.Unlock()
		return nil
	}
	s.topics[topic] = true
	s.subMu.Unlock()

	return s.send(map[string]any{"op": "subscribe", "args": []string{topic}})
}

func (s *Stream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.config.URL, nil)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.logger.Debug("stream connected")
	return nil
}

func (s *Stream) send(msg any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return s.conn.WriteJSON(msg)
}

// readLoop reads frames until the stream stops. A read error drops the
// connection and leaves reconnection to the monitor.
func (s *Stream) readLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.running.Load() {
				s.logger.Warn("stream read error", zap.Error(err))
				s.dropConn(conn)
			}
			continue
		}
		s.handleMessage(message)
	}
}

func (s *Stream) dropConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

// pingLoop sends the Bybit application-level ping.
func (s *Stream) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(map[string]any{"op": "ping"}); err != nil && s.running.Load() {
				s.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// reconnectMonitor redials a dropped connection and resubscribes all
// known topics.
func (s *Stream) reconnectMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ReconnectWait)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.RLock()
			connected := s.conn != nil
			s.connMu.RUnlock()
			if connected || !s.running.Load() {
				continue
			}

			s.logger.Info("reconnecting stream")
			if s.metrics != nil {
				s.metrics.Reconnects.Inc()
			}
			if err := s.connect(); err != nil {
				s.logger.Error("reconnect failed", zap.Error(err))
				continue
			}

			s.subMu.Lock()
			topics := make([]string, 0, len(s.topics))
			for t := range s.topics {
				topics = append(topics, t)
			}
			s.subMu.Unlock()
			if len(topics) > 0 {
				if err := s.send(map[string]any{"op": "subscribe", "args": topics}); err != nil {
					s.logger.Error("resubscribe failed", zap.Error(err))
				}
			}
		}
	}
}

// klineMessage is the Bybit v5 kline push payload.
type klineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start    int64  `json:"start"`
		End      int64  `json:"end"`
		Interval string `json:"interval"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Confirm  bool   `json:"confirm"`
	} `json:"data"`
}

func (s *Stream) handleMessage(raw []byte) {
	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "kline.") {
		return
	}
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	symbol := parts[2]

	for _, k := range msg.Data {
		if !k.Confirm {
			continue
		}
		candle := &types.Candle{
			Symbol:          symbol,
			OpenTime:        time.UnixMilli(k.Start).UTC(),
			CloseTime:       time.UnixMilli(k.End).UTC(),
			Open:            mustDecimal(k.Open),
			High:            mustDecimal(k.High),
			Low:             mustDecimal(k.Low),
			Close:           mustDecimal(k.Close),
			Volume:          mustDecimal(k.Volume),
			IntervalMinutes: intervalMinutes(k.Interval),
		}
		if s.metrics != nil {
			s.metrics.BarsReceived.WithLabelValues(symbol, k.Interval).Inc()
		}
		if s.onBar != nil {
			s.onBar(candle)
		}
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// intervalMinutes maps a Bybit interval code onto minutes.
func intervalMinutes(code string) float64 {
	switch code {
	case "D":
		return 1440
	case "W":
		return 10080
	case "M":
		return 43200
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return float64(n)
}
