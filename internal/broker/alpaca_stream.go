package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
)

const (
	streamReconnBaseDelay = 1 * time.Second
	streamReconnMaxDelay  = 30 * time.Second
	streamPingPeriod      = 15 * time.Second
)

// OrderUpdateFunc receives pushed order state changes from a stream.
type OrderUpdateFunc func(brokerOrderID string, status model.OrderStatus)

// AlpacaTradeStream listens on Alpaca's trade_updates websocket channel
// and pushes status changes to the scheduler ahead of the next poll tick.
// Polling remains the source of truth; the stream only shortens latency.
type AlpacaTradeStream struct {
	url       string
	apiKey    string
	apiSecret string
	onUpdate  OrderUpdateFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	isConnected bool
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewAlpacaTradeStream(url, apiKey, apiSecret string, onUpdate OrderUpdateFunc) *AlpacaTradeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &AlpacaTradeStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		onUpdate:  onUpdate,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the connection loop in a background goroutine.
func (s *AlpacaTradeStream) Start() {
	go s.runLoop()
}

// Stop closes the stream and stops reconnecting.
func (s *AlpacaTradeStream) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *AlpacaTradeStream) runLoop() {
	delay := streamReconnBaseDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			logger.Warn("trade stream connect failed", "url", s.url, "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > streamReconnMaxDelay {
				delay = streamReconnMaxDelay
			}
			continue
		}

		delay = streamReconnBaseDelay
		s.mu.Lock()
		s.isConnected = true
		s.mu.Unlock()

		s.readLoop()

		s.mu.Lock()
		s.isConnected = false
		s.mu.Unlock()
	}
}

func (s *AlpacaTradeStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	readTimeout := streamPingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	authMsg := map[string]interface{}{
		"action": "auth",
		"key":    s.apiKey,
		"secret": s.apiSecret,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return err
	}

	listenMsg := map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": []string{"trade_updates"}},
	}
	if err := conn.WriteJSON(listenMsg); err != nil {
		conn.Close()
		return err
	}

	go s.pingLoop(conn)
	return nil
}

func (s *AlpacaTradeStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			alive := s.isConnected && s.conn == conn
			s.mu.Unlock()
			if !alive {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type alpacaStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string `json:"event"`
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

func (s *AlpacaTradeStream) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	defer conn.Close()

	readTimeout := streamPingPeriod + 10*time.Second

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				logger.Warn("trade stream read error", "error", err)
			}
			return
		}

		var msg alpacaStreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Control or auth ack frames; not order updates.
			continue
		}
		if msg.Stream != "trade_updates" || msg.Data.Order.ID == "" {
			continue
		}

		status := mapAlpacaOrderStatus(msg.Data.Order.Status)
		logger.Debug("trade stream update", "order", msg.Data.Order.ID, "event", msg.Data.Event, "status", status)
		if s.onUpdate != nil {
			s.onUpdate(msg.Data.Order.ID, status)
		}
	}
}
