package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NEO QUOTE SOCKET - gorilla/websocket transport for the vendor stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connect dials, presents the session auth pair and starts a keepalive ping
// loop. One socket carries both quote batches and order updates; the feed
// manager above does the classification.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultNeoSocketURL = "wss://mlhsm.kotaksecurities.com"

	pingEvery        = 30 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

var errNotConnected = errors.New("socket not connected")

// Credentials supplies the live session auth pair; *execution.Neo
// satisfies it.
type Credentials interface {
	Session() (token, sid string, err error)
}

// NeoSocket is the websocket transport behind the feed manager.
type NeoSocket struct {
	url     string
	segment string
	creds   Credentials

	mu       sync.Mutex
	conn     *websocket.Conn
	pingStop chan struct{}
}

// NewNeoSocket creates the transport. An empty url selects the vendor
// default; segment defaults to the NSE cash market.
func NewNeoSocket(url, segment string, creds Credentials) *NeoSocket {
	if url == "" {
		url = DefaultNeoSocketURL
	}
	if segment == "" {
		segment = defaultExchangeSegment
	}
	return &NeoSocket{url: url, segment: segment, creds: creds}
}

// Connect dials a fresh socket and authenticates it. Any previous socket is
// closed first.
func (s *NeoSocket) Connect(ctx context.Context) error {
	if s.creds == nil {
		return errors.New("no session credentials")
	}
	token, sid, err := s.creds.Session()
	if err != nil {
		return fmt.Errorf("socket auth: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.dropLocked()
	s.conn = conn
	s.pingStop = make(chan struct{})
	stop := s.pingStop
	s.mu.Unlock()

	if err := s.writeJSON(map[string]string{
		"type":          "cn",
		"Authorization": token,
		"Sid":           sid,
	}); err != nil {
		s.Close()
		return fmt.Errorf("auth frame: %w", err)
	}

	go s.pingLoop(conn, stop)
	return nil
}

type neoScrip struct {
	InstrumentToken string `json:"instrument_token"`
	ExchangeSegment string `json:"exchange_segment"`
}

// Subscribe requests full ticks for the given tokens.
func (s *NeoSocket) Subscribe(tokens []string) error {
	scrips := make([]neoScrip, 0, len(tokens))
	for _, t := range tokens {
		scrips = append(scrips, neoScrip{InstrumentToken: t, ExchangeSegment: s.segment})
	}
	return s.writeJSON(map[string]any{
		"type":   "subscribe",
		"scrips": scrips,
	})
}

// ReadMessage blocks for the next frame. Close unblocks it with an error.
func (s *NeoSocket) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}
	_, frame, err := conn.ReadMessage()
	return frame, err
}

// Close tears the socket down. Safe to call repeatedly.
func (s *NeoSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *NeoSocket) dropLocked() error {
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *NeoSocket) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// pingLoop keeps the vendor's idle timeout at bay. It exits when its socket
// is replaced or dropped.
func (s *NeoSocket) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
