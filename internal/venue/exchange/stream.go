package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second

	// The exchange pings periodically; with market data flowing the read
	// deadline is refreshed on every frame.
	readTimeout = 75 * time.Second
)

// timestampedMessage wraps raw frame data with receive timestamp.
type timestampedMessage struct {
	data       []byte
	receivedAt time.Time
}

// stream is a single WebSocket connection to the exchange market stream.
type stream struct {
	url    string
	logger *slog.Logger

	conn *websocket.Conn

	messages chan timestampedMessage
	errors   chan error
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// dialStream opens the stream and starts its read loop.
func dialStream(ctx context.Context, url string, bufferSize int, logger *slog.Logger) (*stream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &stream{
		url:      url,
		logger:   logger,
		conn:     conn,
		messages: make(chan timestampedMessage, bufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(writeTimeout),
		)
	})

	go s.readLoop()

	logger.Debug("stream connected", "url", url)
	return s, nil
}

// close tears down the connection. Safe to call more than once.
func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.conn.Close()
}

func (s *stream) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after close() is called.
			select {
			case <-s.done:
			default:
				select {
				case s.errors <- err:
				default:
				}
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		select {
		case s.messages <- timestampedMessage{data: data, receivedAt: receivedAt}:
		case <-s.done:
			return
		default:
			s.logger.Warn("stream buffer full, dropping frame")
		}
	}
}
