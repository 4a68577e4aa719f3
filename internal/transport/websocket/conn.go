package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("websocket: connection closed")

// ConnectionWrapper adapts a gorilla websocket to the session layer's Conn
// interface. Writes go through a buffered send channel drained by a single
// goroutine, so WriteMessage is safe from any goroutine; reads stay with
// the session's receive loop.
type ConnectionWrapper struct {
	conn         *websocket.Conn
	sendChan     chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	readStale    time.Duration
	log          zerolog.Logger
}

func newConnectionWrapper(conn *websocket.Conn, maxMessageSize int64, writeTimeout, readStale time.Duration, log zerolog.Logger) *ConnectionWrapper {
	w := &ConnectionWrapper{
		conn:         conn,
		sendChan:     make(chan []byte, 64),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
		readStale:    readStale,
		log:          log,
	}
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	if readStale > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readStale))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readStale))
		})
	}
	go w.sendRoutine()
	return w
}

// ReadMessage returns the next text frame. Control frames are handled by
// gorilla internally; binary frames are skipped.
func (w *ConnectionWrapper) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if w.readStale > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.readStale))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// WriteMessage queues a text frame for sending. It fails fast when the
// connection is closed or the send queue is full.
func (w *ConnectionWrapper) WriteMessage(data []byte) error {
	select {
	case <-w.closed:
		return errConnClosed
	default:
	}
	select {
	case w.sendChan <- data:
		return nil
	case <-w.closed:
		return errConnClosed
	default:
		return errors.New("websocket: send queue full")
	}
}

// Close sends a close frame with the given code and reason, then tears
// the connection down. Safe to call more than once.
func (w *ConnectionWrapper) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		close(w.closed)
		deadline := time.Now().Add(w.writeTimeout)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = w.conn.Close()
	})
	return nil
}

// RemoteAddr names the peer for logging.
func (w *ConnectionWrapper) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// Ping sends a ping control frame. WriteControl is safe to call
// concurrently with the send routine.
func (w *ConnectionWrapper) Ping() error {
	select {
	case <-w.closed:
		return errConnClosed
	default:
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *ConnectionWrapper) sendRoutine() {
	for {
		select {
		case <-w.closed:
			return
		case data := <-w.sendChan:
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.log.Debug().Err(err).Msg("Write failed, closing connection")
				_ = w.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}
