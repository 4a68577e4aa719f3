package ocpp16

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/metrics"
)

// Conn is the transport-level connection a session drives. Implemented by
// the WebSocket connection wrapper; faked in tests.
type Conn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close closes the connection with a close code and reason.
	Close(code int, reason string) error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// errConnClosed fails pending calls when the session ends.
var errConnClosed = fmt.Errorf("connection closed")

// caller owns the outbound half of an OCPP session: unique-id generation,
// pending-call correlation and the one-in-flight-per-charger rule. The
// receive loop feeds replies back through deliver.
type caller struct {
	chargerID string
	conn      Conn
	clock     clock.Clock
	timeout   config.CSMSConfig
	log       zerolog.Logger

	// idPrefix marks locally originated call ids so a proxy receive loop
	// can tell them from ids minted by the upstream server.
	idPrefix string

	// minAlloc reads the live min_allocation knob for the base profile.
	minAlloc func() float64

	callMu  sync.Mutex // one outbound call in flight at a time
	mu      sync.Mutex // guards pending and closed
	pending map[string]chan *ocpp16.Frame
	closed  bool
}

func newCaller(chargerID string, conn Conn, csms config.CSMSConfig, clk clock.Clock, idPrefix string, minAlloc func() float64, log zerolog.Logger) *caller {
	return &caller{
		chargerID: chargerID,
		conn:      conn,
		clock:     clk,
		timeout:   csms,
		log:       log,
		idPrefix:  idPrefix,
		minAlloc:  minAlloc,
		pending:   make(map[string]chan *ocpp16.Frame),
	}
}

func (c *caller) minAllocation() float64 {
	if c.minAlloc == nil {
		return 0
	}
	return c.minAlloc()
}

// call performs one request/reply round trip. result, when non-nil, is
// filled from the CallResult payload. A CallError from the charger comes
// back as ocpp16.CallFailure.
func (c *caller) call(ctx context.Context, action ocpp16.Action, payload, result interface{}) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.idPrefix + uuid.NewString()
	ch, err := c.register(id)
	if err != nil {
		return err
	}
	defer c.unregister(id)

	data, err := ocpp16.MarshalCall(id, action, payload)
	if err != nil {
		return err
	}

	start := c.clock.Now()
	c.log.Debug().Str("action", string(action)).Str("message_id", id).Msg("Sending call")
	if err := c.conn.WriteMessage(data); err != nil {
		metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
		return fmt.Errorf("failed to send %s: %w", action, err)
	}

	timer := c.clock.Timer(c.timeout.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
		return ctx.Err()
	case <-timer.C:
		metrics.CallsSent.WithLabelValues(string(action), "timeout").Inc()
		return fmt.Errorf("%s to %s timed out after %s", action, c.chargerID, c.timeout.CallTimeout)
	case frame, ok := <-ch:
		if !ok {
			metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
			return errConnClosed
		}
		metrics.CallDuration.WithLabelValues(string(action)).Observe(c.clock.Now().Sub(start).Seconds())
		if frame.Type == ocpp16.CallError {
			metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
			return ocpp16.CallFailure{Action: action, Code: frame.ErrorCode, Description: frame.ErrorDescription}
		}
		if result != nil {
			if err := json.Unmarshal(frame.Payload, result); err != nil {
				metrics.CallsSent.WithLabelValues(string(action), "error").Inc()
				return fmt.Errorf("failed to decode %s reply: %w", action, err)
			}
		}
		metrics.CallsSent.WithLabelValues(string(action), "accepted").Inc()
		return nil
	}
}

func (c *caller) register(id string) (chan *ocpp16.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	ch := make(chan *ocpp16.Frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *caller) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver routes an inbound CallResult/CallError to its waiting call.
// Returns false when no call is waiting for the id.
func (c *caller) deliver(frame *ocpp16.Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

// shutdown fails every pending call and rejects future ones.
func (c *caller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
