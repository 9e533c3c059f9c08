package gateway

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blukai/stabparty/internal/protocol"
	"github.com/blukai/stabparty/internal/wsframe"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// Conn owns one upgraded client stream. A single goroutine (readLoop) pulls
// bytes into the accumulate buffer and runs the frame codec on it; writes are
// serialized by a mutex because broadcasts come from other goroutines.
type Conn struct {
	id     string
	stream net.Conn
	logger *log.Logger

	// buf accumulates stream bytes; decoded frames are consumed from the
	// front
	buf []byte

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool

	closeOnce sync.Once

	onMessage func(connID string, msg protocol.Message)
	onClose   func(connID string)
}

func newConn(stream net.Conn, leftover []byte, logger *log.Logger) *Conn {
	return &Conn{
		// short opaque id, distinct from any session identity
		id:     strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		stream: stream,
		logger: logger,

		buf: leftover,

		open: true,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// IsOpen reports whether Send still reaches the client.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// readLoop blocks until the connection dies. Frames already sitting in the
// leftover buffer (pipelined right behind the upgrade request) are handled
// before the first read.
func (c *Conn) readLoop() {
	chunk := make([]byte, 4096)
	for {
		if !c.drainFrames() {
			return
		}

		n, err := c.stream.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().
					Str("conn", c.id).
					Msgf("read failed: %v", err)
			}
			// flush whatever complete frames arrived with the error
			c.drainFrames()
			c.close(nil)
			return
		}
	}
}

// drainFrames runs the codec until it needs more data. Returns false when the
// connection was closed (by a close frame, a protocol violation, or a
// concurrent Close).
func (c *Conn) drainFrames() bool {
	for {
		if !c.IsOpen() {
			return false
		}

		frame, consumed, err := wsframe.Decode(c.buf)
		if errors.Is(err, wsframe.ErrNeedMoreData) {
			return true
		}
		if err != nil {
			// oversized or malformed framing is a protocol
			// violation, not message noise
			c.logger.Warn().
				Str("conn", c.id).
				Msgf("dropping connection: %v", err)
			c.close(nil)
			return false
		}
		c.buf = c.buf[consumed:]

		if !c.handleFrame(frame) {
			return false
		}
	}
}

func (c *Conn) handleFrame(frame wsframe.Frame) bool {
	switch frame.Opcode {
	case wsframe.OpText:
		msg := protocol.Deserialize(frame.Payload)
		if msg == nil {
			// message-level noise is tolerated, the connection
			// stays up
			c.logger.Debug().
				Str("conn", c.id).
				Msg("dropping undecodable message")
			return true
		}
		if c.onMessage != nil {
			c.onMessage(c.id, msg)
		}
		return true

	case wsframe.OpPing:
		c.writeFrame(wsframe.OpPong, frame.Payload)
		return true

	case wsframe.OpPong:
		return true

	case wsframe.OpClose:
		// echo the status code back, then we are done
		status := frame.Payload
		if len(status) > 2 {
			status = status[:2]
		}
		c.close(status)
		return false

	default:
		// binary and continuation frames are not part of this
		// protocol
		c.logger.Debug().
			Str("conn", c.id).
			Msgf("ignoring frame with opcode %#x", frame.Opcode)
		return true
	}
}

// Send serializes msg into one unfragmented text frame. Sending on a closed
// connection is a silent no-op.
func (c *Conn) Send(msg protocol.Message) error {
	if !c.IsOpen() {
		return nil
	}

	data, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(wsframe.OpText, data)
}

func (c *Conn) writeFrame(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.stream.Write(wsframe.Encode(opcode, payload))
	return err
}

// Close sends an empty close frame and tears the connection down.
// Idempotent.
func (c *Conn) Close() {
	c.close(nil)
}

// close fires the disconnect notification exactly once, no matter how many
// paths (socket error, close frame, eviction) detect the failure in the same
// tick.
func (c *Conn) close(closeStatus []byte) {
	c.closeOnce.Do(func() {
		// best effort; the peer may already be gone, and a wedged peer
		// must not block teardown
		_ = c.stream.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.writeFrame(wsframe.OpClose, closeStatus)

		c.mu.Lock()
		c.open = false
		c.mu.Unlock()

		_ = c.stream.Close()

		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}
