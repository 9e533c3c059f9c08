// Package controllerclient is the phone side of the protocol, used by tests
// and by the debug cli. It speaks the same json message set over a stock
// websocket client; the hand-rolled framing lives only on the server.
package controllerclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blukai/stabparty/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex

	recvCh      chan protocol.Message
	recvTimeout time.Duration

	mu    sync.Mutex
	lobby *protocol.LobbyState
}

// Dial connects to wss://addr/ws. The host's certificate is self-signed, so
// verification is off — the whole point of the local setup is that there is
// no CA.
func Dial(addr string, logger *log.Logger) (*Client, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(fmt.Sprintf("wss://%s/ws", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: logger,

		recvCh:      make(chan protocol.Message, 16),
		recvTimeout: time.Second,
	}, nil
}

// Run pumps inbound messages until ctx is cancelled or the connection dies.
// Lobby state updates are intercepted into a latest-wins slot (they arrive on
// every membership change and would otherwise clog Recv); everything else is
// delivered in order.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("could not read: %w", err)
		}

		msg := protocol.Deserialize(data)
		if msg == nil {
			c.logger.Debug().
				Str("data", string(data)).
				Msg("dropping undecodable message")
			continue
		}

		if state, ok := msg.(*protocol.LobbyState); ok {
			c.mu.Lock()
			c.lobby = state
			c.mu.Unlock()
			continue
		}

		select {
		case c.recvCh <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(msg protocol.Message) error {
	data, err := protocol.Serialize(msg)
	if err != nil {
		return fmt.Errorf("could not serialize: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv returns the next non-lobby-state message, or an error after the recv
// timeout.
func (c *Client) Recv() (protocol.Message, error) {
	select {
	case <-time.After(c.recvTimeout):
		return nil, fmt.Errorf("timeout reached")
	case msg := <-c.recvCh:
		return msg, nil
	}
}

// Join is blocking: it sends the join and waits for the welcome. A protocol
// error reply (e.g. ALREADY_JOINED) is surfaced as an error.
func (c *Client) Join(name, deviceID string) (*protocol.Welcome, error) {
	err := c.send(&protocol.Join{PlayerName: name, DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("could not send: %w", err)
	}

	msg, err := c.Recv()
	if err != nil {
		return nil, fmt.Errorf("could not recv: %w", err)
	}
	switch msg := msg.(type) {
	case *protocol.Welcome:
		return msg, nil
	case *protocol.Error:
		return nil, fmt.Errorf("join rejected: %s (%s)", msg.Code, msg.Message)
	default:
		return nil, fmt.Errorf("received unexpected message back (got %s; want %s)",
			msg.MessageType(), protocol.TypeWelcome)
	}
}

// SendInput is non-blocking on the protocol level; there is no reply.
func (c *Client) SendInput(input *protocol.Input) error {
	return c.send(input)
}

func (c *Client) Shake() error {
	return c.send(&protocol.Shake{})
}

func (c *Client) Ready(isReady bool) error {
	return c.send(&protocol.Ready{IsReady: isReady})
}

// LobbyState returns the latest lobby snapshot seen, or nil before the first
// one arrives.
func (c *Client) LobbyState() *protocol.LobbyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby
}
